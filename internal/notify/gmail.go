package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"adreport/internal/stage"

	"golang.org/x/oauth2"
)

const DefaultGmailEndpoint = "https://gmail.googleapis.com"

// Gmail sends through the Gmail API users.messages.send method with an
// OAuth2 bearer token.
type Gmail struct {
	endpoint string
	client   *http.Client
	tokenErr error
}

// NewGmail returns a Gmail mailer. base may be nil; its transport is wrapped
// with the bearer token. A missing token is reported by Send as a config
// error, so the rest of the run still happens.
func NewGmail(ctx context.Context, endpoint, accessToken string, base *http.Client) *Gmail {
	var tokenErr error
	if strings.TrimSpace(accessToken) == "" {
		tokenErr = errors.New("access token is required (set GMAIL_ACCESS_TOKEN)")
	}
	if endpoint == "" {
		endpoint = DefaultGmailEndpoint
	}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	return &Gmail{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   oauth2.NewClient(ctx, ts),
		tokenErr: tokenErr,
	}
}

func (g *Gmail) Name() string { return "gmail" }

type gmailSendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type gmailError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g *Gmail) Send(ctx context.Context, msg Message) (string, error) {
	if g.tokenErr != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseConfig, "gmail send", g.tokenErr)
	}
	raw, err := msg.Bytes()
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "gmail encode", err)
	}
	body, err := json.Marshal(map[string]string{"raw": base64.RawURLEncoding.EncodeToString(raw)})
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "gmail encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/gmail/v1/users/me/messages/send", bytes.NewReader(body))
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "gmail request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseOf(err, stage.CauseTransport), "gmail send", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseOf(err, stage.CauseTransport), "gmail send", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ge gmailError
		detail := strings.TrimSpace(string(payload))
		if json.Unmarshal(payload, &ge) == nil && ge.Error.Message != "" {
			detail = ge.Error.Message
		}
		cause := stage.CauseUpstream
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			cause = stage.CauseAuth
		case resp.StatusCode == http.StatusTooManyRequests:
			cause = stage.CauseRateLimited
		case resp.StatusCode < 500:
			cause = stage.CauseDelivery
		}
		return "", stage.New(stage.KindDelivery, cause, "gmail send", fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	}

	var out gmailSendResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDecode, "gmail send", err)
	}
	return out.ID, nil
}
