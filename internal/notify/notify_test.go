package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"adreport/internal/config"
	"adreport/internal/data"
	"adreport/internal/stage"
)

var sampleReport = data.Report{
	Subject: "Daily Marketing Performance Report - 2024-01-15",
	HTML:    "<p>Spend rose</p>",
	Text:    "Spend rose",
}

type recordingMailer struct {
	calls int
	msg   Message
	id    string
	err   error
}

func (m *recordingMailer) Name() string { return "fake" }

func (m *recordingMailer) Send(_ context.Context, msg Message) (string, error) {
	m.calls++
	m.msg = msg
	return m.id, m.err
}

func TestDeliver_RequiresRecipient(t *testing.T) {
	m := &recordingMailer{}
	n := New(m, "reports@example.com", nil)

	res := n.Deliver(context.Background(), sampleReport, "  ")
	if res.Outcome != stage.OutcomeFailure || res.Cause() != stage.CauseDelivery {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !errors.Is(res.Err, stage.ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", res.Err)
	}
	if m.calls != 0 {
		t.Fatalf("mailer must not be called")
	}
}

func TestDeliver_RejectsMalformedRecipient(t *testing.T) {
	m := &recordingMailer{}
	res := New(m, "", nil).Deliver(context.Background(), sampleReport, "not an address")
	if res.Outcome != stage.OutcomeFailure || m.calls != 0 {
		t.Fatalf("unexpected result: %+v (calls=%d)", res, m.calls)
	}
}

func TestDeliver_SingleAttemptOnTransportError(t *testing.T) {
	m := &recordingMailer{err: stage.New(stage.KindDelivery, stage.CauseTransport, "smtp dial", errors.New("connection refused"))}
	res := New(m, "reports@example.com", nil).Deliver(context.Background(), sampleReport, "team@example.com")
	if res.Outcome != stage.OutcomeFailure || res.Cause() != stage.CauseTransport {
		t.Fatalf("unexpected result: %+v", res)
	}
	if m.calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", m.calls)
	}
}

func TestDeliver_Confirmation(t *testing.T) {
	m := &recordingMailer{id: "gmail-123"}
	n := New(m, "Reports <reports@example.com>", nil)
	fixed := time.Date(2024, 1, 16, 7, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	res := n.Deliver(context.Background(), sampleReport, "team@example.com")
	if res.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason())
	}
	c := res.Payload
	if c.Transport != "fake" || c.MessageID != "gmail-123" || c.Recipient != "team@example.com" || !c.SentAt.Equal(fixed) {
		t.Fatalf("confirmation = %+v", c)
	}
	if !strings.HasSuffix(m.msg.ID, "@example.com") {
		t.Fatalf("message id = %q", m.msg.ID)
	}
}

func TestMessageBytes_AlternativeWithAttachment(t *testing.T) {
	msg := Message{
		ID:      "abc@example.com",
		From:    "reports@example.com",
		To:      "team@example.com",
		Subject: "Rapport du jour - 2024-01-15",
		Date:    time.Date(2024, 1, 16, 7, 0, 0, 0, time.UTC),
		Text:    "plain body",
		HTML:    "<p>html body</p>",
		Attachments: []data.Attachment{{
			Filename: "adreport-2024-01-15.xlsx", ContentType: "application/octet-stream", Data: []byte("PK\x03\x04 workbook"),
		}},
	}
	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() returned error: %v", err)
	}

	parsed, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if parsed.Header.Get("Message-ID") != "<abc@example.com>" {
		t.Fatalf("Message-ID = %q", parsed.Header.Get("Message-ID"))
	}
	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type = %q (%v)", mediaType, err)
	}

	mr := multipart.NewReader(parsed.Body, params["boundary"])
	first, err := mr.NextPart()
	if err != nil {
		t.Fatalf("first part: %v", err)
	}
	altType, altParams, _ := mime.ParseMediaType(first.Header.Get("Content-Type"))
	if altType != "multipart/alternative" {
		t.Fatalf("first part type = %q", altType)
	}
	alt := multipart.NewReader(first, altParams["boundary"])
	var bodies []string
	for {
		p, err := alt.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("alternative part: %v", err)
		}
		b, _ := io.ReadAll(p) // NextPart decodes quoted-printable
		bodies = append(bodies, p.Header.Get("Content-Type")+"|"+string(b))
	}
	if len(bodies) != 2 || !strings.HasPrefix(bodies[0], "text/plain") || !strings.HasSuffix(bodies[1], "<p>html body</p>") {
		t.Fatalf("alternative bodies = %q", bodies)
	}

	att, err := mr.NextPart()
	if err != nil {
		t.Fatalf("attachment part: %v", err)
	}
	if att.FileName() != "adreport-2024-01-15.xlsx" {
		t.Fatalf("attachment filename = %q", att.FileName())
	}
	enc, _ := io.ReadAll(att)
	dec, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(enc), "\r\n", ""))
	if err != nil || string(dec) != "PK\x03\x04 workbook" {
		t.Fatalf("attachment data = %q (%v)", dec, err)
	}
}

func TestOutbox_WritesEML(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mail")
	n := New(NewOutbox(dir), "reports@example.com", nil)

	res := n.Deliver(context.Background(), sampleReport, "team@example.com")
	if res.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason())
	}
	if res.Payload.Transport != "outbox" {
		t.Fatalf("transport = %q", res.Payload.Transport)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("outbox entries = %v (%v)", entries, err)
	}
	if filepath.Ext(entries[0].Name()) != ".eml" {
		t.Fatalf("file = %s", entries[0].Name())
	}
	raw, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	parsed, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if parsed.Header.Get("To") != "team@example.com" {
		t.Fatalf("To = %q", parsed.Header.Get("To"))
	}
}

func TestGmail_Send(t *testing.T) {
	var gotAuth, gotPath string
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var body struct {
			Raw string `json:"raw"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		raw, _ = base64.RawURLEncoding.DecodeString(body.Raw)
		_, _ = io.WriteString(w, `{"id":"18c1f","threadId":"18c1f"}`)
	}))
	t.Cleanup(srv.Close)

	g := NewGmail(context.Background(), srv.URL, "ya29.token", srv.Client())
	res := New(g, "reports@example.com", nil).Deliver(context.Background(), sampleReport, "team@example.com")
	if res.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason())
	}
	if res.Payload.MessageID != "18c1f" {
		t.Fatalf("message id = %q", res.Payload.MessageID)
	}
	if gotAuth != "Bearer ya29.token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotPath != "/gmail/v1/users/me/messages/send" {
		t.Fatalf("path = %q", gotPath)
	}
	if !strings.Contains(string(raw), "Subject: Daily Marketing Performance Report - 2024-01-15") {
		t.Fatalf("raw message missing subject:\n%s", raw)
	}
}

func TestGmail_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		want   stage.Cause
	}{
		{http.StatusUnauthorized, stage.CauseAuth},
		{http.StatusTooManyRequests, stage.CauseRateLimited},
		{http.StatusBadRequest, stage.CauseDelivery},
		{http.StatusServiceUnavailable, stage.CauseUpstream},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"code":1,"message":"nope","status":"X"}}`)
			}))
			t.Cleanup(srv.Close)

			g := NewGmail(context.Background(), srv.URL, "tok", srv.Client())
			_, err := g.Send(context.Background(), Message{From: "a@example.com", To: "b@example.com"})
			if got := stage.CauseOf(err, ""); got != tt.want {
				t.Fatalf("cause = %q, want %q (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestGmail_MissingTokenIsConfigError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	t.Cleanup(srv.Close)

	g := NewGmail(context.Background(), srv.URL, "", srv.Client())
	res := New(g, "reports@example.com", nil).Deliver(context.Background(), sampleReport, "team@example.com")
	if res.Outcome != stage.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", res.Outcome)
	}
	if res.Cause() != stage.CauseConfig {
		t.Fatalf("cause = %s, want %s", res.Cause(), stage.CauseConfig)
	}
	if calls != 0 {
		t.Fatalf("no request may be sent without a token; got %d", calls)
	}
}

// fakeSMTP accepts one session without STARTTLS or AUTH and returns the DATA
// payload on the channel.
func fakeSMTP(t *testing.T) (host string, port int, got <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 fake ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "EHLO"):
				_ = tp.PrintfLine("250-fake")
				_ = tp.PrintfLine("250 HELP")
			case strings.HasPrefix(line, "MAIL"), strings.HasPrefix(line, "RCPT"):
				_ = tp.PrintfLine("250 OK")
			case line == "DATA":
				_ = tp.PrintfLine("354 go ahead")
				b, _ := tp.ReadDotBytes()
				ch <- string(b)
				_ = tp.PrintfLine("250 queued")
			case line == "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("502 unsupported")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, ch
}

func TestSMTP_Send(t *testing.T) {
	host, port, got := fakeSMTP(t)
	s := &SMTP{Host: host, Port: port}

	res := New(s, "reports@example.com", nil).Deliver(context.Background(), sampleReport, "team@example.com")
	if res.Outcome != stage.OutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason())
	}
	select {
	case body := <-got:
		if !strings.Contains(body, "To: team@example.com") {
			t.Fatalf("DATA payload missing To header:\n%s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never received DATA")
	}
}

func TestSMTP_DialFailureIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	s := &SMTP{Host: "127.0.0.1", Port: port}
	_, err = s.Send(context.Background(), Message{From: "a@example.com", To: "b@example.com"})
	if got := stage.CauseOf(err, ""); got != stage.CauseTransport {
		t.Fatalf("cause = %q (err=%v)", got, err)
	}
}

func TestNewMailer(t *testing.T) {
	tests := []struct {
		cfg  config.Notify
		want string
		err  bool
	}{
		{cfg: config.Notify{Transport: "smtp", SMTP: config.SMTP{Host: "mail.example.com"}}, want: "smtp"},
		{cfg: config.Notify{Transport: "outbox"}, want: "outbox"},
		{cfg: config.Notify{Transport: "gmail", Gmail: config.Gmail{AccessToken: "tok"}}, want: "gmail"},
		{cfg: config.Notify{Transport: "gmail"}, want: "gmail"},
		{cfg: config.Notify{Transport: "ses"}, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Transport+"/"+tt.want, func(t *testing.T) {
			m, err := NewMailer(context.Background(), tt.cfg, nil)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewMailer: %v", err)
			}
			if m.Name() != tt.want {
				t.Fatalf("Name() = %q", m.Name())
			}
		})
	}
}
