package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"adreport/internal/stage"
)

// SMTP sends through a submission server, upgrading with STARTTLS when the
// server offers it and authenticating with PLAIN when a username is set.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLSConfig overrides the STARTTLS configuration (tests).
	TLSConfig *tls.Config
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) Send(ctx context.Context, msg Message) (string, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "smtp encode", err)
	}

	port := s.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseOf(err, stage.CauseTransport), "smtp dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		_ = conn.Close()
		return "", stage.New(stage.KindDelivery, stage.CauseOf(err, stage.CauseTransport), "smtp greeting", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		cfg := s.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: s.Host, MinVersion: tls.VersionTLS12}
		}
		if err := c.StartTLS(cfg); err != nil {
			return "", stage.New(stage.KindDelivery, stage.CauseTransport, "smtp starttls", err)
		}
	}
	if s.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.Username, s.Password, s.Host)); err != nil {
			return "", stage.New(stage.KindDelivery, stage.CauseAuth, "smtp auth", err)
		}
	}

	if err := c.Mail(bareAddress(msg.From)); err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "smtp mail from", err)
	}
	if err := c.Rcpt(bareAddress(msg.To)); err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "smtp rcpt to", err)
	}
	w, err := c.Data()
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "smtp data", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", stage.New(stage.KindDelivery, stage.CauseOf(err, stage.CauseTransport), "smtp data", err)
	}
	if err := w.Close(); err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "smtp data", fmt.Errorf("server rejected message: %w", err))
	}
	// The message is accepted once DATA completes; a failed QUIT is not a delivery failure.
	_ = c.Quit()
	return msg.ID, nil
}
