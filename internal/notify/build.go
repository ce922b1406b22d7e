package notify

import (
	"context"
	"fmt"
	"net/http"

	"adreport/internal/config"
)

// NewMailer builds the mailer selected by cfg.Transport.
func NewMailer(ctx context.Context, cfg config.Notify, base *http.Client) (Mailer, error) {
	switch cfg.Transport {
	case "smtp":
		return &SMTP{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}, nil
	case "gmail":
		return NewGmail(ctx, cfg.Gmail.Endpoint, cfg.Gmail.AccessToken, base), nil
	case "outbox":
		return NewOutbox(cfg.OutboxDir), nil
	default:
		return nil, fmt.Errorf("unsupported notify transport: %q", cfg.Transport)
	}
}
