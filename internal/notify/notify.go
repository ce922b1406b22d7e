// Package notify delivers rendered reports by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"adreport/internal/data"
	"adreport/internal/stage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mailer sends one encoded message and returns the transport's message id.
type Mailer interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
}

// Notifier turns a Report into a Message and hands it to a Mailer exactly
// once. It never retries.
type Notifier struct {
	mailer Mailer
	sender string
	logger *zap.Logger
	now    func() time.Time
}

func New(mailer Mailer, sender string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		sender = "adreport@localhost"
	}
	return &Notifier{mailer: mailer, sender: sender, logger: logger, now: time.Now}
}

func (n *Notifier) Deliver(ctx context.Context, rep data.Report, recipient string) stage.Result[data.Confirmation] {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return stage.Failure[data.Confirmation](stage.KindDelivery,
			stage.New(stage.KindDelivery, stage.CauseDelivery, "deliver", stage.ErrNoRecipient))
	}
	if _, err := mail.ParseAddress(recipient); err != nil {
		return stage.Failure[data.Confirmation](stage.KindDelivery,
			stage.New(stage.KindDelivery, stage.CauseDelivery, "deliver", fmt.Errorf("invalid recipient %q: %w", recipient, err)))
	}
	if n.mailer == nil {
		return stage.Failure[data.Confirmation](stage.KindDelivery,
			stage.New(stage.KindDelivery, stage.CauseConfig, "deliver", errors.New("no mail transport configured")))
	}

	now := n.now().UTC()
	msg := Message{
		ID:          uuid.NewString() + "@" + domainOf(n.sender),
		From:        n.sender,
		To:          recipient,
		Subject:     rep.Subject,
		Date:        now,
		Text:        rep.Text,
		HTML:        rep.HTML,
		Attachments: rep.Attachments,
	}

	id, err := n.mailer.Send(ctx, msg)
	if err != nil {
		n.logger.Debug("delivery failed", zap.String("transport", n.mailer.Name()), zap.Error(err))
		return stage.Failure[data.Confirmation](stage.KindDelivery, err)
	}
	if id == "" {
		id = msg.ID
	}
	return stage.Success(data.Confirmation{
		Transport: n.mailer.Name(),
		MessageID: id,
		Recipient: recipient,
		SentAt:    now,
	})
}
