package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"adreport/internal/stage"
)

// Outbox writes each message as an .eml file instead of sending it.
type Outbox struct {
	Dir string
}

func NewOutbox(dir string) *Outbox {
	if strings.TrimSpace(dir) == "" {
		dir = "outbox"
	}
	return &Outbox{Dir: dir}
}

func (o *Outbox) Name() string { return "outbox" }

func (o *Outbox) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseTimeout, "outbox", err)
	}
	raw, err := msg.Bytes()
	if err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "outbox encode", err)
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "outbox", err)
	}

	name := msg.Date.UTC().Format("20060102T150405Z") + "-" + fileSafe(msg.ID) + ".eml"
	path := filepath.Join(o.Dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", stage.New(stage.KindDelivery, stage.CauseDelivery, "outbox", fmt.Errorf("write %s: %w", path, err))
	}
	return msg.ID, nil
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
