package data

import "time"

// Report is a rendered, deliverable report.
type Report struct {
	Subject     string       `json:"subject"`
	HTML        string       `json:"html"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Size returns the number of body bytes (HTML and text alternative).
func (r Report) Size() int {
	return len(r.HTML) + len(r.Text)
}

// Confirmation acknowledges a successful delivery.
type Confirmation struct {
	Transport string    `json:"transport"`
	MessageID string    `json:"message_id"`
	Recipient string    `json:"recipient"`
	SentAt    time.Time `json:"sent_at"`
}
