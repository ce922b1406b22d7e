package notify

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"adreport/internal/data"
)

// Message is one outgoing email.
type Message struct {
	ID          string
	From        string
	To          string
	Subject     string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []data.Attachment
}

// Bytes encodes m as an RFC 5322 message: a multipart/alternative body
// (text, then HTML), wrapped in multipart/mixed when there are attachments.
func (m Message) Bytes() ([]byte, error) {
	var alt bytes.Buffer
	altw := multipart.NewWriter(&alt)
	if err := writeQP(altw, "text/plain; charset=utf-8", m.Text); err != nil {
		return nil, err
	}
	if err := writeQP(altw, "text/html; charset=utf-8", m.HTML); err != nil {
		return nil, err
	}
	if err := altw.Close(); err != nil {
		return nil, err
	}
	altType := "multipart/alternative; boundary=" + altw.Boundary()

	contentType := altType
	body := alt.Bytes()
	if len(m.Attachments) > 0 {
		var mixed bytes.Buffer
		mw := multipart.NewWriter(&mixed)
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {altType}})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(alt.Bytes()); err != nil {
			return nil, err
		}
		for _, a := range m.Attachments {
			if err := writeAttachment(mw, a); err != nil {
				return nil, fmt.Errorf("attachment %s: %w", a.Filename, err)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		contentType = "multipart/mixed; boundary=" + mw.Boundary()
		body = mixed.Bytes()
	}

	var out bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&out, "%s: %s\r\n", k, v)
	}
	header("From", m.From)
	header("To", m.To)
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", m.Date.Format(time.RFC1123Z))
	if m.ID != "" {
		header("Message-ID", "<"+m.ID+">")
	}
	header("MIME-Version", "1.0")
	header("Content-Type", contentType)
	out.WriteString("\r\n")
	out.Write(body)
	return out.Bytes(), nil
}

func writeQP(w *multipart.Writer, contentType, s string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := io.WriteString(qp, s); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachment(w *multipart.Writer, a data.Attachment) error {
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType(ct, map[string]string{"name": a.Filename})},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return err
	}
	enc := base64.StdEncoding.EncodeToString(a.Data)
	const lineLen = 76
	for len(enc) > lineLen {
		if _, err := io.WriteString(part, enc[:lineLen]+"\r\n"); err != nil {
			return err
		}
		enc = enc[lineLen:]
	}
	_, err = io.WriteString(part, enc+"\r\n")
	return err
}

// domainOf returns the host part of an address, used for Message-IDs.
func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return "adreport.local"
}

// bareAddress strips a display name ("Team <team@example.com>").
func bareAddress(addr string) string {
	if a, err := mail.ParseAddress(addr); err == nil {
		return a.Address
	}
	return addr
}
