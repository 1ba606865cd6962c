// Package message parses raw RFC 5322 messages into the internal email
// object and emits canonical bytes for storage.
package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset" // register non-UTF-8 charsets
	"github.com/emersion/go-message/mail"
)

// Address is a parsed mailbox with an optional display name.
type Address struct {
	Name string
	Addr string
}

// String renders the address in RFC 5322 form.
func (a Address) String() string {
	if a.Name == "" {
		return a.Addr
	}
	return fmt.Sprintf("%q <%s>", a.Name, a.Addr)
}

// Attachment is a MIME part carried with attachment disposition or an
// application/* content type.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Size        int64
}

// Message is the internal representation of a parsed email.
type Message struct {
	MessageID   string // canonical, with angle brackets
	Subject     string // RFC 2047 decoded
	From        Address
	To          []Address
	Cc          []Address
	Date        time.Time
	TextContent string
	HTMLContent string
	Attachments []Attachment
}

// PlainText returns the best plain-text rendering of the body: the
// text/plain content when present, otherwise the HTML content with tags
// stripped.
func (m *Message) PlainText() string {
	if strings.TrimSpace(m.TextContent) != "" {
		return m.TextContent
	}
	if m.HTMLContent != "" {
		return StripHTMLTags(m.HTMLContent)
	}
	return ""
}

// CanonicalMessageID normalizes a Message-ID to include angle brackets.
// Empty input stays empty.
func CanonicalMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = strings.Trim(id, "<>")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

// Parse reads an RFC 5322 message and walks its MIME structure.
// text/plain and text/html parts without attachment disposition are
// concatenated into the respective content fields; attachment parts and
// application/* types are collected with their raw bytes.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer func() { _ = mr.Close() }()

	msg := &Message{}

	h := mr.Header
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = CanonicalMessageID(id)
	}
	if subj, err := h.Subject(); err == nil {
		msg.Subject = subj
	} else {
		msg.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = Address{Name: from[0].Name, Addr: from[0].Address}
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, Address{Name: a.Name, Addr: a.Address})
		}
	}
	if cc, err := h.AddressList("Cc"); err == nil {
		for _, a := range cc {
			msg.Cc = append(msg.Cc, Address{Name: a.Name, Addr: a.Address})
		}
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tolerate malformed trailing parts; keep what parsed so far.
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, err := ph.ContentType()
			if err != nil {
				ctype = "text/plain"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case ctype == "text/plain":
				msg.TextContent += string(body)
			case ctype == "text/html":
				msg.HTMLContent += string(body)
			case strings.HasPrefix(ctype, "application/"):
				msg.Attachments = append(msg.Attachments, Attachment{
					ContentType: ctype,
					Content:     body,
					Size:        int64(len(body)),
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ctype, _, err := ph.ContentType()
			if err != nil {
				ctype = "application/octet-stream"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: ctype,
				Content:     body,
				Size:        int64(len(body)),
			})
		}
	}

	return msg, nil
}
