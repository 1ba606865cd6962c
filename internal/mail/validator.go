package mail

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/inboxd/inboxd/internal/message"
)

// bareAddrPattern is the practical RFC 5322 subset accepted for the bare
// address portion of a mailbox.
var bareAddrPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// displayAddrPattern matches the `Display <local@domain>` form.
var displayAddrPattern = regexp.MustCompile(`^.*<([^<>]+)>$`)

// isoDateLayouts are the accepted ISO-8601 shapes, most specific first.
var isoDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// EmailData is the ingress payload checked by the validator.
type EmailData struct {
	MessageID string
	FromAddr  string
	ToAddrs   []string
	Subject   string
	Date      string
}

// ValidationResult lists fatal errors and non-fatal warnings.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate enforces the structural invariants on an ingress payload:
// required fields present, address syntax for sender and every recipient,
// and a parseable ISO-8601 date. Message-ID shape problems are warnings.
func Validate(d EmailData) ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(d.MessageID) == "" {
		r.Errors = append(r.Errors, "message_id is required")
	}
	if strings.TrimSpace(d.FromAddr) == "" {
		r.Errors = append(r.Errors, "from_addr is required")
	} else if !ValidAddress(d.FromAddr) {
		r.Errors = append(r.Errors, fmt.Sprintf("invalid sender address: %s", d.FromAddr))
	}
	if len(d.ToAddrs) == 0 {
		r.Errors = append(r.Errors, "to_addrs is required")
	}
	for _, to := range d.ToAddrs {
		if !ValidAddress(to) {
			r.Errors = append(r.Errors, fmt.Sprintf("invalid recipient address: %s", to))
		}
	}
	if strings.TrimSpace(d.Subject) == "" {
		r.Errors = append(r.Errors, "subject is required")
	}
	if strings.TrimSpace(d.Date) == "" {
		r.Errors = append(r.Errors, "date is required")
	} else if _, err := ParseDate(d.Date); err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("unparseable date: %s", d.Date))
	}

	if id := strings.TrimSpace(d.MessageID); id != "" {
		if !strings.Contains(id, "@") {
			r.Warnings = append(r.Warnings, "message_id has no @")
		}
		if len(strings.Trim(id, "<>")) < 4 {
			r.Warnings = append(r.Warnings, "message_id is suspiciously short")
		}
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// Sanitize returns a normalized copy: Message-ID wrapped in angle
// brackets, addresses trimmed, date normalized to RFC 3339, and an empty
// subject defaulted. The input is not mutated.
func Sanitize(d EmailData) EmailData {
	out := EmailData{
		MessageID: message.CanonicalMessageID(d.MessageID),
		FromAddr:  strings.TrimSpace(d.FromAddr),
		Subject:   strings.TrimSpace(d.Subject),
		Date:      strings.TrimSpace(d.Date),
	}
	for _, to := range d.ToAddrs {
		if to = strings.TrimSpace(to); to != "" {
			out.ToAddrs = append(out.ToAddrs, to)
		}
	}
	if out.Subject == "" {
		out.Subject = "(no subject)"
	}
	if t, err := ParseDate(out.Date); err == nil {
		out.Date = t.UTC().Format(time.RFC3339)
	}
	return out
}

// ValidAddress accepts `local@domain.tld` and `Display <local@domain.tld>`.
func ValidAddress(addr string) bool {
	bare := BareAddress(addr)
	if bare == "" {
		return false
	}
	return bareAddrPattern.MatchString(bare)
}

// BareAddress extracts the addr-spec portion of a mailbox string.
// Returns "" when no address can be extracted.
func BareAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if m := displayAddrPattern.FindStringSubmatch(addr); m != nil {
		return strings.TrimSpace(m[1])
	}
	return addr
}

// ParseDate parses an ISO-8601 timestamp in any of the accepted layouts.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range isoDateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
