package message

import (
	"encoding/base64"
	"html"
	"regexp"
	"strings"
)

// Defaults supplies values for required headers that are missing from a
// message being canonicalized. Typically filled from the SMTP envelope.
type Defaults struct {
	MessageID string
	Subject   string
	From      string
	To        string
	Date      string
}

// requiredHeaders are appended, in this order, when absent from the
// header block. MIME-Version and the content headers take fixed values.
var requiredHeaders = []string{
	"Message-ID",
	"Subject",
	"From",
	"To",
	"Date",
}

// EnsureProperFormat rewrites a raw message into the canonical storage
// layout: a contiguous header block, exactly one blank line, then the
// body. Existing headers are never removed or reordered; accidental blank
// lines inside the header block are dropped, and required headers are
// filled in from defaults when missing. Output uses CRLF line endings.
func EnsureProperFormat(raw string, defaults Defaults) string {
	lines := splitLines(raw)

	var headerLines []string
	var bodyLines []string
	seen := make(map[string]bool)

	inHeaders := true
	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if !inHeaders {
			bodyLines = append(bodyLines, line)
			continue
		}

		if line == "" {
			// A blank line ends the header block unless the next
			// non-empty line is still a header field, in which case the
			// blank is accidental and dropped.
			if nextLineIsHeader(lines, i+1) {
				continue
			}
			inHeaders = false
			continue
		}

		if isHeaderLine(line) {
			name, value, _ := strings.Cut(line, ":")
			headerLines = append(headerLines, strings.TrimSpace(name)+": "+strings.TrimSpace(value))
			seen[strings.ToLower(strings.TrimSpace(name))] = true
			continue
		}

		if isContinuationLine(line) && len(headerLines) > 0 {
			headerLines = append(headerLines, line)
			continue
		}

		// Not header-shaped: the body starts here.
		inHeaders = false
		bodyLines = append(bodyLines, line)
	}

	body := strings.Join(bodyLines, "\r\n")

	defaultValues := map[string]string{
		"message-id": defaults.MessageID,
		"subject":    defaults.Subject,
		"from":       defaults.From,
		"to":         defaults.To,
		"date":       defaults.Date,
	}
	for _, name := range requiredHeaders {
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		if v := defaultValues[key]; v != "" {
			headerLines = append(headerLines, name+": "+v)
		}
	}
	if !seen["mime-version"] {
		headerLines = append(headerLines, "MIME-Version: 1.0")
	}
	if !seen["content-type"] {
		headerLines = append(headerLines, `Content-Type: text/plain; charset=utf-8`)
	}
	if !seen["content-transfer-encoding"] {
		encoding := "8bit"
		if BodyLooksBase64(body) {
			encoding = "base64"
		}
		headerLines = append(headerLines, "Content-Transfer-Encoding: "+encoding)
	}

	return strings.Join(headerLines, "\r\n") + "\r\n\r\n" + body
}

// BodyLooksBase64 reports whether more than half of the non-trivial body
// lines decode cleanly as base64.
func BodyLooksBase64(body string) bool {
	var total, decodable int
	for _, line := range splitLines(body) {
		line = strings.TrimSpace(line)
		if len(line) < 4 {
			continue
		}
		total++
		if len(line)%4 == 0 {
			if _, err := base64.StdEncoding.DecodeString(line); err == nil {
				decodable++
			}
		}
	}
	return total > 0 && decodable*2 > total
}

var htmlTagPattern = regexp.MustCompile(`(?s)<[^>]*>`)
var htmlBlockPattern = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
var whitespaceRuns = regexp.MustCompile(`[ \t]+`)

// StripHTMLTags reduces an HTML body to approximate plain text.
func StripHTMLTags(s string) string {
	s = htmlBlockPattern.ReplaceAllString(s, "")
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespaceRuns.ReplaceAllString(s, " ")

	var out []string
	for _, line := range splitLines(s) {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// SynthesizeEnvelope builds a minimal canonical message from metadata,
// used when the stored .eml file cannot be located.
func SynthesizeEnvelope(messageID, from string, to []string, subject, date string) string {
	return EnsureProperFormat("", Defaults{
		MessageID: CanonicalMessageID(messageID),
		Subject:   subject,
		From:      from,
		To:        strings.Join(to, ", "),
		Date:      date,
	})
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	return lines
}

func isHeaderLine(line string) bool {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return false
	}
	name := line[:idx]
	return !strings.ContainsAny(name, " \t")
}

func isContinuationLine(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

func nextLineIsHeader(lines []string, from int) bool {
	for i := from; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return isHeaderLine(lines[i]) && !isContinuationLine(lines[i])
	}
	return false
}
