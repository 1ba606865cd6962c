package message

import (
	"strings"
	"testing"
)

func TestEnsureProperFormat_AlreadyCanonical(t *testing.T) {
	raw := "From: alice@test.local\r\nTo: bob@test.local\r\nSubject: Hi\r\nMessage-ID: <1@h>\r\nDate: Mon, 24 Aug 2026 10:00:00 +0000\r\n\r\nBody line.\r\n"

	out := EnsureProperFormat(raw, Defaults{})

	headers, body, found := strings.Cut(out, "\r\n\r\n")
	if !found {
		t.Fatalf("no blank line separating headers and body:\n%s", out)
	}
	if !strings.Contains(headers, "From: alice@test.local") {
		t.Errorf("From header lost:\n%s", headers)
	}
	if !strings.Contains(body, "Body line.") {
		t.Errorf("body lost:\n%s", body)
	}
}

func TestEnsureProperFormat_DropsAccidentalBlankInHeaders(t *testing.T) {
	raw := "From: alice@test.local\n\nTo: bob@test.local\nSubject: Hi\n\nActual body.\n"

	out := EnsureProperFormat(raw, Defaults{})

	headers, body, _ := strings.Cut(out, "\r\n\r\n")
	if !strings.Contains(headers, "To: bob@test.local") {
		t.Errorf("To header ended up in body:\nheaders=%s\nbody=%s", headers, body)
	}
	if !strings.Contains(body, "Actual body.") {
		t.Errorf("body lost:\n%s", body)
	}
	if strings.Contains(body, "To:") {
		t.Errorf("header leaked into body:\n%s", body)
	}
}

func TestEnsureProperFormat_FillsMissingHeaders(t *testing.T) {
	out := EnsureProperFormat("Subject: Present\n\nBody.\n", Defaults{
		MessageID: "<gen@h>",
		Subject:   "ignored, already present",
		From:      "alice@test.local",
		To:        "bob@test.local",
		Date:      "Mon, 24 Aug 2026 10:00:00 +0000",
	})

	headers, _, _ := strings.Cut(out, "\r\n\r\n")
	for _, want := range []string{
		"Message-ID: <gen@h>",
		"From: alice@test.local",
		"To: bob@test.local",
		"Date: Mon, 24 Aug 2026 10:00:00 +0000",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: 8bit",
	} {
		if !strings.Contains(headers, want) {
			t.Errorf("missing %q in headers:\n%s", want, headers)
		}
	}
	if strings.Count(headers, "Subject:") != 1 {
		t.Errorf("Subject duplicated:\n%s", headers)
	}
	if !strings.Contains(headers, "Subject: Present") {
		t.Errorf("existing Subject replaced:\n%s", headers)
	}
}

func TestEnsureProperFormat_PreservesContinuationLines(t *testing.T) {
	raw := "Subject: a very\n long subject\nFrom: a@b.co\n\nBody\n"

	out := EnsureProperFormat(raw, Defaults{})
	headers, _, _ := strings.Cut(out, "\r\n\r\n")
	if !strings.Contains(headers, " long subject") {
		t.Errorf("continuation line lost:\n%s", headers)
	}
}

func TestEnsureProperFormat_Base64Body(t *testing.T) {
	body := "SGVsbG8gd29ybGQh\nSGVsbG8gYWdhaW4h\n"
	out := EnsureProperFormat("Subject: enc\n\n"+body, Defaults{})

	if !strings.Contains(out, "Content-Transfer-Encoding: base64") {
		t.Errorf("base64 body not detected:\n%s", out)
	}
}

func TestEnsureProperFormat_CRLFOutput(t *testing.T) {
	out := EnsureProperFormat("Subject: x\n\nline1\nline2\n", Defaults{})

	if strings.Contains(strings.ReplaceAll(out, "\r\n", ""), "\n") {
		t.Errorf("bare LF in output:\n%q", out)
	}
}

func TestBodyLooksBase64(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"base64 lines", "SGVsbG8gd29ybGQh\nZm9vIGJhciBiYXo=", true},
		{"plain text", "Hello there, this is a plain sentence.\nAnd another one!", false},
		{"empty", "", false},
		{"short lines ignored", "ab\ncd\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BodyLooksBase64(tt.body); got != tt.want {
				t.Errorf("BodyLooksBase64 = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStripHTMLTags(t *testing.T) {
	html := `<html><head><style>p { color: red; }</style></head>
<body><p>Hello <b>world</b></p><script>alert("x")</script>
<p>Second &amp; last</p></body></html>`

	out := StripHTMLTags(html)

	if strings.Contains(out, "<") || strings.Contains(out, ">") {
		t.Errorf("tags left in output: %q", out)
	}
	if strings.Contains(out, "color: red") || strings.Contains(out, "alert") {
		t.Errorf("script/style content left in output: %q", out)
	}
	if !strings.Contains(out, "Hello world") {
		t.Errorf("text lost: %q", out)
	}
	if !strings.Contains(out, "Second & last") {
		t.Errorf("entities not unescaped: %q", out)
	}
}

func TestSynthesizeEnvelope(t *testing.T) {
	out := SynthesizeEnvelope("missing@h", "alice@test.local", []string{"bob@test.local", "carol@test.local"}, "Lost mail", "Mon, 24 Aug 2026 10:00:00 +0000")

	if !strings.Contains(out, "Message-ID: <missing@h>") {
		t.Errorf("Message-ID not canonicalized:\n%s", out)
	}
	if !strings.Contains(out, "To: bob@test.local, carol@test.local") {
		t.Errorf("recipients not joined:\n%s", out)
	}
	if !strings.Contains(out, "Subject: Lost mail") {
		t.Errorf("subject missing:\n%s", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Errorf("expected empty body after header block:\n%q", out)
	}
}
