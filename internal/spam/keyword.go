// Package spam implements the deterministic keyword spam classifier
// invoked on SMTP ingress.
package spam

import (
	"regexp"
	"strings"
)

// Match weights. Subject hits weigh more than body hits; suspicious
// sender patterns weigh least.
const (
	subjectWeight = 1.5
	contentWeight = 1.0
	senderWeight  = 0.5
)

// DefaultThreshold is the score at or above which a message is spam.
const DefaultThreshold = 0.7

// Verdict is the classifier output for a single message.
type Verdict struct {
	IsSpam          bool
	Score           float64
	MatchedKeywords []string
}

// Classifier scores messages against a fixed keyword rule set.
// It is pure and safe for concurrent use.
type Classifier struct {
	keywords       []string
	senderPatterns []*regexp.Regexp
	threshold      float64
}

// NewClassifier builds a classifier from keyword and sender-pattern lists.
// Keywords match case-insensitively as substrings; sender patterns are
// regular expressions (invalid patterns are skipped). A non-positive
// threshold falls back to DefaultThreshold.
func NewClassifier(keywords, senderPatterns []string, threshold float64) *Classifier {
	c := &Classifier{threshold: threshold}
	if c.threshold <= 0 {
		c.threshold = DefaultThreshold
	}

	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			c.keywords = append(c.keywords, k)
		}
	}

	for _, p := range senderPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		c.senderPatterns = append(c.senderPatterns, re)
	}

	return c
}

// Classify scores the sender, subject, and plain-text content.
// Each keyword hit in the subject adds 1.5, in the content 1.0; each
// sender pattern hit adds 0.5. The verdict is spam when the total
// reaches the threshold.
func (c *Classifier) Classify(fromAddr, subject, content string) Verdict {
	var v Verdict

	subjectLower := strings.ToLower(subject)
	contentLower := strings.ToLower(content)

	for _, k := range c.keywords {
		if strings.Contains(subjectLower, k) {
			v.Score += subjectWeight
			v.MatchedKeywords = append(v.MatchedKeywords, "subject:"+k)
		}
		if strings.Contains(contentLower, k) {
			v.Score += contentWeight
			v.MatchedKeywords = append(v.MatchedKeywords, "body:"+k)
		}
	}

	for _, re := range c.senderPatterns {
		if re.MatchString(fromAddr) {
			v.Score += senderWeight
			v.MatchedKeywords = append(v.MatchedKeywords, "sender:"+re.String())
		}
	}

	v.IsSpam = v.Score >= c.threshold
	return v
}

// Threshold returns the configured spam threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}
