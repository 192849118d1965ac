// Package filter classifies and redacts disallowed terms in message text.
// It screens chat messages for language unsuitable for minors before they
// are persisted and delivered.
package filter

import (
	"regexp"
	"strings"
)

// defaultTerms is the blocked-term list applied to all messages. Multi-word
// entries match across a single space.
var defaultTerms = []string{
	"bad", "stupid", "dumb", "idiot", "hate", "kill", "ugly", "mean",
	"jerk", "loser", "butt", "hell", "damn", "crap", "poop", "shut up",
	"fart", "pee", "piss", "suck", "bum",
}

// termPattern pairs a blocked term with its compiled whole-word matcher.
type termPattern struct {
	term string
	re   *regexp.Regexp
}

// Filter redacts blocked terms from message text. It is immutable after
// construction and safe for concurrent use; patterns are compiled once,
// making Classify cheap enough to run inline on every message.
type Filter struct {
	patterns []termPattern
}

// New creates a Filter with the default blocked-term list.
func New() *Filter {
	return NewWithTerms(defaultTerms)
}

// NewWithTerms creates a Filter for the given terms. Empty and
// whitespace-only entries are skipped.
func NewWithTerms(terms []string) *Filter {
	f := &Filter{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		// Whole-word, case-insensitive. A term embedded in a longer word
		// ("class", "assess") must not match.
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t) + `\b`)
		f.patterns = append(f.patterns, termPattern{term: t, re: re})
	}
	return f
}

// Classify returns text with every whole-word occurrence of a blocked term
// replaced by an equal-length run of '*', plus whether anything matched.
// Empty input returns ("", false). Classify is pure: no I/O, no mutation.
func (f *Filter) Classify(text string) (string, bool) {
	if text == "" {
		return "", false
	}

	flagged := false
	redacted := text
	for _, p := range f.patterns {
		if !p.re.MatchString(redacted) {
			continue
		}
		flagged = true
		redacted = p.re.ReplaceAllStringFunc(redacted, func(m string) string {
			return strings.Repeat("*", len(m))
		})
	}
	return redacted, flagged
}
