// Package classifier finds the first actionable video link in free text
// and names the backend family that owns it.
package classifier

import (
	"regexp"
	"strings"

	"github.com/drapik/tg-stream-bot/internal/backend"
)

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'` + "`" + `]+`)

// Match is a classified link.
type Match struct {
	Backend backend.ID
	URL     string
}

type family struct {
	id    backend.ID
	hosts []string
}

// Classifier holds the host table of the enabled backends. It is immutable
// after construction.
type Classifier struct {
	families []family
}

// New builds a classifier over backends, consulted in the given order.
func New(backends []backend.Backend) *Classifier {
	c := &Classifier{}
	for _, b := range backends {
		c.families = append(c.families, family{id: b.ID(), hosts: b.Hosts()})
	}
	return c
}

// Classify returns the first URL in text that an enabled backend owns.
// Later links are ignored even if they are supported.
func (c *Classifier) Classify(text string) (Match, bool) {
	for _, u := range ExtractURLs(text) {
		if id, ok := c.Backend(u); ok {
			return Match{Backend: id, URL: u}, true
		}
	}
	return Match{}, false
}

// Backend names the family owning a single URL.
func (c *Classifier) Backend(rawURL string) (backend.ID, bool) {
	for _, f := range c.families {
		if backend.MatchHost(rawURL, f.hosts) {
			return f.id, true
		}
	}
	return "", false
}

// Families lists the enabled backend ids.
func (c *Classifier) Families() []backend.ID {
	out := make([]backend.ID, 0, len(c.families))
	for _, f := range c.families {
		out = append(out, f.id)
	}
	return out
}

// ExtractURLs returns every http(s) URL in text, in order, with trailing
// sentence punctuation removed.
func ExtractURLs(text string) []string {
	raw := urlPattern.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		u = trimTrailing(u)
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

func trimTrailing(u string) string {
	for {
		trimmed := strings.TrimRight(u, ".,;:!?'\"")
		// Keep a closing paren that balances one inside the URL.
		if strings.HasSuffix(trimmed, ")") && strings.Count(trimmed, "(") < strings.Count(trimmed, ")") {
			trimmed = strings.TrimSuffix(trimmed, ")")
		}
		if trimmed == u {
			return u
		}
		u = trimmed
	}
}
