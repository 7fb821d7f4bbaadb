// Package backend wraps the external extraction tool behind a uniform
// probe/fetch contract, one instance per upstream family.
package backend

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/drapik/tg-stream-bot/internal/attempt"
	"github.com/drapik/tg-stream-bot/internal/profile"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

// ID names an upstream family.
type ID string

const (
	YouTube   ID = "youtube"
	Instagram ID = "instagram"
	TikTok    ID = "tiktok"
)

// Metadata is what a probe learns about a URL without downloading it.
type Metadata struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Duration  time.Duration `json:"duration"`
	Uploader  string        `json:"uploader,omitempty"`
	ViewCount int64         `json:"view_count,omitempty"`
	Extractor string        `json:"extractor,omitempty"`
}

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/drapik/tg-stream-bot/internal/backend Backend

// Backend is one upstream family's retrieval integration.
//
// Fetch writes only inside ws.Dir, honours p.Timeout and never panics or
// returns raw tool errors: every failure comes back as a classified
// Outcome. Files may be left behind in ws on failure.
type Backend interface {
	ID() ID
	Hosts() []string
	Supports(rawURL string) bool
	Probe(ctx context.Context, rawURL string) (Metadata, error)
	Fetch(ctx context.Context, rawURL string, p profile.Profile, ws workspace.Workspace) attempt.Outcome
}

// FileLister enumerates the files a fetch left in a workspace.
type FileLister interface {
	Files(ws workspace.Workspace) ([]workspace.Entry, error)
}

// Family describes one upstream: which hosts it owns and which extractor
// key its profile arguments are addressed to.
type Family struct {
	ID        ID
	Hosts     []string
	Extractor string
}

// Families returns the built-in upstream families in classification order.
func Families() []Family {
	return []Family{
		{ID: YouTube, Hosts: []string{"youtube.com", "youtu.be", "youtube-nocookie.com"}, Extractor: "youtube"},
		{ID: Instagram, Hosts: []string{"instagram.com", "instagr.am"}, Extractor: "instagram"},
		{ID: TikTok, Hosts: []string{"tiktok.com"}, Extractor: "tiktok"},
	}
}

// NormalizeHost lower-cases a host name and strips the "www." and "m."
// prefixes.
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	for _, prefix := range []string{"www.", "m."} {
		h = strings.TrimPrefix(h, prefix)
	}
	return h
}

// MatchHost reports whether rawURL is an http(s) URL whose host is one of
// hosts or a subdomain of one.
func MatchHost(rawURL string, hosts []string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	h := NormalizeHost(u.Hostname())
	if h == "" {
		return false
	}
	for _, want := range hosts {
		if h == want || strings.HasSuffix(h, "."+want) {
			return true
		}
	}
	return false
}
