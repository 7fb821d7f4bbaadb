// Package profile describes single retrieval attempts as data.
//
// A Profile is a value: copy it, never mutate a shared one. Maps inside it
// are cloned by Clone and Resolve so that a resolved profile handed to a
// backend cannot leak changes back into the configured set.
package profile

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxMBPlaceholder is expanded to the request ceiling in whole megabytes.
const MaxMBPlaceholder = "{max_mb}"

const (
	DefaultTimeout        = 15 * time.Second
	DefaultOutputTemplate = "%(title).50s.%(ext)s"
)

// Identity is the opaque identity-spoofing bundle. Backends translate it
// into tool flags; nothing else looks inside.
type Identity struct {
	UserAgent string
	Headers   map[string]string
	// ExtractorArgs maps an extractor key (e.g. "youtube") to its argument
	// string (e.g. "player_client=ios").
	ExtractorArgs map[string]string
	CookiesFile   string
}

// Toggles are auxiliary feature switches.
type Toggles struct {
	SkipDASH   bool
	SkipHLS    bool
	MergeMP4   bool
	NoPlaylist bool
}

// Profile is one ranked retrieval configuration.
type Profile struct {
	Name           string
	Rank           int
	Identity       Identity
	Format         string
	Timeout        time.Duration
	OutputTemplate string
	SocketTimeout  time.Duration
	Retries        int
	Toggles        Toggles
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	p.Identity.Headers = maps.Clone(p.Identity.Headers)
	p.Identity.ExtractorArgs = maps.Clone(p.Identity.ExtractorArgs)
	return p
}

// Resolve returns a copy with the size placeholder expanded and defaults
// filled in.
func (p Profile) Resolve(maxBytes int64) Profile {
	out := p.Clone()
	if maxBytes > 0 {
		mb := maxBytes / (1024 * 1024)
		if mb < 1 {
			mb = 1
		}
		out.Format = strings.ReplaceAll(out.Format, MaxMBPlaceholder, strconv.FormatInt(mb, 10))
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.OutputTemplate == "" {
		out.OutputTemplate = DefaultOutputTemplate
	}
	return out
}

// ExtractorArgs returns the combined argument string for one extractor key,
// folding the skip toggles in. Empty when nothing applies.
func (p Profile) ExtractorArgs(extractor string) string {
	var parts []string
	if v := strings.TrimSpace(p.Identity.ExtractorArgs[extractor]); v != "" {
		parts = append(parts, v)
	}
	var skip []string
	if p.Toggles.SkipDASH {
		skip = append(skip, "dash")
	}
	if p.Toggles.SkipHLS {
		skip = append(skip, "hls")
	}
	if len(skip) > 0 && extractor == "youtube" {
		parts = append(parts, "skip="+strings.Join(skip, ","))
	}
	return strings.Join(parts, ";")
}

func (p Profile) String() string {
	return fmt.Sprintf("%s#%d", p.Name, p.Rank)
}

// Validate checks a single profile in isolation.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if strings.TrimSpace(p.Format) == "" {
		return fmt.Errorf("profile %q: format is required", p.Name)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("profile %q: timeout must not be negative", p.Name)
	}
	if p.Retries < 0 {
		return fmt.Errorf("profile %q: retries must not be negative", p.Name)
	}
	return nil
}

// Ordered returns a deep copy of profiles sorted by rank. Equal ranks keep
// their input order. Order is configuration and never adapts at runtime.
func Ordered(profiles []Profile) []Profile {
	out := make([]Profile, len(profiles))
	for i, p := range profiles {
		out[i] = p.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// ValidateSet checks every profile and rejects duplicate names.
func ValidateSet(profiles []Profile) error {
	if len(profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	seen := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if slices.Contains(seen, p.Name) {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen = append(seen, p.Name)
	}
	return nil
}
