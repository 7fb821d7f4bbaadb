package profile

import (
	"maps"
	"os"

	"github.com/drapik/tg-stream-bot/internal/config"
)

// FromConfig converts YAML profiles. Ranks default to list position so a
// config file reads top to bottom in attempt order.
func FromConfig(confs []config.ProfileConf) ([]Profile, error) {
	out := make([]Profile, 0, len(confs))
	for i, c := range confs {
		p := Profile{
			Name: c.Name,
			Rank: c.Rank,
			Identity: Identity{
				UserAgent:     c.UserAgent,
				Headers:       maps.Clone(c.Headers),
				ExtractorArgs: maps.Clone(c.ExtractorArgs),
				CookiesFile:   c.CookiesFile,
			},
			Format:         c.Format,
			Timeout:        c.Timeout,
			OutputTemplate: c.OutputTemplate,
			SocketTimeout:  c.SocketTimeout,
			Retries:        c.Retries,
			Toggles: Toggles{
				MergeMP4:   c.MergeMP4,
				NoPlaylist: true,
			},
		}
		if p.Rank == 0 {
			p.Rank = i + 1
		}
		for _, s := range c.Skip {
			switch s {
			case "dash":
				p.Toggles.SkipDASH = true
			case "hls":
				p.Toggles.SkipHLS = true
			}
		}
		if p.Timeout == 0 {
			p.Timeout = DefaultTimeout
		}
		out = append(out, p)
	}
	if err := ValidateSet(out); err != nil {
		return nil, err
	}
	return Ordered(out), nil
}

// ForBackend returns the configured profiles for a family, or the
// built-in defaults when the config has none. The cookies profile is only
// offered when the cookies file actually exists.
func ForBackend(cfg *config.Config, family string) ([]Profile, error) {
	if b, ok := cfg.Backends[family]; ok && len(b.Profiles) > 0 {
		return FromConfig(b.Profiles)
	}
	cookies := cfg.ResolvePath(cfg.Acquisition.CookiesFile)
	if cookies != "" {
		if _, err := os.Stat(cookies); err != nil {
			cookies = ""
		}
	}
	return Defaults(family, cookies), nil
}
