package profile

import "time"

const (
	androidMusicUA = "com.google.android.apps.youtube.music/5.16.51 (Linux; U; Android 11) gzip"
	iosUA          = "com.google.ios.youtube/19.09.3 (iPhone14,3; U; CPU iOS 15_6 like Mac OS X; en_US)"
	chromeUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	mobileSafariUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
)

// Defaults returns the built-in ranked profiles for a backend family.
// A cookies profile is ranked first for youtube when cookiesFile is set.
// Unknown families get the generic web + minimal pair.
func Defaults(family, cookiesFile string) []Profile {
	var out []Profile
	switch family {
	case "youtube":
		if cookiesFile != "" {
			out = append(out, Profile{
				Name:     "cookies",
				Identity: Identity{CookiesFile: cookiesFile},
				Format:   "bestvideo[ext=mp4][filesize<{max_mb}M]+bestaudio[ext=m4a]/best[ext=mp4][filesize<{max_mb}M]/best",
				Toggles:  Toggles{MergeMP4: true, NoPlaylist: true},
			})
		}
		out = append(out,
			Profile{
				Name: "android",
				Identity: Identity{
					UserAgent: androidMusicUA,
					Headers: map[string]string{
						"X-YouTube-Client-Name":    "21",
						"X-YouTube-Client-Version": "5.16.51",
					},
					ExtractorArgs: map[string]string{"youtube": "player_client=android_music,android"},
				},
				Format:        "best[height<=720][filesize<{max_mb}M]/worst",
				SocketTimeout: 10 * time.Second,
				Retries:       1,
				Toggles:       Toggles{SkipDASH: true, SkipHLS: true, NoPlaylist: true},
			},
			Profile{
				Name: "ios",
				Identity: Identity{
					UserAgent: iosUA,
					Headers: map[string]string{
						"X-YouTube-Client-Name":    "5",
						"X-YouTube-Client-Version": "19.09.3",
					},
					ExtractorArgs: map[string]string{"youtube": "player_client=ios"},
				},
				Format:        "best[height<=480][filesize<{max_mb}M]/worst",
				SocketTimeout: 10 * time.Second,
				Retries:       1,
				Toggles:       Toggles{NoPlaylist: true},
			},
			webProfile("https://www.youtube.com", "https://www.youtube.com/"),
			minimalProfile(),
		)
	case "instagram":
		out = append(out,
			webProfile("https://www.instagram.com", "https://www.instagram.com/"),
			mobileProfile(),
			minimalProfile(),
		)
	case "tiktok":
		out = append(out,
			webProfile("https://www.tiktok.com", "https://www.tiktok.com/"),
			mobileProfile(),
			minimalProfile(),
		)
	default:
		out = append(out, webProfile("", ""), minimalProfile())
	}

	for i := range out {
		out[i].Rank = i + 1
		if out[i].Timeout == 0 {
			out[i].Timeout = DefaultTimeout
		}
	}
	return out
}

func webProfile(origin, referer string) Profile {
	headers := map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.5",
	}
	if origin != "" {
		headers["Origin"] = origin
	}
	if referer != "" {
		headers["Referer"] = referer
	}
	return Profile{
		Name:          "web",
		Identity:      Identity{UserAgent: chromeUA, Headers: headers},
		Format:        "worst[filesize<{max_mb}M]/worst",
		SocketTimeout: 10 * time.Second,
		Retries:       1,
		Toggles:       Toggles{NoPlaylist: true},
	}
}

func mobileProfile() Profile {
	return Profile{
		Name:          "mobile",
		Identity:      Identity{UserAgent: mobileSafariUA},
		Format:        "best[filesize<{max_mb}M]/worst",
		SocketTimeout: 10 * time.Second,
		Retries:       1,
		Toggles:       Toggles{NoPlaylist: true},
	}
}

func minimalProfile() Profile {
	return Profile{
		Name:           "minimal",
		Format:         "worst",
		OutputTemplate: "%(id)s.%(ext)s",
		Toggles:        Toggles{NoPlaylist: true},
	}
}
