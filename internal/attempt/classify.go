package attempt

import "strings"

type rule struct {
	cause   Cause
	needles []string
}

// Order matters: a 429 page often also says "unavailable", and an oversize
// refusal must not be read as a generic failure.
var rules = []rule{
	// Missing local tooling is an operator problem, never a missing video.
	{Unknown, []string{
		"ffmpeg not found",
		"ffprobe not found",
		"ffprobe and ffmpeg not found",
		"ffmpeg is not installed",
	}},
	{TooLarge, []string{
		"larger than max-filesize",
		"file is larger than",
		"requested format is not available",
	}},
	{RateLimited, []string{
		"http error 429",
		"too many requests",
		"rate-limit",
		"rate limit",
	}},
	{AuthenticationChallenge, []string{
		"sign in to confirm",
		"not a bot",
		"login required",
		"log in to",
		"use --cookies",
		"cookies-from-browser",
		"private video",
		"age-restricted",
	}},
	{NotFound, []string{
		"http error 404",
		"video unavailable",
		"does not exist",
		"has been removed",
		"not found",
		"no longer available",
	}},
	{Unsupported, []string{
		"unsupported url",
		"is not a valid url",
		"no suitable extractor",
	}},
}

// Classify maps diagnostic text from an extraction or transcoding tool to a
// cause. Text that matches nothing is Unknown.
func Classify(text string) Cause {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return Unknown
	}
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(lower, n) {
				return r.cause
			}
		}
	}
	return Unknown
}
