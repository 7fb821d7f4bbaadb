// Package transcode re-encodes a fetched artifact into an H.264/AAC MP4
// that every chat client can play inline.
//
// Normalization is best effort. Whatever goes wrong, Normalize hands back
// the original artifact and leaves no output of its own behind.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drapik/tg-stream-bot/internal/attempt"
)

const defaultTimeout = 2 * time.Minute

// Normalizer tries its encoders in order until one succeeds.
type Normalizer struct {
	encoders []Encoder
	timeout  time.Duration
	logger   *slog.Logger
}

func NewNormalizer(logger *slog.Logger, timeout time.Duration, encoders ...Encoder) *Normalizer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{encoders: encoders, timeout: timeout, logger: logger.With("component", "transcode")}
}

// Encoders lists the configured encoder names in the order they are tried.
func (n *Normalizer) Encoders() []string {
	names := make([]string, 0, len(n.encoders))
	for _, e := range n.encoders {
		names = append(names, e.Name())
	}
	return names
}

// Normalize returns the re-encoded artifact, or art unchanged when
// re-encoding fails, times out or produces a file larger than maxSize.
// On success the original file is deleted.
func (n *Normalizer) Normalize(ctx context.Context, art attempt.Artifact, maxSize int64) attempt.Artifact {
	if len(n.encoders) == 0 {
		return art
	}
	out := outputPath(art.Path)
	logger := n.logger.With("artifact", art.Path)

	for _, enc := range n.encoders {
		started := time.Now()
		err := n.encode(ctx, enc, art.Path, out)
		if err != nil {
			n.discard(out)
			logger.Warn("re-encode failed", "encoder", enc.Name(), "error", err, "elapsed", time.Since(started))
			if ctx.Err() != nil {
				return art
			}
			continue
		}

		info, err := os.Stat(out)
		if err != nil || info.Size() == 0 {
			n.discard(out)
			logger.Warn("re-encode produced no output", "encoder", enc.Name())
			continue
		}
		if maxSize > 0 && info.Size() > maxSize {
			n.discard(out)
			logger.Info("re-encoded file exceeds ceiling, keeping original", "size", info.Size(), "max_size", maxSize)
			return art
		}

		if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to delete original after re-encode", "error", err)
		}
		logger.Info("re-encoded artifact", "encoder", enc.Name(), "size", info.Size(), "elapsed", time.Since(started))

		normalized := art
		normalized.Path = out
		normalized.Size = info.Size()
		return normalized
	}
	return art
}

func (n *Normalizer) encode(ctx context.Context, enc Encoder, in, out string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encoder panic: %v", r)
		}
	}()
	return enc.Encode(ctx, in, out)
}

func (n *Normalizer) discard(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		n.logger.Warn("failed to remove re-encode output", "path", path, "error", err)
	}
}

// outputPath places the result next to the input: clip.webm becomes
// clip.normalized.mp4.
func outputPath(in string) string {
	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	return filepath.Join(filepath.Dir(in), base+".normalized.mp4")
}
