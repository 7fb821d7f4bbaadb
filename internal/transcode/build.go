package transcode

import (
	"log/slog"

	"github.com/drapik/tg-stream-bot/internal/config"
	"github.com/drapik/tg-stream-bot/internal/proc"
)

// FromConfig assembles the encoder chain: the native ffmpeg at
// ffmpegPath when one was located, then the WASM build when enabled.
// It returns nil when transcoding is disabled or no encoder is available.
func FromConfig(cfg config.TranscodeConfig, ffmpegPath string, runner proc.Runner, logger *slog.Logger) *Normalizer {
	if !cfg.Enabled {
		return nil
	}
	var encoders []Encoder
	if ffmpegPath != "" {
		encoders = append(encoders, NewExecEncoder(ffmpegPath, runner))
	}
	if cfg.WASMFallback {
		encoders = append(encoders, NewWASMEncoder())
	}
	if len(encoders) == 0 {
		logger.Warn("transcoding enabled but no ffmpeg found and wasm fallback is off")
		return nil
	}
	return NewNormalizer(logger, cfg.Timeout, encoders...)
}
