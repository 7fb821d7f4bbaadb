package backend

import (
	"log/slog"

	"github.com/drapik/tg-stream-bot/internal/config"
	"github.com/drapik/tg-stream-bot/internal/proc"
)

// Build constructs every family not disabled in cfg.Backends, in
// classification order.
func Build(cfg *config.Config, runner proc.Runner, files FileLister, ffmpegLocation string, logger *slog.Logger) ([]Backend, error) {
	var out []Backend
	for _, fam := range Families() {
		if bc, ok := cfg.Backends[string(fam.ID)]; ok && bc.Disabled {
			logger.Info("backend disabled by configuration", "backend", string(fam.ID))
			continue
		}
		b, err := NewYTDLP(Options{
			Family:         fam,
			Binary:         cfg.ResolveTool(cfg.Tools.YtDLP),
			FFmpegLocation: ffmpegLocation,
			ProbeTimeout:   cfg.Acquisition.ProbeTimeout,
			Runner:         runner,
			Files:          files,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
