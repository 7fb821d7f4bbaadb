// Package sweeper removes orphaned workspaces left behind by crashes or
// killed processes. It runs alongside the bot; a normal acquisition
// destroys its own workspace and never needs it.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_target.go -package=mocks github.com/drapik/tg-stream-bot/internal/sweeper Target

// Target is the part of workspace.Manager the sweeper drives.
type Target interface {
	Sweep(ctx context.Context, olderThan time.Duration) (workspace.SweepReport, error)
}

type Config struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// Sweeper periodically sweeps a workspace root.
type Sweeper struct {
	cfg    Config
	target Target
	events events.Publisher
	logger *slog.Logger
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(cfg Config, target Target, pub events.Publisher, logger *slog.Logger) (*Sweeper, error) {
	if target == nil {
		return nil, errors.New("sweep target is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("sweep max age must be positive")
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:    cfg,
		target: target,
		events: pub,
		logger: logger.With("component", "sweeper"),
		stopCh: make(chan struct{}),
	}, nil
}

// Start runs one sweep immediately and then one per interval until Stop
// or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("starting workspace sweeper", "interval", s.cfg.Interval, "max_age", s.cfg.MaxAge)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop waits for an in-progress sweep to finish. It is safe to call more
// than once.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("workspace sweep failed", "error", err)
	}
}

// RunOnce performs a single sweep. A report with nothing deleted is not
// published.
func (s *Sweeper) RunOnce(ctx context.Context) (workspace.SweepReport, error) {
	report, err := s.target.Sweep(ctx, s.cfg.MaxAge)
	if err != nil {
		return report, err
	}
	s.logger.Debug("workspace sweep finished", "deleted", report.DeletedDirs, "skipped_live", report.SkippedLive)
	if report.DeletedDirs > 0 {
		s.logger.Info("removed orphaned workspaces", "deleted", report.DeletedDirs)
		s.events.Publish(events.WorkspaceSwept, map[string]any{
			"deleted":      report.DeletedDirs,
			"skipped_live": report.SkippedLive,
			"max_age":      s.cfg.MaxAge.String(),
		})
	}
	return report, nil
}
