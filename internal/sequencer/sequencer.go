// Package sequencer drives ranked retrieval profiles against one backend
// until an attempt produces an artifact that fits the request ceiling.
//
// Profiles run strictly one after another. Each attempt gets its own
// deadline; the caller's context carries the overall request budget and
// ends the sequence as a Timeout the moment it expires, even in the middle
// of an attempt. Run always returns a terminal Outcome.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drapik/tg-stream-bot/internal/attempt"
	"github.com/drapik/tg-stream-bot/internal/backend"
	"github.com/drapik/tg-stream-bot/internal/profile"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

// Request is the part of a request context the sequencer needs.
type Request struct {
	URL string
	// MaxSize is the artifact ceiling in bytes. Zero disables the check.
	MaxSize int64
}

// Wiper clears a workspace between attempts.
type Wiper interface {
	Wipe(ctx context.Context, ws workspace.Workspace) error
}

// AttemptRecord describes one finished attempt.
type AttemptRecord struct {
	RequestID string
	Backend   backend.ID
	Profile   string
	Rank      int
	Outcome   attempt.Outcome
	Elapsed   time.Duration
}

// Report is the terminal outcome plus the attempts that led to it.
type Report struct {
	Outcome  attempt.Outcome
	Attempts []AttemptRecord
	// Profile names the profile that produced the artifact, if any.
	Profile string
}

// Observer is told about every attempt as it finishes.
type Observer func(AttemptRecord)

// Sequencer is safe for concurrent use; it holds no per-request state.
type Sequencer struct {
	wiper    Wiper
	logger   *slog.Logger
	observer Observer
}

func New(wiper Wiper, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{wiper: wiper, logger: logger}
}

// WithObserver registers fn to receive attempt records.
func (s *Sequencer) WithObserver(fn Observer) *Sequencer {
	s.observer = fn
	return s
}

// Run attempts profiles in rank order against b, writing into ws.
func (s *Sequencer) Run(ctx context.Context, b backend.Backend, profiles []profile.Profile, req Request, ws workspace.Workspace) Report {
	logger := s.logger.With("backend", string(b.ID()), "request_id", ws.RequestID)
	ordered := profile.Ordered(profiles)
	report := Report{}

	if len(ordered) == 0 {
		report.Outcome = attempt.Exhausted(attempt.Unknown, "no profiles configured")
		logger.Warn("no profiles to attempt")
		return report
	}

	var last attempt.Outcome
	for i, p := range ordered {
		if err := ctx.Err(); err != nil {
			report.Outcome = budgetExceeded(err, p)
			logger.Warn("request budget exhausted", "before_profile", p.Name, "error", err)
			return report
		}

		resolved := p.Resolve(req.MaxSize)
		plog := logger.With("profile", resolved.Name, "rank", resolved.Rank)
		plog.Debug("attempting profile", "format", resolved.Format, "timeout", resolved.Timeout)

		started := time.Now()
		out := s.fetch(ctx, b, req.URL, resolved, ws)
		elapsed := time.Since(started)

		if err := ctx.Err(); err != nil {
			report.Outcome = budgetExceeded(err, p)
			s.record(&report, b.ID(), ws, resolved, report.Outcome, elapsed)
			plog.Warn("request budget exhausted mid-attempt", "error", err)
			return report
		}

		if out.OK() {
			out = s.checkArtifact(out, req.MaxSize, ws)
		}
		s.record(&report, b.ID(), ws, resolved, out, elapsed)

		if out.OK() {
			plog.Info("profile succeeded", "artifact", out.Artifact.Path, "size", out.Artifact.Size, "elapsed", elapsed)
			report.Outcome = out
			report.Profile = resolved.Name
			return report
		}

		logAttempt(plog, out, elapsed)

		if out.Kind == attempt.KindFatal || !out.Cause.Recoverable() {
			report.Outcome = attempt.Fatal(out.Cause, out.Detail)
			return report
		}

		last = out
		if err := s.wiper.Wipe(ctx, ws); err != nil {
			plog.Warn("failed to wipe workspace after attempt", "error", err)
		}

		if i == len(ordered)-1 && out.Cause == attempt.TooLarge {
			report.Outcome = attempt.Fatal(attempt.TooLarge, out.Detail)
			logger.Warn("every profile produced an oversized artifact")
			return report
		}
	}

	report.Outcome = attempt.Exhausted(last.Cause, last.Detail)
	if last.Cause.Benign() {
		logger.Debug("all profiles exhausted", "last_cause", last.Cause)
	} else {
		logger.Warn("all profiles exhausted", "last_cause", last.Cause)
	}
	return report
}

// fetch runs a single attempt under the profile deadline. A panicking
// backend becomes an Unknown failure.
func (s *Sequencer) fetch(ctx context.Context, b backend.Backend, url string, p profile.Profile, ws workspace.Workspace) (out attempt.Outcome) {
	actx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = attempt.Recoverable(attempt.Unknown, fmt.Sprintf("backend panic: %v", r))
		}
	}()

	out = b.Fetch(actx, url, p, ws)
	if !out.OK() && out.Cause == "" {
		out.Cause = attempt.Unknown
	}
	if !out.OK() && actx.Err() != nil && ctx.Err() == nil {
		// The attempt deadline fired; whatever the backend saw, this was a timeout.
		out = attempt.Recoverable(attempt.Timeout, strings.TrimSpace("attempt deadline exceeded "+out.Detail))
	}
	return out
}

// checkArtifact confirms a reported artifact exists inside the workspace
// and fits the ceiling. An oversized file is deleted here.
func (s *Sequencer) checkArtifact(out attempt.Outcome, maxSize int64, ws workspace.Workspace) attempt.Outcome {
	path := filepath.Clean(out.Artifact.Path)
	rel, err := filepath.Rel(ws.Dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return attempt.Recoverable(attempt.Unknown, fmt.Sprintf("artifact %q is outside the workspace", out.Artifact.Path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return attempt.Recoverable(attempt.Unknown, fmt.Sprintf("stat artifact: %v", err))
	}
	if !info.Mode().IsRegular() {
		return attempt.Recoverable(attempt.Unknown, fmt.Sprintf("artifact %q is not a regular file", out.Artifact.Path))
	}
	out.Artifact.Size = info.Size()

	if maxSize > 0 && info.Size() > maxSize {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to delete oversized artifact", "path", path, "error", err)
		}
		return attempt.Recoverable(attempt.TooLarge, fmt.Sprintf("artifact is %d bytes, ceiling is %d", info.Size(), maxSize))
	}
	return out
}

func (s *Sequencer) record(report *Report, id backend.ID, ws workspace.Workspace, p profile.Profile, out attempt.Outcome, elapsed time.Duration) {
	rec := AttemptRecord{
		RequestID: ws.RequestID,
		Backend:   id,
		Profile:   p.Name,
		Rank:      p.Rank,
		Outcome:   out,
		Elapsed:   elapsed,
	}
	report.Attempts = append(report.Attempts, rec)
	if s.observer != nil {
		s.observer(rec)
	}
}

func budgetExceeded(err error, p profile.Profile) attempt.Outcome {
	return attempt.Fatal(attempt.Timeout, fmt.Sprintf("request budget exhausted at profile %s: %v", p.Name, err))
}

// logAttempt applies the severity policy: expected refusals are debug
// noise, everything else is worth a warning.
func logAttempt(logger *slog.Logger, out attempt.Outcome, elapsed time.Duration) {
	level := slog.LevelWarn
	if out.Cause.Benign() {
		level = slog.LevelDebug
	}
	logger.Log(context.Background(), level, "profile failed",
		"kind", out.Kind.String(),
		"cause", string(out.Cause),
		"elapsed", elapsed,
		"detail", out.Detail,
	)
}
