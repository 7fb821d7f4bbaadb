// Package engine runs one acquisition end to end: workspace, ranked
// attempts under the request budget, optional re-encode, relay to the
// caller, teardown and bookkeeping.
//
// Acquire is total. It never panics outward and never returns an error;
// the caller gets a Result whose Outcome carries the classified cause.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/drapik/tg-stream-bot/internal/attempt"
	"github.com/drapik/tg-stream-bot/internal/backend"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/profile"
	"github.com/drapik/tg-stream-bot/internal/registry"
	"github.com/drapik/tg-stream-bot/internal/sequencer"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

// Request is the immutable context of one acquisition.
type Request struct {
	// ID names the workspace. Generated when empty.
	ID      string
	URL     string
	Backend backend.ID
	UserID  int64
	ChatID  int64
	// Source tags where the request came from ("telegram", "webhook", "cli").
	Source string
	// MaxSize and Budget override the engine defaults when positive.
	MaxSize int64
	Budget  time.Duration
}

// Result is the terminal state of an acquisition.
type Result struct {
	RequestID string
	Backend   backend.ID
	Outcome   attempt.Outcome
	Profile   string
	Attempts  int
	Relayed   bool
	RelayErr  error
	Elapsed   time.Duration
}

// RelayFunc hands a finished artifact to the caller. The file is deleted
// as soon as it returns, so it must finish reading before then.
type RelayFunc func(ctx context.Context, art attempt.Artifact) error

// Normalizer is the optional re-encode pass.
type Normalizer interface {
	Normalize(ctx context.Context, art attempt.Artifact, maxSize int64) attempt.Artifact
}

// Recorder stores acquisition history.
type Recorder interface {
	RecordAcquisition(ctx context.Context, a registry.Acquisition) error
}

// Options wires an Engine.
type Options struct {
	Backends   []backend.Backend
	Profiles   map[backend.ID][]profile.Profile
	Workspaces workspace.Manager
	Normalizer Normalizer
	Recorder   Recorder
	Events     events.Publisher
	MaxSize    int64
	Budget     time.Duration
	Logger     *slog.Logger
}

type Engine struct {
	backends   []backend.Backend
	profiles   map[backend.ID][]profile.Profile
	workspaces workspace.Manager
	sequencer  *sequencer.Sequencer
	normalizer Normalizer
	recorder   Recorder
	events     events.Publisher
	maxSize    int64
	budget     time.Duration
	logger     *slog.Logger

	inFlight atomic.Int64
}

func New(opts Options) (*Engine, error) {
	if len(opts.Backends) == 0 {
		return nil, errors.New("engine needs at least one backend")
	}
	if opts.Workspaces == nil {
		return nil, errors.New("engine needs a workspace manager")
	}
	if opts.MaxSize <= 0 {
		return nil, errors.New("engine max size must be positive")
	}
	if opts.Budget <= 0 {
		return nil, errors.New("engine request budget must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}

	e := &Engine{
		backends:   opts.Backends,
		profiles:   make(map[backend.ID][]profile.Profile, len(opts.Backends)),
		workspaces: opts.Workspaces,
		normalizer: opts.Normalizer,
		recorder:   opts.Recorder,
		events:     opts.Events,
		maxSize:    opts.MaxSize,
		budget:     opts.Budget,
		logger:     opts.Logger.With("component", "engine"),
	}
	for _, b := range opts.Backends {
		ps := opts.Profiles[b.ID()]
		if len(ps) == 0 {
			ps = profile.Defaults(string(b.ID()), "")
		}
		if err := profile.ValidateSet(ps); err != nil {
			return nil, fmt.Errorf("profiles for %s: %w", b.ID(), err)
		}
		e.profiles[b.ID()] = profile.Ordered(ps)
	}
	e.sequencer = sequencer.New(opts.Workspaces, opts.Logger).WithObserver(e.observeAttempt)
	return e, nil
}

// Acquire runs req to completion. relay may be nil, in which case the
// artifact is discarded with the workspace.
func (e *Engine) Acquire(ctx context.Context, req Request, relay RelayFunc) (res Result) {
	started := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.MaxSize <= 0 {
		req.MaxSize = e.maxSize
	}
	if req.Budget <= 0 {
		req.Budget = e.budget
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	res.RequestID = req.ID
	logger := e.logger.With("request_id", req.ID, "user_id", req.UserID, "source", req.Source)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("acquisition panicked", "panic", r)
			res.Outcome = attempt.Fatal(attempt.Unknown, fmt.Sprintf("panic: %v", r))
		}
		res.Elapsed = time.Since(started)
		e.finish(ctx, req, &res, started, logger)
	}()

	b, ok := e.resolve(req)
	if !ok {
		res.Backend = req.Backend
		res.Outcome = attempt.Fatal(attempt.Unsupported, "no backend handles this url")
		return res
	}
	res.Backend = b.ID()
	logger = logger.With("backend", string(b.ID()))

	e.events.Publish(events.AcquisitionStarted, map[string]any{
		"request_id": req.ID,
		"backend":    b.ID(),
		"user_id":    req.UserID,
		"source":     req.Source,
	})

	bctx, cancel := context.WithTimeout(ctx, req.Budget)
	defer cancel()

	ws, err := e.workspaces.Allocate(bctx, req.ID)
	if err != nil {
		logger.Error("failed to allocate workspace", "error", err)
		res.Outcome = attempt.Fatal(attempt.Unknown, "allocate workspace: "+err.Error())
		return res
	}
	// Runs on every path below, including relay failure and panics.
	defer e.destroy(ws, logger)

	report := e.sequencer.Run(bctx, b, e.profiles[b.ID()], sequencer.Request{URL: req.URL, MaxSize: req.MaxSize}, ws)
	res.Outcome = report.Outcome
	res.Profile = report.Profile
	res.Attempts = len(report.Attempts)
	if !res.Outcome.OK() {
		return res
	}

	if e.normalizer != nil {
		res.Outcome.Artifact = e.normalizer.Normalize(bctx, res.Outcome.Artifact, req.MaxSize)
	}

	if relay != nil {
		if err := relay(ctx, res.Outcome.Artifact); err != nil {
			logger.Warn("relay failed", "error", err)
			res.RelayErr = err
			return res
		}
		res.Relayed = true
		e.events.Publish(events.ArtifactRelayed, map[string]any{
			"request_id": req.ID,
			"chat_id":    req.ChatID,
			"size":       res.Outcome.Artifact.Size,
		})
	}
	return res
}

// Probe reads metadata for url from the owning backend.
func (e *Engine) Probe(ctx context.Context, rawURL string) (backend.Metadata, error) {
	b, ok := e.resolve(Request{URL: rawURL})
	if !ok {
		return backend.Metadata{}, &attempt.Error{Cause: attempt.Unsupported, Detail: "no backend handles this url"}
	}
	return b.Probe(ctx, rawURL)
}

// Profiles returns the ordered profiles used for a backend.
func (e *Engine) Profiles(id backend.ID) []profile.Profile {
	return profile.Ordered(e.profiles[id])
}

// Backends returns the configured backends in classification order.
func (e *Engine) Backends() []backend.Backend {
	out := make([]backend.Backend, len(e.backends))
	copy(out, e.backends)
	return out
}

// InFlight counts acquisitions currently running.
func (e *Engine) InFlight() int64 { return e.inFlight.Load() }

func (e *Engine) resolve(req Request) (backend.Backend, bool) {
	for _, b := range e.backends {
		if req.Backend != "" {
			if b.ID() == req.Backend {
				return b, true
			}
			continue
		}
		if b.Supports(req.URL) {
			return b, true
		}
	}
	return nil, false
}

func (e *Engine) destroy(ws workspace.Workspace, logger *slog.Logger) {
	if err := e.workspaces.Destroy(context.Background(), ws); err != nil {
		logger.Error("failed to destroy workspace", "dir", ws.Dir, "error", err)
	}
}

func (e *Engine) observeAttempt(rec sequencer.AttemptRecord) {
	e.events.Publish(events.AttemptFinished, map[string]any{
		"request_id": rec.RequestID,
		"backend":    rec.Backend,
		"profile":    rec.Profile,
		"rank":       rec.Rank,
		"kind":       rec.Outcome.Kind.String(),
		"cause":      rec.Outcome.Cause,
		"elapsed_ms": rec.Elapsed.Milliseconds(),
	})
}

// finish logs, records and publishes the terminal state.
func (e *Engine) finish(ctx context.Context, req Request, res *Result, started time.Time, logger *slog.Logger) {
	out := res.Outcome
	status := registry.StatusSucceeded
	cause := ""
	switch {
	case out.OK() && res.RelayErr != nil:
		status = registry.StatusFailed
		cause = "relay_failed"
	case !out.OK():
		status = registry.StatusFailed
		cause = string(out.Cause)
	}

	if out.OK() {
		logger.Info("acquisition finished", "status", status, "profile", res.Profile, "attempts", res.Attempts,
			"size", out.Artifact.Size, "elapsed", res.Elapsed)
		e.events.Publish(events.AcquisitionSucceeded, map[string]any{
			"request_id": res.RequestID,
			"backend":    res.Backend,
			"profile":    res.Profile,
			"attempts":   res.Attempts,
			"size":       out.Artifact.Size,
			"relayed":    res.Relayed,
		})
	} else {
		level := slog.LevelWarn
		if out.Effective().Benign() {
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, "acquisition failed", "cause", out.Cause, "last_cause", out.Last,
			"attempts", res.Attempts, "elapsed", res.Elapsed)
		e.events.Publish(events.AcquisitionFailed, map[string]any{
			"request_id": res.RequestID,
			"backend":    res.Backend,
			"cause":      out.Cause,
			"last_cause": out.Last,
			"attempts":   res.Attempts,
		})
	}

	if e.recorder == nil {
		return
	}
	rec := registry.Acquisition{
		ID:         res.RequestID,
		UserID:     req.UserID,
		ChatID:     req.ChatID,
		Source:     req.Source,
		Backend:    string(res.Backend),
		URL:        req.URL,
		Status:     status,
		Cause:      cause,
		LastCause:  string(out.Last),
		Profile:    res.Profile,
		Attempts:   res.Attempts,
		Title:      out.Artifact.Title,
		SizeBytes:  out.Artifact.Size,
		Duration:   out.Artifact.Duration,
		StartedAt:  started,
		FinishedAt: started.Add(res.Elapsed),
	}
	// History must land even when the request context was cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.recorder.RecordAcquisition(rctx, rec); err != nil {
		logger.Warn("failed to record acquisition", "error", err)
	}
}
