package bot

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/drapik/tg-stream-bot/internal/access"
	"github.com/drapik/tg-stream-bot/internal/attempt"
	"github.com/drapik/tg-stream-bot/internal/engine"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/pool"
	"github.com/drapik/tg-stream-bot/internal/registry"
)

const (
	// SourceTelegram tags history rows for chat requests.
	SourceTelegram = "telegram"

	defaultTitle = "Downloaded Video"
)

const textFailed = "❌ Download failed. This video may be unavailable or the link might be invalid.\n\n" +
	"💡 Tips:\n" +
	"• Make sure the video is public\n" +
	"• Try a different video\n" +
	"• Some videos may be restricted"

const textSendFailed = "❌ An error occurred while sending the video.\n\n" +
	"Please try again with a different video."

// ErrNoLink means the text holds no link an enabled backend supports.
var ErrNoLink = errors.New("no supported link")

// ErrNoAccess means the requester is not allowed to download.
var ErrNoAccess = errors.New("requester has no access")

// Submission is a link request arriving outside the chat, e.g. from the
// webhook. Results are delivered to ChatID.
type Submission struct {
	UserID int64
	ChatID int64
	Text   string
	Source string
}

// Enqueue checks access, classifies and queues a submission. It returns
// the request id, ErrNoAccess, ErrNoLink, or the pool's error.
func (h *Handler) Enqueue(ctx context.Context, out Responder, sub Submission) (string, error) {
	if h.guard.Check(sub.UserID, access.User) != access.Allowed {
		return "", ErrNoAccess
	}
	return h.enqueue(ctx, out, sub)
}

// link queues an acquisition for the first supported URL in msg. Text
// without one is ignored.
func (h *Handler) link(ctx context.Context, out Responder, msg Message) error {
	_, err := h.enqueue(ctx, out, Submission{
		UserID: msg.UserID,
		ChatID: msg.ChatID,
		Text:   msg.Text,
		Source: SourceTelegram,
	})
	switch {
	case err == nil, errors.Is(err, ErrNoLink):
		return nil
	case errors.Is(err, pool.ErrQueueFull):
		return out.Reply(ctx, msg.ChatID, textQueueFull)
	default:
		return out.Reply(ctx, msg.ChatID, textShuttingDown)
	}
}

func (h *Handler) enqueue(ctx context.Context, out Responder, sub Submission) (string, error) {
	match, ok := h.classifier.Classify(sub.Text)
	if !ok {
		return "", ErrNoLink
	}

	req := engine.Request{
		ID:      uuid.NewString(),
		URL:     match.URL,
		Backend: match.Backend,
		UserID:  sub.UserID,
		ChatID:  sub.ChatID,
		Source:  sub.Source,
	}
	logger := h.logger.With("request_id", req.ID, "user_id", sub.UserID, "backend", string(match.Backend), "source", sub.Source)

	err := h.pool.Submit(pool.Task{
		ID:  req.ID,
		Run: func(tctx context.Context) { h.acquire(tctx, out, req) },
	})
	switch {
	case err == nil:
		logger.Info("acquisition queued", "url", match.URL)
		h.events.Publish(events.AcquisitionQueued, map[string]any{
			"request_id": req.ID,
			"backend":    match.Backend,
			"user_id":    sub.UserID,
			"source":     sub.Source,
		})
		return req.ID, nil
	case errors.Is(err, pool.ErrQueueFull):
		logger.Warn("queue full, rejecting request")
		h.reject(ctx, req, "queue_full")
	default:
		logger.Warn("pool refused request", "error", err)
		h.reject(ctx, req, "shutting_down")
	}
	return "", err
}

func (h *Handler) reject(ctx context.Context, req engine.Request, cause string) {
	if h.registry == nil {
		return
	}
	now := time.Now()
	err := h.registry.RecordAcquisition(ctx, registry.Acquisition{
		ID:         req.ID,
		UserID:     req.UserID,
		ChatID:     req.ChatID,
		Source:     req.Source,
		Backend:    string(req.Backend),
		URL:        req.URL,
		Status:     registry.StatusRejected,
		Cause:      cause,
		StartedAt:  now,
		FinishedAt: now,
	})
	if err != nil {
		h.logger.Warn("failed to record rejection", "request_id", req.ID, "error", err)
	}
}

// acquire runs on a pool worker.
func (h *Handler) acquire(ctx context.Context, out Responder, req engine.Request) {
	logger := h.logger.With("request_id", req.ID, "chat_id", req.ChatID)

	if err := out.UploadAction(ctx, req.ChatID); err != nil {
		logger.Debug("failed to send upload action", "error", err)
	}

	res := h.engine.Acquire(ctx, req, func(rctx context.Context, art attempt.Artifact) error {
		return out.SendVideo(rctx, req.ChatID, Video{
			Path:     art.Path,
			FileName: filepath.Base(art.Path),
			Caption:  Caption(art.Title, h.captionLimit),
			Duration: art.Duration,
			Size:     art.Size,
		})
	})

	notice, ok := Notice(res)
	if !ok {
		return
	}
	if err := out.Reply(ctx, req.ChatID, notice); err != nil {
		logger.Warn("failed to send failure notice", "error", err)
	}
}

// Caption builds the video caption, truncated to limit runes.
func Caption(title string, limit int) string {
	if title == "" {
		title = defaultTitle
	}
	c := []rune("🎬 " + title)
	if limit > 3 && len(c) > limit {
		return string(c[:limit-3]) + "..."
	}
	return string(c)
}

// Notice decides what, if anything, to tell the requester about res.
// Expected refusals (login walls, missing videos) are dropped silently.
func Notice(res engine.Result) (string, bool) {
	if res.Outcome.OK() {
		if res.RelayErr != nil {
			return textSendFailed, true
		}
		return "", false
	}
	if res.Outcome.Effective().Benign() {
		return "", false
	}
	return textFailed, true
}
