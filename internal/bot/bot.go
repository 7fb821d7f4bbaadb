// Package bot turns inbound chat messages into commands and acquisitions.
// It knows nothing about the wire protocol; a transport feeds it Messages
// and implements Responder.
package bot

//go:generate mockgen -destination=mocks/mock_responder.go -package=mocks github.com/drapik/tg-stream-bot/internal/bot Responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/drapik/tg-stream-bot/internal/access"
	"github.com/drapik/tg-stream-bot/internal/classifier"
	"github.com/drapik/tg-stream-bot/internal/engine"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/pool"
	"github.com/drapik/tg-stream-bot/internal/registry"
)

const (
	textNoAccess     = "❌ You do not have access to this bot."
	textInsufficient = "❌ Insufficient permissions. Required role: %s"
	textQueueFull    = "⏳ Too many downloads in progress. Please try again in a minute."
	textShuttingDown = "⏳ The bot is restarting. Please send the link again shortly."
)

// Message is one inbound text message.
type Message struct {
	ChatID    int64
	UserID    int64
	Username  string
	FirstName string
	Text      string
}

// Video is an outbound video attachment.
type Video struct {
	Path     string
	FileName string
	Caption  string
	Duration time.Duration
	Size     int64
}

// Responder sends replies back through the transport.
type Responder interface {
	Reply(ctx context.Context, chatID int64, text string) error
	SendVideo(ctx context.Context, chatID int64, v Video) error
	// UploadAction shows an "uploading video" indicator. Transports
	// without one return nil.
	UploadAction(ctx context.Context, chatID int64) error
}

// Acquirer runs acquisitions.
type Acquirer interface {
	Acquire(ctx context.Context, req engine.Request, relay engine.RelayFunc) engine.Result
	InFlight() int64
}

// Submitter queues work off the message path.
type Submitter interface {
	Submit(t pool.Task) error
	Stats() pool.Stats
}

// Registry is the subset of the user registry and history the bot uses.
type Registry interface {
	TouchUser(ctx context.Context, id int64, username, firstName string) error
	Users(ctx context.Context) (map[int64]registry.User, error)
	RecordAcquisition(ctx context.Context, a registry.Acquisition) error
	RecentAcquisitions(ctx context.Context, limit int) ([]registry.Acquisition, error)
}

// Classifier finds the first actionable link in a message.
type Classifier interface {
	Classify(text string) (classifier.Match, bool)
}

type Options struct {
	Guard      *access.Guard
	Classifier Classifier
	Engine     Acquirer
	Pool       Submitter
	Registry   Registry
	// Reload re-reads the access table. Nil disables /reload.
	Reload       access.Loader
	Events       events.Publisher
	Version      string
	CaptionLimit int
	Logger       *slog.Logger
}

// Handler dispatches messages. It is safe for concurrent use.
type Handler struct {
	guard        *access.Guard
	classifier   Classifier
	engine       Acquirer
	pool         Submitter
	registry     Registry
	reload       access.Loader
	events       events.Publisher
	version      string
	captionLimit int
	logger       *slog.Logger
	commands     map[string]command
}

type command struct {
	role access.Role
	run  func(ctx context.Context, out Responder, msg Message, role access.Role) error
}

func New(opts Options) (*Handler, error) {
	if opts.Guard == nil {
		return nil, errors.New("bot needs an access guard")
	}
	if opts.Classifier == nil || opts.Engine == nil || opts.Pool == nil {
		return nil, errors.New("bot needs a classifier, engine and pool")
	}
	if opts.CaptionLimit <= 3 {
		opts.CaptionLimit = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}

	h := &Handler{
		guard:        opts.Guard,
		classifier:   opts.Classifier,
		engine:       opts.Engine,
		pool:         opts.Pool,
		registry:     opts.Registry,
		reload:       opts.Reload,
		events:       opts.Events,
		version:      opts.Version,
		captionLimit: opts.CaptionLimit,
		logger:       opts.Logger.With("component", "bot"),
	}
	h.commands = map[string]command{
		"start":   {role: access.User, run: h.start},
		"help":    {role: access.User, run: h.help},
		"version": {role: access.User, run: h.versionCmd},
		"status":  {role: access.Moderator, run: h.status},
		"users":   {role: access.Admin, run: h.users},
		"reload":  {role: access.Admin, run: h.reloadCmd},
	}
	return h, nil
}

// Handle processes one message. Errors are transport failures only; a
// denied or unactionable message is not an error.
func (h *Handler) Handle(ctx context.Context, out Responder, msg Message) error {
	name, isCommand := parseCommand(msg.Text)
	required := access.User
	var cmd command
	if isCommand {
		if c, ok := h.commands[name]; ok {
			cmd = c
			required = c.role
		} else {
			isCommand = false
		}
	}

	switch h.guard.Check(msg.UserID, required) {
	case access.Unknown:
		h.logger.Debug("message from unknown user", "user_id", msg.UserID)
		return out.Reply(ctx, msg.ChatID, textNoAccess)
	case access.Insufficient:
		h.logger.Info("insufficient role", "user_id", msg.UserID, "command", name, "required", required)
		return out.Reply(ctx, msg.ChatID, fmt.Sprintf(textInsufficient, required))
	}

	h.touch(ctx, msg)
	role, _ := h.guard.Role(msg.UserID)

	if isCommand {
		return cmd.run(ctx, out, msg, role)
	}
	return h.link(ctx, out, msg)
}

func (h *Handler) touch(ctx context.Context, msg Message) {
	if h.registry == nil {
		return
	}
	if err := h.registry.TouchUser(ctx, msg.UserID, msg.Username, msg.FirstName); err != nil {
		h.logger.Warn("failed to update user registry", "user_id", msg.UserID, "error", err)
	}
}

// parseCommand extracts "start" from "/start@SomeBot arg".
func parseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", false
	}
	return strings.ToLower(word), true
}
