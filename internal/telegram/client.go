// Package telegram connects the bot handler to Telegram over MTProto,
// logging in with a bot token.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"github.com/drapik/tg-stream-bot/internal/bot"
)

// ErrUnknownChat is returned when replying to a chat no update has
// arrived from yet.
var ErrUnknownChat = errors.New("telegram: unknown chat")

// Handler consumes inbound messages.
type Handler interface {
	Handle(ctx context.Context, out bot.Responder, msg bot.Message) error
}

type Options struct {
	AppID       int
	AppHash     string
	BotToken    string
	SessionPath string
	Logger      *slog.Logger
}

// Client is a long-running bot connection.
type Client struct {
	opts       Options
	handler    Handler
	peers      *Peers
	logger     *slog.Logger
	client     *telegram.Client
	dispatcher tg.UpdateDispatcher
	out        *responder
}

func New(opts Options, handler Handler) (*Client, error) {
	if opts.AppID <= 0 || opts.AppHash == "" {
		return nil, errors.New("telegram app id and hash are required")
	}
	if opts.BotToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if opts.SessionPath == "" {
		return nil, errors.New("telegram session path is required")
	}
	if handler == nil {
		return nil, errors.New("telegram handler is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		opts:       opts,
		handler:    handler,
		peers:      NewPeers(),
		logger:     opts.Logger.With("component", "telegram"),
		dispatcher: tg.NewUpdateDispatcher(),
	}
	c.client = telegram.NewClient(opts.AppID, opts.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionPath},
		UpdateHandler:  c.dispatcher,
	})
	api := c.client.API()
	c.out = &responder{
		api:      api,
		sender:   message.NewSender(api),
		uploader: uploader.NewUploader(api),
		peers:    c.peers,
	}
	c.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return c.onMessage(ctx, e, u.Message)
	})
	// Supergroups deliver their messages as channel updates.
	c.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return c.onMessage(ctx, e, u.Message)
	})
	return c, nil
}

// Responder sends through this connection. It only works while Run is
// active and only to chats that have written to the bot.
func (c *Client) Responder() bot.Responder {
	return c.out
}

func (c *Client) onMessage(ctx context.Context, e tg.Entities, m tg.MessageClass) error {
	msg, peer, ok := convert(e, m)
	if !ok {
		return nil
	}
	c.peers.Remember(msg.ChatID, peer)
	if err := c.handler.Handle(ctx, c.out, msg); err != nil {
		c.logger.Warn("failed to answer message", "chat_id", msg.ChatID, "user_id", msg.UserID, "error", err)
	}
	return nil
}

// Run logs in and serves updates until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.opts.SessionPath), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	client := c.client
	err := client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to check auth status: %w", err)
		}
		if !status.Authorized {
			if _, err := client.Auth().Bot(ctx, c.opts.BotToken); err != nil {
				return fmt.Errorf("bot login failed: %w", err)
			}
		}

		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("failed to get bot identity: %w", err)
		}
		c.logger.Info("telegram bot connected", "username", self.Username, "id", self.ID)

		<-ctx.Done()
		return ctx.Err()
	})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// responder implements bot.Responder on the MTProto API.
type responder struct {
	api      *tg.Client
	sender   *message.Sender
	uploader *uploader.Uploader
	peers    *Peers
}

func (r *responder) Reply(ctx context.Context, chatID int64, text string) error {
	peer, ok := r.peers.Lookup(chatID)
	if !ok {
		return ErrUnknownChat
	}
	if _, err := r.sender.To(peer).Text(ctx, text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (r *responder) SendVideo(ctx context.Context, chatID int64, v bot.Video) error {
	peer, ok := r.peers.Lookup(chatID)
	if !ok {
		return ErrUnknownChat
	}

	file, err := r.uploader.FromPath(ctx, v.Path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", v.FileName, err)
	}

	doc := message.UploadedDocument(file, styling.Plain(v.Caption)).
		MIME(videoMIME(v.Path)).
		Filename(v.FileName).
		Video().
		Duration(v.Duration).
		SupportsStreaming()
	if _, err := r.sender.To(peer).Media(ctx, doc); err != nil {
		return fmt.Errorf("send video: %w", err)
	}
	return nil
}

func (r *responder) UploadAction(ctx context.Context, chatID int64) error {
	peer, ok := r.peers.Lookup(chatID)
	if !ok {
		return ErrUnknownChat
	}
	_, err := r.api.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageUploadVideoAction{},
	})
	return err
}
