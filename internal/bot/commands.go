package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/drapik/tg-stream-bot/internal/access"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/registry"
)

const statusRecent = 5

const textStart = "👋 Hello! I automatically download videos from YouTube, Instagram, and TikTok.\n\n" +
	"💡 Just send me a video link!\n\n" +
	"📋 Supported platforms:\n" +
	"• YouTube (youtube.com, youtu.be)\n" +
	"• Instagram (instagram.com)\n" +
	"• TikTok (tiktok.com)\n\n" +
	"🔧 Commands:\n" +
	"/start - Show this message\n" +
	"/version - Show bot version\n" +
	"/help - Show detailed help"

func (h *Handler) start(ctx context.Context, out Responder, msg Message, _ access.Role) error {
	return out.Reply(ctx, msg.ChatID, textStart)
}

func (h *Handler) versionCmd(ctx context.Context, out Responder, msg Message, _ access.Role) error {
	return out.Reply(ctx, msg.ChatID, "Bot version: "+h.version)
}

func (h *Handler) help(ctx context.Context, out Responder, msg Message, role access.Role) error {
	var b strings.Builder
	b.WriteString("🤖 Available Commands:\n\n")
	b.WriteString("📋 Basic Commands:\n")
	b.WriteString("/start - Start bot and show welcome message\n")
	b.WriteString("/help - Show this help message\n")
	b.WriteString("/version - Show bot version\n\n")

	b.WriteString("🎬 Automatic Video Download\n")
	b.WriteString("Supported platforms: YouTube, Instagram, TikTok\n")
	b.WriteString("💡 Just send a video link and I'll download it for you!\n\n")

	if role.Satisfies(access.Moderator) {
		b.WriteString("🧭 Moderator Commands:\n")
		b.WriteString("/status - Queue and recent downloads\n\n")
	}
	if role.Satisfies(access.Admin) {
		b.WriteString("🛡️ Admin Commands:\n")
		b.WriteString("/users - List users in whitelist\n")
		b.WriteString("/reload - Reload the access table\n\n")
	}
	fmt.Fprintf(&b, "ℹ️ Your role: %s", role)
	return out.Reply(ctx, msg.ChatID, b.String())
}

func (h *Handler) users(ctx context.Context, out Responder, msg Message, _ access.Role) error {
	entries := h.guard.Entries()
	if len(entries) == 0 {
		return out.Reply(ctx, msg.ChatID, "🔍 Whitelist is empty")
	}

	known := map[int64]registry.User{}
	if h.registry != nil {
		u, err := h.registry.Users(ctx)
		if err != nil {
			h.logger.Warn("failed to read user registry", "error", err)
		} else {
			known = u
		}
	}

	var b strings.Builder
	b.WriteString("👥 Users in whitelist:\n\n")
	for _, e := range entries {
		b.WriteString(FormatUser(e, known[e.UserID]))
		b.WriteByte('\n')
	}
	return out.Reply(ctx, msg.ChatID, strings.TrimRight(b.String(), "\n"))
}

// FormatUser renders one whitelist line for /users.
func FormatUser(e access.Entry, u registry.User) string {
	if u.Username != "" {
		return fmt.Sprintf("ID: `%d` - @%s - Role: %s", e.UserID, u.Username, e.Role)
	}
	return fmt.Sprintf("ID: `%d` - Role: %s (no username)", e.UserID, e.Role)
}

func (h *Handler) status(ctx context.Context, out Responder, msg Message, _ access.Role) error {
	st := h.pool.Stats()

	var b strings.Builder
	b.WriteString("📊 Status\n\n")
	fmt.Fprintf(&b, "Workers: %d\nQueued: %d\nRunning: %d\nCompleted: %d\nIn flight: %d\n",
		st.Workers, st.Queued, st.Running, st.Completed, h.engine.InFlight())

	if h.registry != nil {
		recent, err := h.registry.RecentAcquisitions(ctx, statusRecent)
		if err != nil {
			h.logger.Warn("failed to read history", "error", err)
		} else if len(recent) > 0 {
			b.WriteString("\nRecent:\n")
			for _, a := range recent {
				b.WriteString(formatAcquisition(a))
				b.WriteByte('\n')
			}
		}
	}
	return out.Reply(ctx, msg.ChatID, strings.TrimRight(b.String(), "\n"))
}

func formatAcquisition(a registry.Acquisition) string {
	switch a.Status {
	case registry.StatusSucceeded:
		title := a.Title
		if title == "" {
			title = a.ID
		}
		return fmt.Sprintf("✅ %s %s (%s)", a.Backend, title, humanize.IBytes(uint64(a.SizeBytes)))
	case registry.StatusRejected:
		return fmt.Sprintf("⏳ %s rejected (%s)", a.Backend, a.Cause)
	default:
		cause := a.Cause
		if a.LastCause != "" {
			cause += "/" + a.LastCause
		}
		return fmt.Sprintf("❌ %s %s", a.Backend, cause)
	}
}

func (h *Handler) reloadCmd(ctx context.Context, out Responder, msg Message, _ access.Role) error {
	if h.reload == nil {
		return out.Reply(ctx, msg.ChatID, "Reload is not available.")
	}
	n, err := h.guard.ReloadFrom(h.reload)
	if err != nil {
		h.logger.Error("access reload failed", "user_id", msg.UserID, "error", err)
		return out.Reply(ctx, msg.ChatID, "❌ Reload failed; the previous access table is still in effect.")
	}
	h.logger.Info("access table reloaded", "user_id", msg.UserID, "entries", n)
	h.events.Publish(events.AccessReloaded, map[string]any{"entries": n, "source": "telegram"})
	return out.Reply(ctx, msg.ChatID, fmt.Sprintf("🔄 Access table reloaded: %d entries", n))
}
