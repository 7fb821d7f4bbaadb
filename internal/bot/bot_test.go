package bot_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drapik/tg-stream-bot/internal/access"
	"github.com/drapik/tg-stream-bot/internal/attempt"
	"github.com/drapik/tg-stream-bot/internal/backend"
	"github.com/drapik/tg-stream-bot/internal/bot"
	"github.com/drapik/tg-stream-bot/internal/bot/mocks"
	"github.com/drapik/tg-stream-bot/internal/classifier"
	"github.com/drapik/tg-stream-bot/internal/engine"
	"github.com/drapik/tg-stream-bot/internal/events"
	"github.com/drapik/tg-stream-bot/internal/log"
	"github.com/drapik/tg-stream-bot/internal/pool"
	"github.com/drapik/tg-stream-bot/internal/profile"
	"github.com/drapik/tg-stream-bot/internal/registry"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

const (
	adminID = int64(1)
	modID   = int64(2)
	userID  = int64(3)
	chatID  = int64(100)
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type hostBackend struct {
	id    backend.ID
	hosts []string
}

func (b hostBackend) ID() backend.ID         { return b.id }
func (b hostBackend) Hosts() []string        { return b.hosts }
func (b hostBackend) Supports(u string) bool { return backend.MatchHost(u, b.hosts) }
func (b hostBackend) Probe(context.Context, string) (backend.Metadata, error) {
	return backend.Metadata{}, nil
}
func (b hostBackend) Fetch(context.Context, string, profile.Profile, workspace.Workspace) attempt.Outcome {
	return attempt.Fatal(attempt.Unsupported, "")
}

type fakeEngine struct {
	mu       sync.Mutex
	requests []engine.Request
	outcome  attempt.Outcome
}

func (f *fakeEngine) Acquire(ctx context.Context, req engine.Request, relay engine.RelayFunc) engine.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	res := engine.Result{RequestID: req.ID, Backend: req.Backend, Outcome: f.outcome}
	if f.outcome.OK() && relay != nil {
		if err := relay(ctx, f.outcome.Artifact); err != nil {
			res.RelayErr = err
		} else {
			res.Relayed = true
		}
	}
	return res
}

func (f *fakeEngine) InFlight() int64 { return 2 }

// inlinePool runs tasks on the caller's goroutine.
type inlinePool struct {
	err   error
	tasks int
}

func (p *inlinePool) Submit(t pool.Task) error {
	if p.err != nil {
		return p.err
	}
	p.tasks++
	t.Run(context.Background())
	return nil
}

func (p *inlinePool) Stats() pool.Stats {
	return pool.Stats{Workers: 4, Queued: 1, Running: 2, Completed: 9}
}

type memRegistry struct {
	mu      sync.Mutex
	users   map[int64]registry.User
	records []registry.Acquisition
	recent  []registry.Acquisition
}

func newMemRegistry() *memRegistry {
	return &memRegistry{users: map[int64]registry.User{}}
}

func (r *memRegistry) TouchUser(_ context.Context, id int64, username, firstName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.users[id]
	u.ID, u.Username, u.FirstName = id, username, firstName
	u.MessageCount++
	r.users[id] = u
	return nil
}

func (r *memRegistry) Users(context.Context) (map[int64]registry.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]registry.User, len(r.users))
	for k, v := range r.users {
		out[k] = v
	}
	return out, nil
}

func (r *memRegistry) RecordAcquisition(_ context.Context, a registry.Acquisition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, a)
	return nil
}

func (r *memRegistry) RecentAcquisitions(context.Context, int) ([]registry.Acquisition, error) {
	return r.recent, nil
}

type fixture struct {
	handler *bot.Handler
	engine  *fakeEngine
	pool    *inlinePool
	reg     *memRegistry
	guard   *access.Guard
	hub     *events.Hub
	out     *mocks.MockResponder
}

func newFixture(t *testing.T, reload access.Loader) fixture {
	t.Helper()
	table, err := access.NewTable(map[int64]string{adminID: "admin", modID: "moderator", userID: "user"})
	require.NoError(t, err)

	f := fixture{
		engine: &fakeEngine{outcome: attempt.Success(attempt.Artifact{
			Path: "/tmp/ws/clip.mp4", Title: "Funny cat", Size: 1024, Duration: 12 * time.Second,
		})},
		pool:  &inlinePool{},
		reg:   newMemRegistry(),
		guard: access.NewGuard(table),
		hub:   events.NewHub(16),
		out:   mocks.NewMockResponder(gomock.NewController(t)),
	}
	cls := classifier.New([]backend.Backend{
		hostBackend{id: backend.YouTube, hosts: []string{"youtube.com", "youtu.be"}},
		hostBackend{id: backend.TikTok, hosts: []string{"tiktok.com"}},
	})
	f.handler, err = bot.New(bot.Options{
		Guard:        f.guard,
		Classifier:   cls,
		Engine:       f.engine,
		Pool:         f.pool,
		Registry:     f.reg,
		Reload:       reload,
		Events:       f.hub,
		Version:      "1.2.3",
		CaptionLimit: 1024,
		Logger:       log.Get(),
	})
	require.NoError(t, err)
	return f
}

func msg(from int64, text string) bot.Message {
	return bot.Message{ChatID: chatID, UserID: from, Username: "someone", Text: text}
}

// captureReply records the text of every Reply.
func captureReply(out *mocks.MockResponder) *[]string {
	var got []string
	out.EXPECT().Reply(gomock.Any(), chatID, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ int64, text string) error {
			got = append(got, text)
			return nil
		}).AnyTimes()
	return &got
}

func TestUnknownUserIsDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.out.EXPECT().Reply(gomock.Any(), chatID, "❌ You do not have access to this bot.").Return(nil)

	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(999, "https://youtu.be/abc")))
	assert.Empty(t, f.engine.requests)
	assert.Empty(t, f.reg.users, "denied users are not registered")
}

func TestInsufficientRoleNamesRequiredRole(t *testing.T) {
	tests := []struct {
		from int64
		text string
		want string
	}{
		{userID, "/users", "❌ Insufficient permissions. Required role: admin"},
		{modID, "/reload", "❌ Insufficient permissions. Required role: admin"},
		{userID, "/status", "❌ Insufficient permissions. Required role: moderator"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := newFixture(t, nil)
			f.out.EXPECT().Reply(gomock.Any(), chatID, tt.want).Return(nil)
			require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(tt.from, tt.text)))
		})
	}
}

func TestBasicCommands(t *testing.T) {
	f := newFixture(t, nil)
	got := captureReply(f.out)

	ctx := context.Background()
	require.NoError(t, f.handler.Handle(ctx, f.out, msg(userID, "/start")))
	require.NoError(t, f.handler.Handle(ctx, f.out, msg(userID, "/version@VideoBot")))
	require.NoError(t, f.handler.Handle(ctx, f.out, msg(userID, "/HELP")))

	require.Len(t, *got, 3)
	assert.Contains(t, (*got)[0], "Just send me a video link!")
	assert.Equal(t, "Bot version: 1.2.3", (*got)[1])
	assert.Contains(t, (*got)[2], "Your role: user")
	assert.NotContains(t, (*got)[2], "/users")
	assert.NotContains(t, (*got)[2], "/status")

	assert.Equal(t, int64(3), f.reg.users[userID].MessageCount)
}

func TestHelpShowsPrivilegedSections(t *testing.T) {
	f := newFixture(t, nil)
	got := captureReply(f.out)

	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(modID, "/help")))
	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(adminID, "/help")))

	assert.Contains(t, (*got)[0], "/status")
	assert.NotContains(t, (*got)[0], "/users")
	assert.Contains(t, (*got)[1], "/users")
	assert.Contains(t, (*got)[1], "/reload")
	assert.Contains(t, (*got)[1], "Your role: admin")
}

func TestUsersListsWhitelistWithUsernames(t *testing.T) {
	f := newFixture(t, nil)
	got := captureReply(f.out)
	f.reg.users[modID] = registry.User{ID: modID, Username: "mod_one"}

	require.NoError(t, f.handler.Handle(context.Background(), f.out, bot.Message{ChatID: chatID, UserID: adminID, Text: "/users"}))

	require.Len(t, *got, 1)
	lines := strings.Split((*got)[0], "\n")
	assert.Equal(t, "👥 Users in whitelist:", lines[0])
	assert.Equal(t, []string{
		"ID: `1` - Role: admin (no username)",
		"ID: `2` - @mod_one - Role: moderator",
		"ID: `3` - Role: user (no username)",
	}, lines[2:])
}

func TestEmptyTableDeniesEveryone(t *testing.T) {
	f := newFixture(t, nil)
	got := captureReply(f.out)

	f.guard.Reload(access.Table{})
	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(adminID, "/users")))
	assert.Equal(t, []string{"❌ You do not have access to this bot."}, *got)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	got := captureReply(f.out)
	f.reg.recent = []registry.Acquisition{
		{ID: "a", Backend: "youtube", Status: registry.StatusSucceeded, Title: "Clip", SizeBytes: 2 << 20},
		{ID: "b", Backend: "tiktok", Status: registry.StatusFailed, Cause: "all_strategies_exhausted", LastCause: "rate_limited"},
	}

	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(modID, "/status")))

	require.Len(t, *got, 1)
	text := (*got)[0]
	assert.Contains(t, text, "Workers: 4")
	assert.Contains(t, text, "Queued: 1")
	assert.Contains(t, text, "In flight: 2")
	assert.Contains(t, text, "✅ youtube Clip (2.0 MiB)")
	assert.Contains(t, text, "❌ tiktok all_strategies_exhausted/rate_limited")
}

func TestReload(t *testing.T) {
	var fail bool
	loader := func() (access.Table, error) {
		if fail {
			return access.Table{}, errors.New("bad yaml")
		}
		return access.NewTable(map[int64]string{adminID: "admin", 42: "user"})
	}
	f := newFixture(t, loader)
	got := captureReply(f.out)

	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(adminID, "/reload")))
	assert.Equal(t, "🔄 Access table reloaded: 2 entries", (*got)[0])
	assert.Equal(t, access.Unknown, f.guard.Check(userID, access.User))
	assert.Equal(t, access.Allowed, f.guard.Check(42, access.User))
	assert.Len(t, f.hub.Recent(10, events.AccessReloaded), 1)

	fail = true
	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(adminID, "/reload")))
	assert.Contains(t, (*got)[1], "Reload failed")
	assert.Equal(t, access.Allowed, f.guard.Check(42, access.User), "failed reload keeps the old table")
}

func TestLinkIsAcquiredAndRelayed(t *testing.T) {
	f := newFixture(t, nil)
	gomock.InOrder(
		f.out.EXPECT().UploadAction(gomock.Any(), chatID).Return(nil),
		f.out.EXPECT().SendVideo(gomock.Any(), chatID, bot.Video{
			Path:     "/tmp/ws/clip.mp4",
			FileName: "clip.mp4",
			Caption:  "🎬 Funny cat",
			Duration: 12 * time.Second,
			Size:     1024,
		}).Return(nil),
	)

	text := "look https://example.com/x then https://youtu.be/abc and https://tiktok.com/@a/video/1"
	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(userID, text)))

	require.Len(t, f.engine.requests, 1)
	req := f.engine.requests[0]
	assert.Equal(t, "https://youtu.be/abc", req.URL)
	assert.Equal(t, backend.YouTube, req.Backend)
	assert.Equal(t, userID, req.UserID)
	assert.Equal(t, chatID, req.ChatID)
	assert.Equal(t, bot.SourceTelegram, req.Source)
	assert.NotEmpty(t, req.ID)
	assert.Len(t, f.hub.Recent(10, events.AcquisitionQueued), 1)
}

func TestTextWithoutSupportedLinkIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(userID, "hello https://vimeo.com/1")))
	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(userID, "/unknown command")))
	assert.Zero(t, f.pool.tasks)
}

func TestFailureNotices(t *testing.T) {
	tests := []struct {
		name    string
		outcome attempt.Outcome
		notice  string
	}{
		{"login wall is silent", attempt.Exhausted(attempt.AuthenticationChallenge, ""), ""},
		{"missing video is silent", attempt.Exhausted(attempt.NotFound, ""), ""},
		{"rate limit is reported", attempt.Exhausted(attempt.RateLimited, ""), "Download failed"},
		{"budget timeout is reported", attempt.Fatal(attempt.Timeout, ""), "Download failed"},
		{"too large is reported", attempt.Fatal(attempt.TooLarge, ""), "Download failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.engine.outcome = tt.outcome
			f.out.EXPECT().UploadAction(gomock.Any(), chatID).Return(nil)
			if tt.notice != "" {
				f.out.EXPECT().Reply(gomock.Any(), chatID, gomock.Any()).DoAndReturn(
					func(_ context.Context, _ int64, text string) error {
						assert.Contains(t, text, tt.notice)
						assert.Contains(t, text, "Tips")
						return nil
					})
			}
			require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(userID, "https://youtu.be/x")))
		})
	}
}

func TestRelayFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.out.EXPECT().UploadAction(gomock.Any(), chatID).Return(errors.New("no actions"))
	f.out.EXPECT().SendVideo(gomock.Any(), chatID, gomock.Any()).Return(errors.New("FILE_PARTS_INVALID"))
	f.out.EXPECT().Reply(gomock.Any(), chatID, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ int64, text string) error {
			assert.Contains(t, text, "error occurred while sending")
			return nil
		})

	require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(userID, "https://youtu.be/x")))
}

func TestQueueFullIsRejected(t *testing.T) {
	tests := []struct {
		err   error
		reply string
		cause string
	}{
		{pool.ErrQueueFull, "⏳ Too many downloads in progress. Please try again in a minute.", "queue_full"},
		{pool.ErrClosed, "⏳ The bot is restarting. Please send the link again shortly.", "shutting_down"},
	}
	for _, tt := range tests {
		t.Run(tt.cause, func(t *testing.T) {
			f := newFixture(t, nil)
			f.pool.err = tt.err
			f.out.EXPECT().Reply(gomock.Any(), chatID, tt.reply).Return(nil)

			require.NoError(t, f.handler.Handle(context.Background(), f.out, msg(userID, "https://youtu.be/x")))
			assert.Empty(t, f.engine.requests)
			require.Len(t, f.reg.records, 1)
			assert.Equal(t, registry.StatusRejected, f.reg.records[0].Status)
			assert.Equal(t, tt.cause, f.reg.records[0].Cause)
			assert.Equal(t, "youtube", f.reg.records[0].Backend)
		})
	}
}

func TestHandleReturnsTransportError(t *testing.T) {
	f := newFixture(t, nil)
	f.out.EXPECT().Reply(gomock.Any(), chatID, gomock.Any()).Return(errors.New("flood wait"))
	assert.EqualError(t, f.handler.Handle(context.Background(), f.out, msg(userID, "/start")), "flood wait")
}

func TestCaption(t *testing.T) {
	long := strings.Repeat("я", 2000)
	tests := []struct {
		title string
		limit int
		want  string
	}{
		{"", 1024, "🎬 Downloaded Video"},
		{"Short", 1024, "🎬 Short"},
		{"abcdefghij", 8, "🎬 abc..."},
		{"abcde", 7, "🎬 abcde"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bot.Caption(tt.title, tt.limit))
	}

	c := bot.Caption(long, 1024)
	assert.Equal(t, 1024, len([]rune(c)))
	assert.True(t, strings.HasSuffix(c, "..."))
}

func TestNotice(t *testing.T) {
	_, ok := bot.Notice(engine.Result{Outcome: attempt.Success(attempt.Artifact{})})
	assert.False(t, ok)

	_, ok = bot.Notice(engine.Result{Outcome: attempt.Fatal(attempt.NotFound, "")})
	assert.False(t, ok)

	text, ok := bot.Notice(engine.Result{Outcome: attempt.Fatal(attempt.Unknown, "")})
	assert.True(t, ok)
	assert.Contains(t, text, "Download failed")
}

func TestFormatUser(t *testing.T) {
	e := access.Entry{UserID: 7, Role: access.Moderator}
	assert.Equal(t, "ID: `7` - @bob - Role: moderator", bot.FormatUser(e, registry.User{Username: "bob"}))
	assert.Equal(t, "ID: `7` - Role: moderator (no username)", bot.FormatUser(e, registry.User{}))
}

func TestEnqueueSubmission(t *testing.T) {
	f := newFixture(t, nil)
	f.out.EXPECT().UploadAction(gomock.Any(), chatID).Return(nil)
	f.out.EXPECT().SendVideo(gomock.Any(), chatID, gomock.Any()).Return(nil)

	id, err := f.handler.Enqueue(context.Background(), f.out, bot.Submission{
		UserID: userID, ChatID: chatID, Text: "https://www.youtube.com/watch?v=x", Source: "webhook",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, f.engine.requests, 1)
	assert.Equal(t, id, f.engine.requests[0].ID)
	assert.Equal(t, "webhook", f.engine.requests[0].Source)

	_, err = f.handler.Enqueue(context.Background(), f.out, bot.Submission{UserID: 999, ChatID: chatID, Text: "https://youtu.be/x"})
	assert.ErrorIs(t, err, bot.ErrNoAccess)

	_, err = f.handler.Enqueue(context.Background(), f.out, bot.Submission{UserID: userID, ChatID: chatID, Text: "no link"})
	assert.ErrorIs(t, err, bot.ErrNoLink)

	f.pool.err = pool.ErrQueueFull
	_, err = f.handler.Enqueue(context.Background(), f.out, bot.Submission{UserID: userID, ChatID: chatID, Text: "https://youtu.be/x"})
	assert.ErrorIs(t, err, pool.ErrQueueFull)
}
