package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drapik/tg-stream-bot/internal/config"
	"github.com/drapik/tg-stream-bot/internal/lock"
	"github.com/drapik/tg-stream-bot/internal/log"
	"github.com/drapik/tg-stream-bot/internal/registry"
	"github.com/drapik/tg-stream-bot/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	color.NoColor = true
	os.Exit(m.Run())
}

const fakeProbeJSON = `{"id":"dQw4w9WgXcQ","title":"Never Gonna Give You Up","duration":212.5,"uploader":"Rick Astley","view_count":1500000000,"extractor_key":"Youtube"}`

// writeFakeYTDLP installs a yt-dlp stand-in that answers --dump-json.
func writeFakeYTDLP(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "yt-dlp")
	script := "#!/usr/bin/env bash\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$a\" = \"--dump-json\" ]; then\n" +
		"    echo '" + fakeProbeJSON + "'\n" +
		"    exit 0\n" +
		"  fi\n" +
		"done\n" +
		"echo 'ERROR: unexpected invocation' >&2\n" +
		"exit 1\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// writeConfig writes a complete config into a fresh directory and returns
// the config file path. extra is appended verbatim.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	ytdlp := writeFakeYTDLP(t, dir)
	body := `service:
  log_level: error
telegram:
  app_id: 12345
  app_hash: deadbeef
  bot_token: "123:abc"
  session_path: ./data/session.json
access:
  admin_ids: [1]
  whitelist:
    2: user
tools:
  yt_dlp: ` + ytdlp + `
  ffmpeg_dir: ./no-ffmpeg
workspace:
  root: ./data/workspaces
  sweep_interval: 1h
  sweep_max_age: 24h
state:
  path: ./data/state.db
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runCLI(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

func TestVersionCommand(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-10-01T12:00:00Z")

	code, stdout, stderr := run(t, "version")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "tg-stream-bot 1.2.3")
	assert.Contains(t, stdout, "commit: 0123456789ab")
	assert.Contains(t, stdout, "built_at: 2026-10-01T12:00:00Z")

	code, stdout, stderr = run(t, "version", "--json")
	require.Equal(t, 0, code, stderr)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789ab", info.Commit)
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := run(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestConfigHashAndVerify(t *testing.T) {
	path := writeConfig(t, "")
	checksums := filepath.Join(filepath.Dir(path), config.ChecksumFile)

	code, stdout, stderr := run(t, "--config", path, "config", "hash", "--dry-run")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Would write")
	assert.NoFileExists(t, checksums)

	code, stdout, stderr = run(t, "--config", filepath.Dir(path), "config", "hash")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Sealed")
	assert.FileExists(t, checksums)

	code, stdout, stderr = run(t, "--config", path, "config", "verify")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "matches its recorded hash")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = run(t, "--config", path, "config", "verify")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash mismatch")

	// A tampered seal also stops every command that loads the config.
	code, _, stderr = run(t, "--config", path, "history", "--json")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash mismatch")
}

func TestConfigDiscoveredFromEnv(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv(config.EnvConfigPath, path)

	code, stdout, stderr := run(t, "history", "--json")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "Using discovered config: "+path)
	assert.JSONEq(t, "[]", stdout)
}

func TestDoctor(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, "")
		code, stdout, stderr := run(t, "--config", path, "doctor")
		require.Equal(t, 0, code, stderr)
		assert.Contains(t, stdout, "Configuration valid")
	})

	t.Run("json", func(t *testing.T) {
		path := writeConfig(t, "")
		code, stdout, stderr := run(t, "--config", path, "doctor", "--json")
		require.Equal(t, 0, code, stderr)
		var result struct {
			Valid bool `json:"valid"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &result))
		assert.True(t, result.Valid)
	})

	t.Run("every backend disabled", func(t *testing.T) {
		path := writeConfig(t, `backends:
  youtube: {disabled: true}
  instagram: {disabled: true}
  tiktok: {disabled: true}
`)
		code, stdout, _ := run(t, "--config", path, "doctor")
		assert.Equal(t, 1, code)
		assert.Contains(t, stdout, "Configuration invalid")
		assert.Contains(t, stdout, "ERROR")
	})
}

func TestHistory(t *testing.T) {
	path := writeConfig(t, "")

	code, stdout, stderr := run(t, "--config", path, "history", "--plain")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "No acquisitions recorded yet.")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	db, err := storage.OpenSQLite(context.Background(), cfg.ResolvePath(cfg.State.Path))
	require.NoError(t, err)
	store := registry.NewStore(db)
	finished := time.Now().Add(-time.Minute)
	require.NoError(t, store.RecordAcquisition(context.Background(), registry.Acquisition{
		ID:         "req-1",
		UserID:     2,
		ChatID:     2,
		Source:     "telegram",
		Backend:    "youtube",
		URL:        "https://youtu.be/dQw4w9WgXcQ",
		Status:     registry.StatusSucceeded,
		Profile:    "default",
		Attempts:   1,
		Title:      "Never Gonna Give You Up",
		SizeBytes:  3 << 20,
		StartedAt:  finished.Add(-12 * time.Second),
		FinishedAt: finished,
	}))
	require.NoError(t, store.RecordAcquisition(context.Background(), registry.Acquisition{
		ID:         "req-2",
		UserID:     2,
		ChatID:     2,
		Source:     "webhook",
		Backend:    "tiktok",
		URL:        "https://www.tiktok.com/@a/video/1",
		Status:     registry.StatusFailed,
		Cause:      "exhausted",
		LastCause:  "too_large",
		Attempts:   3,
		StartedAt:  finished,
		FinishedAt: finished.Add(time.Second),
	}))
	require.NoError(t, db.Close())

	code, stdout, stderr = run(t, "--config", path, "history", "--plain")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "STATUS")
	assert.Contains(t, stdout, "Never Gonna Give You Up")
	assert.Contains(t, stdout, "3.0 MiB")
	assert.Contains(t, stdout, "exhausted/too_large")

	code, stdout, stderr = run(t, "--config", path, "history", "--json", "-n", "1")
	require.Equal(t, 0, code, stderr)
	var rows []registry.Acquisition
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "req-2", rows[0].ID)
}

func TestSweep(t *testing.T) {
	path := writeConfig(t, "")
	root := filepath.Join(filepath.Dir(path), "data", "workspaces")
	orphan := filepath.Join(root, "orphan")
	fresh := filepath.Join(root, "fresh")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	code, stdout, stderr := run(t, "--config", path, "sweep")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Removed 1 orphaned workspace(s) older than 24h0m0s")
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, fresh)

	code, stdout, stderr = run(t, "--config", path, "sweep", "--max-age", "1ns")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Removed 1")
	assert.NoDirExists(t, fresh)
}

func TestSweepRefusesWhileBotRuns(t *testing.T) {
	path := writeConfig(t, "")
	root := filepath.Join(filepath.Dir(path), "data", "workspaces")
	require.NoError(t, os.MkdirAll(root, 0o755))

	held, err := lock.Acquire(lock.PathFor(root))
	require.NoError(t, err)
	defer held.Release()

	code, _, stderr := run(t, "--config", path, "sweep")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "in use by a running bot")
}

func TestProbe(t *testing.T) {
	path := writeConfig(t, "")

	code, stdout, stderr := run(t, "--config", path, "probe", "https://youtu.be/dQw4w9WgXcQ")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Never Gonna Give You Up")
	assert.Contains(t, stdout, "3m33s")
	assert.Contains(t, stdout, "1,500,000,000")
	assert.Contains(t, stdout, "Rick Astley")

	code, stdout, stderr = run(t, "--config", path, "probe", "--json", "https://youtu.be/dQw4w9WgXcQ")
	require.Equal(t, 0, code, stderr)
	var meta struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &meta))
	assert.Equal(t, "dQw4w9WgXcQ", meta.ID)

	code, _, stderr = run(t, "--config", path, "probe", "https://example.com/video")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no backend handles this url")
}

func TestStartRequiresTelegramCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: error\n"), 0o644))

	code, _, stderr := run(t, "--config", path, "start")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "telegram.bot_token is required")
}

func TestWatchRequiresToken(t *testing.T) {
	t.Setenv(envAPIToken, "")
	code, _, stderr := run(t, "watch", "--api", "http://127.0.0.1:1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "API token required")
}

func TestBuildApp(t *testing.T) {
	path := writeConfig(t, `api:
  enabled: true
  listen: 127.0.0.1:0
  tokens:
    - token: operator
      scopes: ["*"]
webhook:
  enabled: true
  listen: 127.0.0.1:0
  secret: s3cret
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := buildApp(ctx, cfg)
	require.NoError(t, err)
	assert.NotNil(t, a.api)
	assert.NotNil(t, a.webhook)
	assert.NotNil(t, a.sweeper)
	assert.Len(t, a.engine.Backends(), 3)
	assert.FileExists(t, lock.PathFor(cfg.ResolvePath(cfg.Workspace.Root)))

	_, err = buildApp(ctx, cfg)
	require.ErrorIs(t, err, lock.ErrHeld, "a second instance on the same workspace is refused")

	reloaded, err := a.reloadAccess()
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded)

	a.close()

	again, err := buildApp(ctx, cfg)
	require.NoError(t, err, "the lock is released by close")
	again.close()
}

func TestBuildAppOptionalComponents(t *testing.T) {
	path := writeConfig(t, "")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := strings.Replace(string(data), "sweep_interval: 1h", "sweep_interval: 0s", 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()
	assert.Nil(t, a.api)
	assert.Nil(t, a.webhook)
	assert.Nil(t, a.sweeper)
}
