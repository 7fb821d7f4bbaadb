package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/drapik/tg-stream-bot/internal/attempt"
	"github.com/drapik/tg-stream-bot/internal/proc"
	"github.com/drapik/tg-stream-bot/internal/profile"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

const defaultProbeTimeout = 30 * time.Second

// videoExtensions are the file types accepted as a finished artifact.
var videoExtensions = []string{".mp4", ".mkv", ".webm", ".avi", ".mov"}

// Options configures a yt-dlp backed family.
type Options struct {
	Family Family
	// Binary is the yt-dlp executable.
	Binary string
	// FFmpegLocation is passed through so yt-dlp can merge streams. Optional.
	FFmpegLocation string
	ProbeTimeout   time.Duration
	Runner         proc.Runner
	Files          FileLister
	Logger         *slog.Logger
}

// YTDLP drives the yt-dlp executable for one family.
type YTDLP struct {
	family       Family
	binary       string
	ffmpeg       string
	probeTimeout time.Duration
	runner       proc.Runner
	files        FileLister
	logger       *slog.Logger
}

var _ Backend = (*YTDLP)(nil)

func NewYTDLP(opts Options) (*YTDLP, error) {
	if opts.Family.ID == "" {
		return nil, errors.New("backend family id is required")
	}
	if len(opts.Family.Hosts) == 0 {
		return nil, fmt.Errorf("backend %s: at least one host is required", opts.Family.ID)
	}
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, fmt.Errorf("backend %s: yt-dlp binary is required", opts.Family.ID)
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("backend %s: runner is required", opts.Family.ID)
	}
	if opts.Files == nil {
		return nil, fmt.Errorf("backend %s: file lister is required", opts.Family.ID)
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &YTDLP{
		family:       opts.Family,
		binary:       opts.Binary,
		ffmpeg:       opts.FFmpegLocation,
		probeTimeout: opts.ProbeTimeout,
		runner:       opts.Runner,
		files:        opts.Files,
		logger:       opts.Logger.With("backend", string(opts.Family.ID)),
	}, nil
}

func (b *YTDLP) ID() ID { return b.family.ID }

func (b *YTDLP) Hosts() []string { return slices.Clone(b.family.Hosts) }

func (b *YTDLP) Supports(rawURL string) bool { return MatchHost(rawURL, b.family.Hosts) }

// Probe reads metadata without downloading. Failures are *attempt.Error.
func (b *YTDLP) Probe(ctx context.Context, rawURL string) (Metadata, error) {
	if !b.Supports(rawURL) {
		return Metadata{}, &attempt.Error{Cause: attempt.Unsupported, Detail: "url is not handled by " + string(b.family.ID)}
	}

	args := []string{"--dump-json", "--skip-download", "--no-playlist", "--no-warnings"}
	args = append(args, "--", rawURL)

	res, err := b.runner.Run(ctx, proc.Command{Path: b.binary, Args: args, Timeout: b.probeTimeout})
	if err != nil {
		cause, detail := failureCause(res, err)
		return Metadata{}, &attempt.Error{Cause: cause, Detail: detail}
	}

	info, err := parseInfo(res.Stdout)
	if err != nil {
		return Metadata{}, &attempt.Error{Cause: attempt.Unknown, Detail: err.Error()}
	}
	return info.metadata(), nil
}

// Fetch runs one download attempt with profile p into ws.
func (b *YTDLP) Fetch(ctx context.Context, rawURL string, p profile.Profile, ws workspace.Workspace) attempt.Outcome {
	if !b.Supports(rawURL) {
		return attempt.Fatal(attempt.Unsupported, "url is not handled by "+string(b.family.ID))
	}

	logger := b.logger.With("profile", p.Name)
	cmd := proc.Command{
		Path:    b.binary,
		Args:    b.fetchArgs(rawURL, p, ws),
		Dir:     ws.Dir,
		Timeout: p.Timeout,
	}

	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		cause, detail := failureCause(res, err)
		return attempt.Failed(cause, detail)
	}

	entries, err := b.files.Files(ws)
	if err != nil {
		return attempt.Recoverable(attempt.Unknown, err.Error())
	}

	info, err := parseInfo(res.Stdout)
	if err != nil {
		logger.Debug("no metadata in tool output", "error", err)
	}

	entry, ok := pickArtifact(entries, info.Filename)
	if !ok {
		return attempt.Recoverable(attempt.Unknown, "tool exited cleanly but produced no video file")
	}

	logger.Debug("fetch produced artifact", "path", entry.Path, "size", entry.Size, "elapsed", res.Duration)
	return attempt.Success(attempt.Artifact{
		Path:     entry.Path,
		Title:    strings.TrimSpace(info.Title),
		Size:     entry.Size,
		Duration: info.duration(),
	})
}

func (b *YTDLP) fetchArgs(rawURL string, p profile.Profile, ws workspace.Workspace) []string {
	template := p.OutputTemplate
	if template == "" {
		template = profile.DefaultOutputTemplate
	}

	args := []string{
		"--no-simulate", "--dump-json",
		"--no-warnings", "--no-progress",
		"-f", p.Format,
		"-o", filepath.Join(ws.Dir, template),
	}
	if p.Toggles.NoPlaylist {
		args = append(args, "--no-playlist")
	}
	if p.Toggles.MergeMP4 {
		args = append(args, "--merge-output-format", "mp4")
	}
	if b.ffmpeg != "" {
		args = append(args, "--ffmpeg-location", b.ffmpeg)
	}

	id := p.Identity
	if id.UserAgent != "" {
		args = append(args, "--user-agent", id.UserAgent)
	}
	keys := make([]string, 0, len(id.Headers))
	for k := range id.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "--add-header", k+":"+id.Headers[k])
	}
	if ea := p.ExtractorArgs(b.family.Extractor); ea != "" {
		args = append(args, "--extractor-args", b.family.Extractor+":"+ea)
	}
	if id.CookiesFile != "" {
		args = append(args, "--cookies", id.CookiesFile)
	}

	if p.SocketTimeout > 0 {
		secs := int(math.Ceil(p.SocketTimeout.Seconds()))
		args = append(args, "--socket-timeout", strconv.Itoa(secs))
	}
	if p.Retries > 0 {
		args = append(args, "--retries", strconv.Itoa(p.Retries))
	}

	return append(args, "--", rawURL)
}

// failureCause maps a runner error onto the taxonomy.
func failureCause(res proc.Result, err error) (attempt.Cause, string) {
	var exitErr *proc.ExitError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return attempt.Timeout, err.Error()
	case errors.Is(err, context.Canceled):
		return attempt.Timeout, "cancelled: " + err.Error()
	case errors.As(err, &exitErr):
		stderr := strings.TrimSpace(res.Stderr)
		if stderr == "" {
			return attempt.Unknown, exitErr.Error()
		}
		return attempt.Classify(stderr), stderr
	default:
		return attempt.Unknown, err.Error()
	}
}

type infoJSON struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Uploader  string  `json:"uploader"`
	ViewCount int64   `json:"view_count"`
	Extractor string  `json:"extractor_key"`
	Filename  string  `json:"filename"`
}

func (i infoJSON) duration() time.Duration {
	if i.Duration <= 0 {
		return 0
	}
	return time.Duration(i.Duration * float64(time.Second))
}

func (i infoJSON) metadata() Metadata {
	return Metadata{
		ID:        i.ID,
		Title:     strings.TrimSpace(i.Title),
		Duration:  i.duration(),
		Uploader:  i.Uploader,
		ViewCount: i.ViewCount,
		Extractor: i.Extractor,
	}
}

// parseInfo decodes the last JSON object line the tool printed.
func parseInfo(stdout []byte) (infoJSON, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var info infoJSON
		if err := json.Unmarshal(line, &info); err != nil {
			return infoJSON{}, fmt.Errorf("decode tool metadata: %w", err)
		}
		return info, nil
	}
	return infoJSON{}, errors.New("tool printed no metadata")
}

// pickArtifact prefers the file the tool reported, then the newest file
// with a video extension. Partial downloads are never picked.
func pickArtifact(entries []workspace.Entry, reported string) (workspace.Entry, bool) {
	if reported != "" {
		for _, e := range entries {
			if filepath.Base(e.Path) == filepath.Base(reported) && IsVideo(e.Path) {
				return e, true
			}
		}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if IsVideo(entries[i].Path) {
			return entries[i], true
		}
	}
	return workspace.Entry{}, false
}

// IsVideo reports whether path has a recognised video extension.
func IsVideo(path string) bool {
	return slices.Contains(videoExtensions, strings.ToLower(filepath.Ext(path)))
}
