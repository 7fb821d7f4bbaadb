// Package doctor checks a configuration and the host it will run on
// before the bot is started.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/drapik/tg-stream-bot/internal/access"
	"github.com/drapik/tg-stream-bot/internal/auth"
	"github.com/drapik/tg-stream-bot/internal/backend"
	"github.com/drapik/tg-stream-bot/internal/config"
	"github.com/drapik/tg-stream-bot/internal/lock"
	"github.com/drapik/tg-stream-bot/internal/profile"
	"github.com/drapik/tg-stream-bot/internal/storage"
	"github.com/drapik/tg-stream-bot/internal/transcode"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config against the local environment.
type Doctor struct {
	cfg *config.Config

	lookPath     func(string) (string, error)
	locateFFmpeg func(explicit, bundledDir string) (string, error)
	checkLocal   func(path, key string) error
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:          cfg,
		lookPath:     exec.LookPath,
		locateFFmpeg: transcode.Locate,
		checkLocal:   storage.CheckLocalFilesystem,
	}
}

// Check is New(cfg).Validate().
func Check(cfg *config.Config) *Result {
	return New(cfg).Validate()
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTelegram(r)
	d.validateTools(r)
	d.validateAccess(r)
	d.validateBackends(r)
	d.validateWorkspace(r)
	d.validateStorage(r)
	d.validateAPI(r)
	d.warnMissingCookies(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateTelegram(r *Result) {
	if err := d.cfg.ValidateTelegram(); err != nil {
		d.addError(r, "telegram", "telegram", err.Error())
	}
}

// validateTools checks that yt-dlp resolves and that an encoder exists
// when transcoding is on.
func (d *Doctor) validateTools(r *Result) {
	ytdlp := d.cfg.ResolveTool(d.cfg.Tools.YtDLP)
	if _, err := d.lookPath(ytdlp); err != nil {
		d.addError(r, "tools", "tools.yt_dlp", fmt.Sprintf("yt-dlp %q not found: %v", ytdlp, err))
	}

	_, err := d.locateFFmpeg(d.cfg.ResolveTool(d.cfg.Tools.FFmpeg), d.cfg.ResolvePath(d.cfg.Tools.FFmpegDir))
	tc := d.cfg.Acquisition.Transcode
	switch {
	case err == nil:
	case tc.Enabled && !tc.WASMFallback:
		d.addError(r, "tools", "tools.ffmpeg", "transcoding is enabled but no ffmpeg was found and wasm_fallback is off")
	case tc.Enabled:
		d.addWarning(r, "tools", "tools.ffmpeg", "no native ffmpeg found; transcoding will use the slower wasm build")
	default:
		d.addWarning(r, "tools", "tools.ffmpeg", "no ffmpeg found; yt-dlp cannot merge separate audio and video streams")
	}
}

func (d *Doctor) validateAccess(r *Result) {
	table, err := access.TableFromConfig(d.cfg.Access)
	if err != nil {
		d.addError(r, "access", "access.whitelist", err.Error())
		return
	}
	if table.Len() == 0 {
		d.addWarning(r, "access", "access", "access table is empty; every user will be denied")
		return
	}

	admins := 0
	for _, id := range d.cfg.Access.AdminIDs {
		if id <= 0 {
			d.addError(r, "access", "access.admin_ids", fmt.Sprintf("admin id %d is not a user id", id))
		}
		if role, ok := d.cfg.Access.Whitelist[id]; ok && role != string(access.Admin) {
			d.addWarning(r, "access", fmt.Sprintf("access.whitelist[%d]", id),
				fmt.Sprintf("user %d is listed as %s but is also in admin_ids; admin wins", id, role))
		}
	}
	ids := make([]int64, 0, len(d.cfg.Access.Whitelist))
	for id := range d.cfg.Access.Whitelist {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if id <= 0 {
			d.addError(r, "access", fmt.Sprintf("access.whitelist[%d]", id), fmt.Sprintf("%d is not a user id", id))
		}
	}

	for _, e := range access.NewGuard(table).Entries() {
		if e.Role == access.Admin {
			admins++
		}
	}
	if admins == 0 {
		d.addWarning(r, "access", "access", "no admin configured; /users and /reload are unreachable")
	}
}

// validateBackends resolves each family's profile set the way the
// runtime does.
func (d *Doctor) validateBackends(r *Result) {
	known := make(map[string]bool)
	enabled := 0
	for _, fam := range backend.Families() {
		name := string(fam.ID)
		known[name] = true
		if d.cfg.Backends[name].Disabled {
			continue
		}
		enabled++

		profiles, err := profile.ForBackend(d.cfg, name)
		if err == nil {
			err = profile.ValidateSet(profiles)
		}
		if err != nil {
			d.addError(r, "profiles", fmt.Sprintf("backends.%s.profiles", name), err.Error())
		}
	}

	names := make([]string, 0, len(d.cfg.Backends))
	for name := range d.cfg.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !known[name] {
			d.addError(r, "profiles", "backends."+name, fmt.Sprintf("unknown backend %q", name))
		}
	}

	if enabled == 0 {
		d.addError(r, "profiles", "backends", "every backend is disabled")
	}
}

// validateWorkspace checks that the root is writable and that no other
// instance holds it.
func (d *Doctor) validateWorkspace(r *Result) {
	root := d.cfg.ResolvePath(d.cfg.Workspace.Root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		d.addError(r, "workspace", "workspace.root", fmt.Sprintf("cannot create %s: %v", root, err))
		return
	}
	f, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		d.addError(r, "workspace", "workspace.root", fmt.Sprintf("%s is not writable: %v", root, err))
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	l, err := lock.Acquire(lock.PathFor(root))
	switch {
	case errors.Is(err, lock.ErrHeld):
		d.addWarning(r, "workspace", "workspace.root", err.Error())
	case err != nil:
		d.addError(r, "workspace", "workspace.root", err.Error())
	default:
		_ = l.Release()
	}

	if d.cfg.Workspace.SweepMaxAge > 0 && d.cfg.Workspace.SweepMaxAge < d.cfg.Acquisition.RequestBudget {
		d.addWarning(r, "workspace", "workspace.sweep_max_age",
			"sweep_max_age is shorter than request_budget; a slow acquisition could be swept")
	}
}

// validateStorage flags network mounts. The state database refuses to
// open on one; workspaces only get slow and flaky.
func (d *Doctor) validateStorage(r *Result) {
	if err := d.checkLocal(d.cfg.ResolvePath(d.cfg.State.Path), "state.path"); err != nil {
		d.addError(r, "storage", "state.path", err.Error())
	}
	if err := d.checkLocal(d.cfg.ResolvePath(d.cfg.Workspace.Root), "workspace.root"); err != nil {
		d.addWarning(r, "storage", "workspace.root", err.Error())
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.tokens", "API enabled but no tokens configured; only /healthz is reachable")
	}
	for i, tok := range d.cfg.API.Tokens {
		for j, scope := range tok.Scopes {
			if !auth.Known(scope) {
				d.addError(r, "api", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j), fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
	if d.cfg.Webhook.Enabled && d.cfg.Webhook.Listen == d.cfg.API.Listen {
		d.addError(r, "webhook", "webhook.listen", "webhook and api cannot share a listen address")
	}
}

func (d *Doctor) warnMissingCookies(r *Result) {
	path := d.cfg.ResolvePath(d.cfg.Acquisition.CookiesFile)
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		d.addWarning(r, "acquisition", "acquisition.cookies_file",
			fmt.Sprintf("cookies file %s is unreadable; the cookies profile is skipped", path))
	}
}

// FormatHuman returns a human-readable report. Severity labels are
// coloured when color output is enabled.
func FormatHuman(r *Result) string {
	var b strings.Builder

	ok := color.New(color.FgGreen, color.Bold)
	bad := color.New(color.FgRed, color.Bold)
	errLabel := color.New(color.FgRed).Sprint("ERROR")
	warnLabel := color.New(color.FgYellow).Sprint("WARN ")

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString(ok.Sprint("Configuration valid."))
		b.WriteByte('\n')
		return b.String()
	case r.Valid:
		b.WriteString(ok.Sprintf("Configuration valid (%d warning(s))", len(r.Warnings)))
		b.WriteByte('\n')
	default:
		b.WriteString(bad.Sprintf("Configuration invalid (%d error(s), %d warning(s))", len(r.Errors), len(r.Warnings)))
		b.WriteByte('\n')
	}

	for _, e := range r.Errors {
		writeIssue(&b, errLabel, e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, warnLabel, w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
