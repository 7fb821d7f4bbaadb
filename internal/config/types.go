package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tg-stream-bot configuration.
type Config struct {
	Service     ServiceConfig          `yaml:"service"`
	Telegram    TelegramConfig         `yaml:"telegram"`
	Access      AccessConfig           `yaml:"access"`
	Acquisition AcquisitionConfig      `yaml:"acquisition"`
	Tools       ToolsConfig            `yaml:"tools"`
	Workspace   WorkspaceConfig        `yaml:"workspace"`
	State       StateConfig            `yaml:"state"`
	API         APIConfig              `yaml:"api,omitempty"`
	Webhook     WebhookConfig          `yaml:"webhook,omitempty"`
	Backends    map[string]BackendConf `yaml:"backends,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core process settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

// TelegramConfig holds MTProto bot credentials.
type TelegramConfig struct {
	AppID        int    `yaml:"app_id"`
	AppHash      string `yaml:"app_hash"`
	BotToken     string `yaml:"bot_token"`
	SessionPath  string `yaml:"session_path"`
	CaptionLimit int    `yaml:"caption_limit"`
}

// AccessConfig is the role table. It is the only section reloadable at runtime.
type AccessConfig struct {
	AdminIDs  IDList           `yaml:"admin_ids"`
	Whitelist map[int64]string `yaml:"whitelist"`
}

// AcquisitionConfig bounds a single acquisition.
type AcquisitionConfig struct {
	MaxArtifactSize ByteSize        `yaml:"max_artifact_size"`
	RequestBudget   time.Duration   `yaml:"request_budget"`
	ProbeTimeout    time.Duration   `yaml:"probe_timeout"`
	CookiesFile     string          `yaml:"cookies_file"`
	Transcode       TranscodeConfig `yaml:"transcode"`
}

// TranscodeConfig controls the post-processing pass.
type TranscodeConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Timeout      time.Duration `yaml:"timeout"`
	WASMFallback bool          `yaml:"wasm_fallback"`
}

// ToolsConfig locates the external executables.
type ToolsConfig struct {
	YtDLP string `yaml:"yt_dlp"`
	// FFmpeg is an explicit binary path. When empty the bundled directory
	// is searched first, then PATH.
	FFmpeg    string `yaml:"ffmpeg"`
	FFmpegDir string `yaml:"ffmpeg_dir"`
}

// WorkspaceConfig defines where per-request directories live and how
// orphans are swept.
type WorkspaceConfig struct {
	Root          string        `yaml:"root"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepMaxAge   time.Duration `yaml:"sweep_max_age"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the ops HTTP API.
type APIConfig struct {
	Enabled bool       `yaml:"enabled"`
	Listen  string     `yaml:"listen"`
	Tokens  []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhookConfig defines the signed link-submission endpoint.
type WebhookConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Listen          string   `yaml:"listen"`
	Path            string   `yaml:"path"`
	Secret          string   `yaml:"secret"`
	SignatureHeader string   `yaml:"signature_header"`
	MaxBodySize     ByteSize `yaml:"max_body_size"`
}

// BackendConf overrides one backend family.
type BackendConf struct {
	// Disabled removes the family from the classifier.
	Disabled bool          `yaml:"disabled"`
	Profiles []ProfileConf `yaml:"profiles,omitempty"`
}

// ProfileConf is the YAML form of a retrieval profile.
type ProfileConf struct {
	Name           string            `yaml:"name"`
	Rank           int               `yaml:"rank,omitempty"`
	Format         string            `yaml:"format"`
	Timeout        time.Duration     `yaml:"timeout,omitempty"`
	UserAgent      string            `yaml:"user_agent,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	ExtractorArgs  map[string]string `yaml:"extractor_args,omitempty"`
	CookiesFile    string            `yaml:"cookies_file,omitempty"`
	Skip           []string          `yaml:"skip,omitempty"`
	MergeMP4       bool              `yaml:"merge_mp4,omitempty"`
	OutputTemplate string            `yaml:"output_template,omitempty"`
	SocketTimeout  time.Duration     `yaml:"socket_timeout,omitempty"`
	Retries        int               `yaml:"retries,omitempty"`
}

// ByteSize accepts either an integer byte count or a human string such as
// "50MB" or "1.5GiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*b = 0
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, raw, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// IDList accepts a YAML sequence of ids or a comma separated string, so
// that `admin_ids: ${ADMIN_IDS}` works.
type IDList []int64

func (l *IDList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var ids []int64
		if err := value.Decode(&ids); err != nil {
			return err
		}
		*l = ids
		return nil
	case yaml.ScalarNode:
		var ids []int64
		for _, part := range strings.Split(value.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return fmt.Errorf("line %d: invalid id %q", value.Line, part)
			}
			ids = append(ids, id)
		}
		*l = ids
		return nil
	default:
		return fmt.Errorf("line %d: admin_ids must be a list or comma separated string", value.Line)
	}
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "tg-stream-bot",
			LogLevel:  "info",
			LogFormat: "json",
			Workers:   4,
			QueueSize: 32,
		},
		Telegram: TelegramConfig{
			SessionPath:  "./data/session.json",
			CaptionLimit: 1024,
		},
		Acquisition: AcquisitionConfig{
			MaxArtifactSize: 50 * 1024 * 1024,
			RequestBudget:   3 * time.Minute,
			ProbeTimeout:    30 * time.Second,
			Transcode: TranscodeConfig{
				Timeout: 2 * time.Minute,
			},
		},
		Tools: ToolsConfig{
			YtDLP:     "yt-dlp",
			FFmpegDir: "./ffmpeg/bin",
		},
		Workspace: WorkspaceConfig{
			Root:          "./data/workspaces",
			SweepInterval: time.Hour,
			SweepMaxAge:   24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Listen: "localhost:8080",
		},
		Webhook: WebhookConfig{
			Listen:          "localhost:8091",
			Path:            "/hooks/submit",
			SignatureHeader: "X-Signature-256",
			MaxBodySize:     64 * 1024,
		},
	}
}
