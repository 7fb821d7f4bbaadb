package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "TG_STREAM_BOT_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validRoles = map[string]bool{"admin": true, "moderator": true, "user": true}

// Load reads, interpolates, defaults and validates a configuration file.
// A directory argument means <dir>/config.yaml. If a .checksums seal sits
// next to the file it must match.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifySeal(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse interpolates ${VAR} references, decodes YAML over the defaults and
// normalizes the result. It does not validate.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	normalize(cfg)
	return cfg, nil
}

// LoadAccess re-reads only the role table from configPath. The rest of the
// file is still validated so a broken edit cannot be half-applied.
func LoadAccess(configPath string) (AccessConfig, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return AccessConfig{}, err
	}
	return cfg.Access, nil
}

// Discover finds a config file when --config was not given.
func Discover() (string, error) {
	var candidates []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, "config.yaml")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "tg-stream-bot", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "tg-stream-bot", "config.yaml"))
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config file found (tried %s)", strings.Join(candidates, ", "))
}

func normalize(cfg *Config) {
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Service.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Service.LogFormat))

	if cfg.Access.Whitelist == nil {
		cfg.Access.Whitelist = make(map[int64]string)
	}
	for id, role := range cfg.Access.Whitelist {
		cfg.Access.Whitelist[id] = strings.ToLower(strings.TrimSpace(role))
	}
	// admin_ids always win over a weaker whitelist entry.
	for _, id := range cfg.Access.AdminIDs {
		cfg.Access.Whitelist[id] = "admin"
	}

	if cfg.Webhook.Path != "" && !strings.HasPrefix(cfg.Webhook.Path, "/") {
		cfg.Webhook.Path = "/" + cfg.Webhook.Path
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.Workers <= 0 {
		return fmt.Errorf("service.workers must be positive")
	}
	if cfg.Service.QueueSize <= 0 {
		return fmt.Errorf("service.queue_size must be positive")
	}

	if cfg.Telegram.CaptionLimit <= 3 {
		return fmt.Errorf("telegram.caption_limit must be greater than 3")
	}

	for id, role := range cfg.Access.Whitelist {
		if !validRoles[role] {
			return fmt.Errorf("access.whitelist[%d]: unknown role %q (want admin, moderator or user)", id, role)
		}
	}

	if cfg.Acquisition.MaxArtifactSize <= 0 {
		return fmt.Errorf("acquisition.max_artifact_size must be positive")
	}
	if cfg.Acquisition.RequestBudget <= 0 {
		return fmt.Errorf("acquisition.request_budget must be positive")
	}
	if cfg.Acquisition.Transcode.Enabled && cfg.Acquisition.Transcode.Timeout <= 0 {
		return fmt.Errorf("acquisition.transcode.timeout must be positive")
	}

	if strings.TrimSpace(cfg.Tools.YtDLP) == "" {
		return fmt.Errorf("tools.yt_dlp is required")
	}
	if cfg.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if cfg.Workspace.SweepInterval < 0 || cfg.Workspace.SweepMaxAge < 0 {
		return fmt.Errorf("workspace sweep settings must not be negative")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		for i, tok := range cfg.API.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Webhook.Enabled {
		if cfg.Webhook.Secret == "" {
			return fmt.Errorf("webhook.secret is required when webhook is enabled")
		}
		if err := unresolved("webhook.secret", cfg.Webhook.Secret); err != nil {
			return err
		}
		if cfg.Webhook.SignatureHeader == "" {
			return fmt.Errorf("webhook.signature_header is required")
		}
	}

	for name, b := range cfg.Backends {
		for i, p := range b.Profiles {
			if strings.TrimSpace(p.Name) == "" {
				return fmt.Errorf("backends.%s.profiles[%d].name is required", name, i)
			}
			if strings.TrimSpace(p.Format) == "" {
				return fmt.Errorf("backends.%s.profiles[%d].format is required", name, i)
			}
			if p.Timeout < 0 {
				return fmt.Errorf("backends.%s.profiles[%d].timeout must not be negative", name, i)
			}
			for _, s := range p.Skip {
				if s != "dash" && s != "hls" {
					return fmt.Errorf("backends.%s.profiles[%d].skip: unknown stream type %q", name, i, s)
				}
			}
		}
	}

	return nil
}

// ValidateTelegram checks the fields only the bot runtime needs, so that
// offline commands (probe, doctor, history) work without credentials.
func (c *Config) ValidateTelegram() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if err := unresolved("telegram.bot_token", c.Telegram.BotToken); err != nil {
		return err
	}
	if c.Telegram.AppID <= 0 {
		return fmt.Errorf("telegram.app_id must be positive")
	}
	if c.Telegram.AppHash == "" {
		return fmt.Errorf("telegram.app_hash is required")
	}
	if err := unresolved("telegram.app_hash", c.Telegram.AppHash); err != nil {
		return err
	}
	if c.Telegram.SessionPath == "" {
		return fmt.Errorf("telegram.session_path is required")
	}
	return nil
}

// ResolvePath resolves p relative to the config file's directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.SourcePath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.SourcePath), p)
}

// ResolveTool is ResolvePath for executables: a bare name is left alone so
// that it is looked up in PATH.
func (c *Config) ResolveTool(p string) string {
	if !strings.ContainsRune(p, filepath.Separator) {
		return p
	}
	return c.ResolvePath(p)
}
