package config

import (
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/copima/copima/core"
)

const (
	FileNamingLowercase = "lowercase"
	FileNamingKebab     = "kebab-case"
	FileNamingSnake     = "snake_case"
)

const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionBrotli = "brotli"
)

type GitLabConfig struct {
	Host           string `koanf:"host"`
	AccessToken    string `koanf:"access_token"`
	RefreshToken   string `koanf:"refresh_token"`
	AccountID      string `koanf:"account_id"`
	Timeout        int    `koanf:"timeout"`
	MaxConcurrency int    `koanf:"max_concurrency"`
	RateLimit      int    `koanf:"rate_limit"`
}

// RequestTimeout returns the per-request deadline.
func (c GitLabConfig) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

type DatabaseConfig struct {
	Path    string `koanf:"path"`
	WALMode bool   `koanf:"wal_mode"`
	Timeout int    `koanf:"timeout"`
}

type OutputConfig struct {
	RootDir     string `koanf:"root_dir"`
	FileNaming  string `koanf:"file_naming"`
	PrettyPrint bool   `koanf:"pretty_print"`
	Compression string `koanf:"compression"`
}

type LoggingConfig struct {
	Level   string `koanf:"level"`
	Format  string `koanf:"format"`
	File    string `koanf:"file"`
	Console bool   `koanf:"console"`
	Colors  bool   `koanf:"colors"`
}

type ProgressConfig struct {
	Enabled  bool   `koanf:"enabled"`
	File     string `koanf:"file"`
	Interval int    `koanf:"interval"`
}

func (c ProgressConfig) ReportInterval() time.Duration {
	if c.Interval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Interval) * time.Second
}

type ResumeConfig struct {
	Enabled          bool   `koanf:"enabled"`
	StateFile        string `koanf:"state_file"`
	AutoSaveInterval int    `koanf:"auto_save_interval"`
}

func (c ResumeConfig) SaveInterval() time.Duration {
	if c.AutoSaveInterval <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.AutoSaveInterval) * time.Second
}

// ProviderConfig describes one OAuth2 provider. Immutable after load.
type ProviderConfig struct {
	ClientID         string   `koanf:"client_id"`
	ClientSecret     string   `koanf:"client_secret"`
	AuthorizationURL string   `koanf:"authorization_url"`
	TokenURL         string   `koanf:"token_url"`
	RedirectURI      string   `koanf:"redirect_uri"`
	Scopes           []string `koanf:"scopes"`
}

type OAuth2ServerConfig struct {
	Port         int    `koanf:"port"`
	CallbackPath string `koanf:"callback_path"`
	Timeout      int    `koanf:"timeout"`
}

func (c OAuth2ServerConfig) WaitTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

type OAuth2Config struct {
	Providers map[string]ProviderConfig `koanf:"providers"`
	Server    OAuth2ServerConfig        `koanf:"server"`
}

type Config struct {
	GitLab   GitLabConfig   `koanf:"gitlab"`
	Database DatabaseConfig `koanf:"database"`
	Output   OutputConfig   `koanf:"output"`
	Logging  LoggingConfig  `koanf:"logging"`
	Progress ProgressConfig `koanf:"progress"`
	Resume   ResumeConfig   `koanf:"resume"`
	OAuth2   OAuth2Config   `koanf:"oauth2"`
}

func DefaultConfig() Config {
	return Config{
		GitLab: GitLabConfig{
			Host:           "https://gitlab.com",
			Timeout:        30,
			MaxConcurrency: 4,
			RateLimit:      600,
		},
		Database: DatabaseConfig{
			Path:    "./copima.db.json",
			WALMode: true,
			Timeout: 5000,
		},
		Output: OutputConfig{
			RootDir:     "./output",
			FileNaming:  FileNamingLowercase,
			PrettyPrint: false,
			Compression: CompressionNone,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Console: true,
			Colors:  true,
		},
		Progress: ProgressConfig{
			Enabled:  true,
			File:     "./progress.yaml",
			Interval: 10,
		},
		Resume: ResumeConfig{
			Enabled:          true,
			StateFile:        "./resume-state.json",
			AutoSaveInterval: 5,
		},
		OAuth2: OAuth2Config{
			Providers: map[string]ProviderConfig{},
			Server: OAuth2ServerConfig{
				Port:         3000,
				CallbackPath: "/callback",
				Timeout:      300,
			},
		},
	}
}

// Severity levels for validation issues.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

type Issue struct {
	Field    string `json:"field"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Issues checks every field and returns the full list of findings, never
// stopping at the first error.
func (c Config) Issues() []Issue {
	issues := []Issue{}
	report := func(field, severity, message string) {
		issues = append(issues, Issue{Field: field, Severity: severity, Message: message})
	}

	host := strings.TrimSpace(c.GitLab.Host)
	if host == "" {
		report("gitlab.host", SeverityError, "host is required")
	} else if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		report("gitlab.host", SeverityError, "host must be an http(s) URL")
	}
	if c.GitLab.Timeout < 0 {
		report("gitlab.timeout", SeverityError, "timeout must not be negative")
	}
	if c.GitLab.MaxConcurrency < 1 {
		report("gitlab.max_concurrency", SeverityError, "max_concurrency must be at least 1")
	}
	if c.GitLab.RateLimit < 1 {
		report("gitlab.rate_limit", SeverityError, "rate_limit must be at least 1 request per minute")
	}
	if strings.TrimSpace(c.GitLab.AccessToken) == "" {
		report("gitlab.access_token", SeverityWarning, "no access token configured; run auth first")
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		report("database.path", SeverityError, "path is required")
	}

	if strings.TrimSpace(c.Output.RootDir) == "" {
		report("output.root_dir", SeverityError, "root_dir is required")
	}
	switch c.Output.FileNaming {
	case FileNamingLowercase, FileNamingKebab, FileNamingSnake:
	default:
		report("output.file_naming", SeverityError,
			fmt.Sprintf("unknown file naming %q (expected lowercase, kebab-case or snake_case)", c.Output.FileNaming))
	}
	switch c.Output.Compression {
	case CompressionNone, CompressionGzip, CompressionBrotli:
	default:
		report("output.compression", SeverityError,
			fmt.Sprintf("unknown compression %q (expected none, gzip or brotli)", c.Output.Compression))
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		report("logging.level", SeverityError, fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}

	if c.Resume.Enabled && strings.TrimSpace(c.Resume.StateFile) == "" {
		report("resume.state_file", SeverityError, "state_file is required when resume is enabled")
	}
	if c.Resume.AutoSaveInterval < 0 {
		report("resume.auto_save_interval", SeverityError, "auto_save_interval must not be negative")
	}

	if c.OAuth2.Server.Port < 0 || c.OAuth2.Server.Port > 65535 {
		report("oauth2.server.port", SeverityError, "port must be between 0 and 65535")
	}
	for name, provider := range c.OAuth2.Providers {
		prefix := "oauth2.providers." + name
		if strings.TrimSpace(provider.ClientID) == "" {
			report(prefix+".client_id", SeverityError, "client_id is required")
		}
		// gitlab and github presets fill their endpoints; anything else
		// must spell them out.
		if hasEndpointPreset(name) {
			continue
		}
		if strings.TrimSpace(provider.AuthorizationURL) == "" {
			report(prefix+".authorization_url", SeverityError, "authorization_url is required")
		}
		if strings.TrimSpace(provider.TokenURL) == "" {
			report(prefix+".token_url", SeverityError, "token_url is required")
		}
	}

	return issues
}

func hasEndpointPreset(name string) bool {
	switch core.ProviderID(strings.ToLower(strings.TrimSpace(name))) {
	case core.ProviderGitLab, core.ProviderGitHub:
		return true
	}
	return false
}

// Validate returns a configuration-invalid error carrying every error-severity
// issue, or nil when the configuration is usable.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: configuration is nil")
	}
	issues := c.Issues()
	failed := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			failed = append(failed, issue)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	fields := make([]string, 0, len(failed))
	details := make([]map[string]any, 0, len(failed))
	for _, issue := range failed {
		fields = append(fields, issue.Field)
		details = append(details, map[string]any{
			"field":    issue.Field,
			"severity": issue.Severity,
			"message":  issue.Message,
		})
	}
	return core.NewError(
		fmt.Sprintf("config: invalid configuration (%s)", strings.Join(fields, ", ")),
		goerrors.CategoryValidation,
		core.ErrorConfigInvalid,
	).WithMetadata(map[string]any{"issues": details})
}
