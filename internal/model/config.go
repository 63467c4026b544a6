package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Reply modes for a label rule.
const (
	ReplyNone  = "none"
	ReplyDraft = "draft"
	ReplySend  = "send"
)

// MailConfig holds the IMAP/SMTP account settings. The password is read
// from the keyring, never from this file.
type MailConfig struct {
	IMAPHost      string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort      string `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost      string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort      string `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username      string `mapstructure:"username" yaml:"username"`
	TLS           bool   `mapstructure:"tls" yaml:"tls"`
	Mailbox       string `mapstructure:"mailbox" yaml:"mailbox"`
	DraftsMailbox string `mapstructure:"drafts_mailbox" yaml:"drafts_mailbox"`
}

// LLMConfig holds settings for the external language model.
type LLMConfig struct {
	Endpoint          string  `mapstructure:"endpoint" yaml:"endpoint"`
	Model             string  `mapstructure:"model" yaml:"model"`
	Temperature       float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxOutputTokens   int     `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	RequestTimeoutSec int     `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec"`
	MaxBackoffRetries int     `mapstructure:"max_backoff_retries" yaml:"max_backoff_retries"`
	ClassifyPrompt    string  `mapstructure:"classify_prompt" yaml:"classify_prompt"`
}

// RequestTimeout returns the per-request timeout.
func (c LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// StoreConfig selects and configures the durable key-value backend.
type StoreConfig struct {
	// Backend is "sqlite" or "redis".
	Backend       string `mapstructure:"backend" yaml:"backend"`
	Path          string `mapstructure:"path" yaml:"path"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// ScanConfig controls the delta scanner.
type ScanConfig struct {
	FullWindowDays    int `mapstructure:"full_window_days" yaml:"full_window_days"`
	CursorMaxAgeHours int `mapstructure:"cursor_max_age_hours" yaml:"cursor_max_age_hours"`
	MaxItems          int `mapstructure:"max_items" yaml:"max_items"`
}

// ClassifyConfig controls batch pacing.
type ClassifyConfig struct {
	BatchDelayMs int `mapstructure:"batch_delay_ms" yaml:"batch_delay_ms"`
	Parallel     int `mapstructure:"parallel" yaml:"parallel"`
}

// LabelRule describes what happens to threads given a label.
type LabelRule struct {
	// Reply is one of ReplyNone, ReplyDraft, ReplySend. Empty defers to
	// the model's needs_reply flag and ReplyConfig.DefaultMode.
	Reply string `mapstructure:"reply" yaml:"reply"`

	// Instructions are appended to the reply prompt for this label.
	Instructions string `mapstructure:"instructions" yaml:"instructions"`
}

// LabelsConfig names the marker labels and per-label rules.
type LabelsConfig struct {
	Processed       string               `mapstructure:"processed" yaml:"processed"`
	Blocked         string               `mapstructure:"blocked" yaml:"blocked"`
	Error           string               `mapstructure:"error" yaml:"error"`
	Allowed         []string             `mapstructure:"allowed" yaml:"allowed"`
	Rules           map[string]LabelRule `mapstructure:"rules" yaml:"rules"`
	CacheTTLMinutes int                  `mapstructure:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
}

// Rule returns the rule for label. Viper lower-cases map keys, so the
// lookup is case-insensitive.
func (c LabelsConfig) Rule(label string) (LabelRule, bool) {
	r, ok := c.Rules[strings.ToLower(label)]
	return r, ok
}

// ReplyConfig controls reply generation.
type ReplyConfig struct {
	DefaultMode string `mapstructure:"default_mode" yaml:"default_mode"`
	Prompt      string `mapstructure:"prompt" yaml:"prompt"`
	Signature   string `mapstructure:"signature" yaml:"signature"`
}

// ContinuationConfig bounds a single invocation.
type ContinuationConfig struct {
	MaxInvocationSec int `mapstructure:"max_invocation_sec" yaml:"max_invocation_sec"`
	SafetyMarginSec  int `mapstructure:"safety_margin_sec" yaml:"safety_margin_sec"`
	ResumeDelaySec   int `mapstructure:"resume_delay_sec" yaml:"resume_delay_sec"`
}

// Budget returns the usable wall-clock time per invocation.
func (c ContinuationConfig) Budget() time.Duration {
	return time.Duration(c.MaxInvocationSec-c.SafetyMarginSec) * time.Second
}

// RedactionConfig controls the redaction codec.
type RedactionConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	TTLMinutes int  `mapstructure:"ttl_minutes" yaml:"ttl_minutes"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ServeConfig controls the long-running scheduler.
type ServeConfig struct {
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Mail         MailConfig         `mapstructure:"mail" yaml:"mail"`
	LLM          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Scan         ScanConfig         `mapstructure:"scan" yaml:"scan"`
	Classify     ClassifyConfig     `mapstructure:"classify" yaml:"classify"`
	Labels       LabelsConfig       `mapstructure:"labels" yaml:"labels"`
	Reply        ReplyConfig        `mapstructure:"reply" yaml:"reply"`
	Continuation ContinuationConfig `mapstructure:"continuation" yaml:"continuation"`
	Redaction    RedactionConfig    `mapstructure:"redaction" yaml:"redaction"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Serve        ServeConfig        `mapstructure:"serve" yaml:"serve"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/inboxtriage/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultDBPath returns the default SQLite database location.
func DefaultDBPath() string {
	return filepath.Join(configDir(), "inboxtriage.db")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "inboxtriage")
}

var defaults = map[string]any{
	"mail.imap_port":                  "993",
	"mail.smtp_port":                  "465",
	"mail.tls":                        true,
	"mail.mailbox":                    "INBOX",
	"mail.drafts_mailbox":             "Drafts",
	"llm.endpoint":                    "https://generativelanguage.googleapis.com/v1beta",
	"llm.model":                       "gemini-2.0-flash",
	"llm.temperature":                 0.3,
	"llm.max_output_tokens":           2048,
	"llm.request_timeout_sec":         45,
	"llm.max_backoff_retries":         3,
	"store.backend":                   "sqlite",
	"store.redis_addr":                "localhost:6379",
	"store.redis_prefix":              "inboxtriage:",
	"scan.full_window_days":           7,
	"scan.cursor_max_age_hours":       168,
	"scan.max_items":                  200,
	"classify.batch_delay_ms":         1000,
	"classify.parallel":               1,
	"labels.processed":                "AI/Processed",
	"labels.blocked":                  "AI/Blocked",
	"labels.error":                    "AI/Error",
	"labels.cache_ttl_minutes":        360,
	"reply.default_mode":              ReplyNone,
	"continuation.max_invocation_sec": 360,
	"continuation.safety_margin_sec":  90,
	"continuation.resume_delay_sec":   60,
	"redaction.enabled":               true,
	"redaction.ttl_minutes":           30,
	"log.level":                       "info",
	"log.format":                      "text",
	"serve.interval_sec":              900,
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	cfg := &AppConfig{}
	_ = v.Unmarshal(cfg)
	cfg.Store.Path = DefaultDBPath()
	return cfg
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with INBOXTRIAGE_ override file values.
// If the file does not exist, defaults are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INBOXTRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetDefault("store.path", DefaultDBPath())

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *AppConfig) Validate() error {
	var errs []error

	budget := c.Continuation.Budget()
	if c.Continuation.SafetyMarginSec <= 0 {
		errs = append(errs, errors.New("continuation.safety_margin_sec must be positive"))
	}
	if budget <= 0 {
		errs = append(errs, errors.New(
			"continuation.max_invocation_sec must exceed safety_margin_sec"))
	}
	if c.LLM.RequestTimeout() <= 0 || c.LLM.RequestTimeout() >= budget {
		errs = append(errs, fmt.Errorf(
			"llm.request_timeout_sec (%ds) must be positive and shorter than the invocation budget (%s)",
			c.LLM.RequestTimeoutSec, budget))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f out of range [0,2]", c.LLM.Temperature))
	}

	switch c.Store.Backend {
	case "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be sqlite or redis", c.Store.Backend))
	}

	if !validReplyMode(c.Reply.DefaultMode) {
		errs = append(errs, fmt.Errorf("reply.default_mode %q invalid", c.Reply.DefaultMode))
	}
	for name, rule := range c.Labels.Rules {
		if rule.Reply != "" && !validReplyMode(rule.Reply) {
			errs = append(errs, fmt.Errorf("labels.rules.%s.reply %q invalid", name, rule.Reply))
		}
	}

	markers := []string{c.Labels.Processed, c.Labels.Blocked, c.Labels.Error}
	for _, m := range markers {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, errors.New("marker label names must not be empty"))
			break
		}
	}

	return errors.Join(errs...)
}

func validReplyMode(m string) bool {
	switch m {
	case ReplyNone, ReplyDraft, ReplySend:
		return true
	}
	return false
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("mail", cfg.Mail)
	v.Set("llm", cfg.LLM)
	v.Set("store", cfg.Store)
	v.Set("scan", cfg.Scan)
	v.Set("classify", cfg.Classify)
	v.Set("labels", cfg.Labels)
	v.Set("reply", cfg.Reply)
	v.Set("continuation", cfg.Continuation)
	v.Set("redaction", cfg.Redaction)
	v.Set("log", cfg.Log)
	v.Set("serve", cfg.Serve)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
