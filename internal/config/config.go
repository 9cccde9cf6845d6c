// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 25 * units.MiB

// Provider names accepted in the provider setting.
const (
	ProviderTelegram = "telegram"
	ProviderStdout   = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	HTTP     HTTPConfig     `yaml:"http"`
	Telegram TelegramConfig `yaml:"telegram"`
	Limits   LimitsConfig   `yaml:"limits"`
	Alert    AlertConfig    `yaml:"alert"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen         string    `yaml:"listen"`
	Hostname       string    `yaml:"hostname"`
	MaxMessageSize ByteSize  `yaml:"max_message_size"`
	MaxSessions    int64     `yaml:"max_sessions"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig selects the STARTTLS certificate. Files take precedence over a
// generated self-signed certificate.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

// HTTPConfig holds the health, metrics and inbound HTTP listener settings.
type HTTPConfig struct {
	Listen         string `yaml:"listen"`
	InboundEnabled bool   `yaml:"inbound_enabled"`
}

// TelegramConfig holds the Bot API credentials and destination chat.
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	APIBase  string        `yaml:"api_base"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LimitsConfig holds the rate limit and message length budgets.
type LimitsConfig struct {
	RateWindow       time.Duration `yaml:"rate_window"`
	RateMax          int           `yaml:"rate_max"`
	BodyMaxLength    int           `yaml:"body_max_length"`
	SubjectMaxLength int           `yaml:"subject_max_length"`
}

// AlertConfig holds the optional operator alert channels.
type AlertConfig struct {
	SES SESConfig `yaml:"ses"`
}

// SESConfig holds AWS SES configuration for operator alerts.
type SESConfig struct {
	Region          string   `yaml:"region"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	Sender          string   `yaml:"sender"`
	Recipients      []string `yaml:"recipients"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ByteSize is a size in bytes that may be written as a plain number or in
// human form such as "25m" or "10MiB".
type ByteSize int64

// UnmarshalYAML accepts both integers and human-readable sizes.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	size, err := units.RAMInBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*b = ByteSize(size)
	return nil
}

// String returns the size in human-readable binary units.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Errors returned by TelegramConfig.Validate.
var (
	ErrMissingBotToken = errors.New("telegram bot token is not set")
	ErrInvalidBotToken = errors.New("telegram bot token is malformed")
	ErrMissingChatID   = errors.New("telegram chat id is not set")
	ErrInvalidChatID   = errors.New("telegram chat id must be @name or a numeric id")
)

var (
	botTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
	chatIDPattern   = regexp.MustCompile(`^(@[A-Za-z0-9_]+|-?\d+)$`)
)

// Validate checks the presence and shape of the bot token and chat id.
func (t TelegramConfig) Validate() error {
	switch {
	case t.BotToken == "":
		return ErrMissingBotToken
	case !botTokenPattern.MatchString(t.BotToken):
		return ErrInvalidBotToken
	case t.ChatID == "":
		return ErrMissingChatID
	case !chatIDPattern.MatchString(t.ChatID):
		return ErrInvalidChatID
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// SESConfigured returns true if SES alerts have a region, a sender and at
// least one recipient.
func (c *Config) SESConfigured() bool {
	return c.Alert.SES.Region != "" &&
		c.Alert.SES.Sender != "" &&
		len(c.Alert.SES.Recipients) > 0
}

// TLSEnabled returns true if STARTTLS should be offered.
func (c *Config) TLSEnabled() bool {
	return (c.SMTP.TLS.CertFile != "" && c.SMTP.TLS.KeyFile != "") || c.SMTP.TLS.SelfSigned
}

// DryRun returns true when messages are printed instead of sent.
func (c *Config) DryRun() bool {
	return c.Provider == ProviderStdout
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxSessions = 100
	c.HTTP.Listen = ":8080"
	c.Telegram.Timeout = 30 * time.Second
	c.Limits.RateWindow = 60 * time.Second
	c.Limits.RateMax = 10
	c.Limits.BodyMaxLength = 2000
	c.Limits.SubjectMaxLength = 100
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := units.RAMInBytes(v); err == nil {
			c.SMTP.MaxMessageSize = ByteSize(size)
		}
	}
	if v := os.Getenv("SMTP_MAX_SESSIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxSessions = n
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.SMTP.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.SMTP.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_SELF_SIGNED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.TLS.SelfSigned = b
		}
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("HTTP_INBOUND_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.HTTP.InboundEnabled = b
		}
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_API_BASE"); v != "" {
		c.Telegram.APIBase = v
	}
	if v := os.Getenv("TELEGRAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Telegram.Timeout = d
		}
	}

	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Limits.RateWindow = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.RateMax = n
		}
	}
	if v := os.Getenv("BODY_MAX_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.BodyMaxLength = n
		}
	}
	if v := os.Getenv("SUBJECT_MAX_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.SubjectMaxLength = n
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.Alert.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Alert.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Alert.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Alert.SES.Sender = v
	}
	if v := os.Getenv("SES_RECIPIENTS"); v != "" {
		c.Alert.SES.Recipients = splitList(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
