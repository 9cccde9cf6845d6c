// Package main is the entry point for the mail2telegram relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail2telegram/internal/config"
	"github.com/shineum/mail2telegram/internal/httpapi"
	"github.com/shineum/mail2telegram/internal/metrics"
	"github.com/shineum/mail2telegram/internal/provider"
	"github.com/shineum/mail2telegram/internal/provider/ses"
	"github.com/shineum/mail2telegram/internal/provider/stdout"
	"github.com/shineum/mail2telegram/internal/provider/telegram"
	"github.com/shineum/mail2telegram/internal/ratelimit"
	"github.com/shineum/mail2telegram/internal/relay"
	"github.com/shineum/mail2telegram/internal/smtp"
	smtptls "github.com/shineum/mail2telegram/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mail2telegram stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("mail2telegram stopped")
}

// run wires the pipeline to its event sources and blocks until ctx is
// cancelled or a listener fails.
func run(ctx context.Context, cfg *config.Config) error {
	tlsConfig, err := smtptls.Load(smtptls.Options{
		CertFile:   cfg.SMTP.TLS.CertFile,
		KeyFile:    cfg.SMTP.TLS.KeyFile,
		SelfSigned: cfg.SMTP.TLS.SelfSigned,
		Hostname:   cfg.SMTP.Hostname,
	})
	if err != nil {
		return fmt.Errorf("setup TLS: %w", err)
	}

	prov, err := selectProvider(cfg)
	if err != nil {
		return err
	}

	alerters, err := selectAlerters(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	pipeline := relay.New(prov, ratelimit.New(cfg.Limits.RateWindow, cfg.Limits.RateMax), pipelineOptions(cfg, m, alerters))

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Deliverer:      pipeline,
		TLSConfig:      tlsConfig,
		MaxMessageSize: int64(cfg.SMTP.MaxMessageSize),
		MaxSessions:    cfg.SMTP.MaxSessions,
		Metrics:        m,
	})

	httpServer := httpapi.New(httpapi.Config{
		ListenAddr:     cfg.HTTP.Listen,
		InboundEnabled: cfg.HTTP.InboundEnabled,
		MaxBodySize:    int64(cfg.SMTP.MaxMessageSize),
		Deliverer:      pipeline,
		Gatherer:       m.Registry,
	})

	slog.Info("starting mail2telegram",
		"provider", prov.Name(),
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"tls_enabled", tlsConfig != nil,
		"alerters", len(alerters),
		"rate_limit", fmt.Sprintf("%d/%s", cfg.Limits.RateMax, cfg.Limits.RateWindow),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtpServer.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return httpServer.ListenAndServe(ctx)
	})
	return g.Wait()
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectProvider chooses where messages are sent. Telegram is the default;
// the stdout provider prints messages for a dry run.
func selectProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderTelegram, "":
		if err := cfg.Telegram.Validate(); err != nil {
			// Deliveries are rejected with a configuration error until fixed.
			slog.Warn("telegram configuration is incomplete", "error", err)
		}
		slog.Info("using telegram provider", "chat_id", cfg.Telegram.ChatID)
		return telegram.New(telegram.Config{
			Token:   cfg.Telegram.BotToken,
			ChatID:  cfg.Telegram.ChatID,
			APIBase: cfg.Telegram.APIBase,
			Timeout: cfg.Telegram.Timeout,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider (dry run)")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// selectAlerters returns the operator alert channels that are configured.
func selectAlerters(ctx context.Context, cfg *config.Config) ([]relay.Alerter, error) {
	if !cfg.SESConfigured() {
		return nil, nil
	}

	sesCfg := cfg.Alert.SES
	a, err := ses.New(ctx, ses.Config{
		Region:          sesCfg.Region,
		AccessKeyID:     sesCfg.AccessKeyID,
		SecretAccessKey: sesCfg.SecretAccessKey,
		Sender:          sesCfg.Sender,
		Recipients:      sesCfg.Recipients,
	})
	if err != nil {
		return nil, fmt.Errorf("create SES alerter: %w", err)
	}
	slog.Info("SES failure alerts enabled",
		"region", sesCfg.Region,
		"recipients", len(sesCfg.Recipients),
	)
	return []relay.Alerter{a}, nil
}

func pipelineOptions(cfg *config.Config, m *metrics.Metrics, alerters []relay.Alerter) relay.Options {
	opts := relay.Options{
		BodyMaxLength:    cfg.Limits.BodyMaxLength,
		SubjectMaxLength: cfg.Limits.SubjectMaxLength,
		Alerters:         alerters,
		Metrics:          m,
	}
	if !cfg.DryRun() {
		opts.Validate = cfg.Telegram.Validate
	}
	return opts
}
