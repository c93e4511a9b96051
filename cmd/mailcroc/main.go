// Package main is the entry point for the mailcroc ingestion and fan-out
// processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"github.com/mailcroc/mailcroc/internal/config"
	"github.com/mailcroc/mailcroc/internal/ingest"
	"github.com/mailcroc/mailcroc/internal/live"
	"github.com/mailcroc/mailcroc/internal/notify"
	"github.com/mailcroc/mailcroc/internal/provider"
	"github.com/mailcroc/mailcroc/internal/provider/ses"
	"github.com/mailcroc/mailcroc/internal/provider/stdout"
	"github.com/mailcroc/mailcroc/internal/registry"
	"github.com/mailcroc/mailcroc/internal/router"
	"github.com/mailcroc/mailcroc/internal/server"
	"github.com/mailcroc/mailcroc/internal/smtp"
	"github.com/mailcroc/mailcroc/internal/store"
	smtptls "github.com/mailcroc/mailcroc/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, slog.Default()); err != nil {
		slog.Error("mailcroc exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailcroc stopped")
}

// run builds the components the configured role needs and serves until ctx
// is cancelled or one of them fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		var err error
		if awsCfg, err = loadAWSConfig(ctx, cfg.AWS); err != nil {
			return err
		}
	}

	st, err := selectStore(cfg, awsCfg)
	if err != nil {
		return err
	}
	prov, err := selectProvider(cfg, awsCfg)
	if err != nil {
		return err
	}

	reg := registry.New(logger)
	rt := router.New(reg, logger)

	srvCfg := server.Config{
		Listen:   cfg.Fanout.Listen,
		History:  st,
		Provider: prov,
	}

	g, gctx := errgroup.WithContext(ctx)

	var ing *ingest.Ingester
	if cfg.RunsIngest() {
		notifier, err := selectNotifier(cfg, awsCfg, rt)
		if err != nil {
			return err
		}
		ing = ingest.New(st, notifier, cfg.Notify.Timeout, logger)
		srvCfg.Inbound = ingest.NewWebhook(ing, notify.NewAuthenticator(cfg.Fanout.WebhookSecret), logger)

		smtpSrv, err := newSMTPServer(cfg, ing, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return smtpSrv.ListenAndServe(gctx)
		})
	}

	if cfg.RunsFanout() {
		srvCfg.Notify = notify.NewHandler(rt, notify.NewAuthenticator(cfg.Notify.Secret), logger)
		srvCfg.Live = live.NewHandler(reg, live.Options{
			Buffer:         cfg.Fanout.SendBuffer,
			PingInterval:   cfg.Fanout.PingInterval,
			OriginPatterns: cfg.Fanout.AllowedOrigins,
		}, logger)

		if cfg.Notify.Transport == "sqs" {
			consumer := notify.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Notify.QueueURL, rt, logger)
			g.Go(func() error {
				return consumer.Run(gctx)
			})
		}
	}

	httpSrv := server.New(srvCfg, logger)
	g.Go(func() error {
		return httpSrv.ListenAndServe(gctx)
	})

	logger.Info("starting mailcroc",
		"role", cfg.Role,
		"store", st.Name(),
		"provider", prov.Name(),
		"notify_transport", cfg.Notify.Transport,
	)

	err = g.Wait()
	if ing != nil {
		// Let in-flight notifies finish before exiting.
		ing.Wait()
	}
	return err
}

// newSMTPServer builds the catch-all receiver with STARTTLS unless disabled.
func newSMTPServer(cfg *config.Config, ing *ingest.Ingester, logger *slog.Logger) (*smtp.Server, error) {
	srvCfg := smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		Ingester:        ing,
		Domains:         cfg.SMTP.Domains,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		RatePerSecond:   cfg.SMTP.RateLimit,
		RateBurst:       cfg.SMTP.RateBurst,
	}

	tlsMode := "disabled"
	if !cfg.TLS.Disabled {
		hosts := append([]string{cfg.SMTP.Hostname}, cfg.SMTP.Domains...)
		tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, hosts...)
		if err != nil {
			return nil, fmt.Errorf("failed to setup TLS: %w", err)
		}
		srvCfg.TLSConfig = tlsConfig
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			tlsMode = "file"
		}
	}
	logger.Info("smtp receiver configured", "listen", cfg.SMTP.Listen, "tls_mode", tlsMode)

	return smtp.New(srvCfg, logger), nil
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
		Level: logLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func logLevel(level string) slog.Level {
	switch level {
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

// loadAWSConfig loads the shared AWS configuration. Static credentials and a
// custom endpoint are applied only when set.
func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if c.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(c.Endpoint)
	}
	return awsCfg, nil
}

// selectStore opens the configured persistence backend.
func selectStore(cfg *config.Config, awsCfg aws.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "file":
		return store.NewFileStore(cfg.Store.Path)
	case "maildir":
		return store.NewMaildirStore(cfg.Store.Path)
	case "dynamodb":
		return store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Store.Table, cfg.Store.TTL), nil
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownType, cfg.Store.Type)
	}
}

// selectNotifier picks how ingestion signals the fan-out process. The local
// transport hands messages straight to the in-process router.
func selectNotifier(cfg *config.Config, awsCfg aws.Config, rt *router.Router) (ingest.Notifier, error) {
	switch cfg.Notify.Transport {
	case "local":
		return rt, nil
	case "http":
		return notify.NewHTTP(notify.HTTPConfig{
			URL:     cfg.Notify.URL,
			Secret:  cfg.Notify.Secret,
			Timeout: cfg.Notify.Timeout,
		}), nil
	case "sqs":
		return notify.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.Notify.QueueURL), nil
	default:
		return nil, fmt.Errorf("unknown notify transport %q", cfg.Notify.Transport)
	}
}

// selectProvider chooses the outbound delivery backend behind POST /send.
func selectProvider(cfg *config.Config, awsCfg aws.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("SES provider selected but AWS_REGION and SES_SENDER are required")
		}
		slog.Info("using AWS SES provider",
			"region", cfg.AWS.Region,
			"sender", cfg.SES.Sender,
		)
		return ses.New(awsCfg, ses.Config{
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		}), nil
	case "stdout", "":
		slog.Info("using stdout provider")
		return stdout.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknown, cfg.Provider)
	}
}
