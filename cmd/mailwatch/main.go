package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/joshsymonds/mailwatch/internal/config"
	"github.com/joshsymonds/mailwatch/internal/httpapi"
	"github.com/joshsymonds/mailwatch/internal/mailsync"
	"github.com/joshsymonds/mailwatch/internal/property"
	"github.com/joshsymonds/mailwatch/internal/rate"
	"github.com/joshsymonds/mailwatch/internal/runtime"
)

const shutdownTimeout = 10 * time.Second

func main() {
	settings, err := loadSettings(os.Args[1:])
	if err != nil {
		runtime.DefaultLogger().Error("mailwatch: invalid configuration", "error", err)
		os.Exit(2)
	}
	if err := run(settings); err != nil {
		runtime.DefaultLogger().Error("mailwatch failed", "error", err)
		os.Exit(1)
	}
}

// loadSettings reads the settings file, then applies any flag given
// explicitly on the command line.
func loadSettings(args []string) (config.Settings, error) {
	def := config.DefaultSettings()
	fs := pflag.NewFlagSet("mailwatch", pflag.ContinueOnError)
	path := fs.String("settings", os.Getenv("MAILWATCH_SETTINGS"), "YAML settings file")
	project := fs.String("project", "", "cloud project owning the notification topics")
	callbackRoot := fs.String("callback-root", "", "public URL prefix for push endpoints")
	pushAccount := fs.String("push-service-account", def.PushServiceAccount, "identity allowed to publish notifications")
	store := fs.String("store", def.Store, "property store URL (memory://, redis://, postgres://, mongodb://)")
	listen := fs.String("listen", def.Listen, "HTTP listen address")
	credsDir := fs.String("credentials-dir", def.CredentialsDir, "directory of per-mailbox OAuth credentials")
	pubsubCreds := fs.String("pubsub-credentials", "", "service account file for topic management (default: ADC)")
	margin := fs.Duration("renewal-margin", def.RenewalMargin, "renew the watch this long before it expires")
	pageSize := fs.Int("page-size", def.HistoryPageSize, "history page size")
	rps := fs.Int("rps", def.RequestsPerSecond, "max provider requests per second")
	telemetry := fs.Bool("telemetry", def.Telemetry, "record OpenTelemetry traces and metrics")
	logLevel := fs.String("log-level", def.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return config.Settings{}, err
	}

	s, err := config.LoadSettings(*path)
	if err != nil {
		return config.Settings{}, err
	}
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("project", func() { s.Project = *project })
	set("callback-root", func() { s.CallbackRoot = *callbackRoot })
	set("push-service-account", func() { s.PushServiceAccount = *pushAccount })
	set("store", func() { s.Store = *store })
	set("listen", func() { s.Listen = *listen })
	set("credentials-dir", func() { s.CredentialsDir = *credsDir })
	set("pubsub-credentials", func() { s.PubSubCredentials = *pubsubCreds })
	set("renewal-margin", func() { s.RenewalMargin = *margin })
	set("page-size", func() { s.HistoryPageSize = *pageSize })
	set("rps", func() { s.RequestsPerSecond = *rps })
	set("telemetry", func() { s.Telemetry = *telemetry })
	set("log-level", func() { s.LogLevel = *logLevel })
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func run(s config.Settings) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	log := runtime.NewLogger(s.LogLevel)

	props, err := property.Open(ctx, s.Store, log)
	if err != nil {
		return fmt.Errorf("open property store: %w", err)
	}
	defer func() {
		if err := props.Close(); err != nil {
			log.Warn("close property store", "error", err)
		}
	}()

	ps, err := runtime.NewPubSubClient(ctx, runtime.Credentials{File: s.PubSubCredentials})
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}

	burst := s.Burst
	if burst <= 0 {
		burst = s.RequestsPerSecond
	}
	bucket := rate.NewTokenBucket(s.RequestsPerSecond, burst)
	defer bucket.Stop()

	env := mailsync.Env{
		Options: mailsync.Options{
			Project:            s.Project,
			PushServiceAccount: s.PushServiceAccount,
			CallbackRoot:       s.CallbackRoot,
			RenewalMargin:      s.RenewalMargin,
			PageSize:           s.HistoryPageSize,
		},
		PubSub: ps,
		Props:  props,
		Rate:   bucket,
		Logger: log,
		Clock:  time.Now,
	}
	factory := runtime.GmailClientFactory(s.CredentialsDir)
	engine, err := mailsync.NewEngine(env, factory, mailsync.Telemetry{Enabled: s.Telemetry})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           httpapi.NewServer(engine, httpapi.ServerConfig{MaxBodyBytes: s.MaxBodyBytes}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("mailwatch listening", "addr", s.Listen, "store", redactURL(s.Store), "project", s.Project)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// redactURL hides credentials embedded in a store URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
