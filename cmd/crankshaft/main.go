package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/torosent/crankshaft/internal/auth"
	"github.com/torosent/crankshaft/internal/config"
	"github.com/torosent/crankshaft/internal/httpclient"
	"github.com/torosent/crankshaft/internal/metrics"
	"github.com/torosent/crankshaft/internal/output"
	"github.com/torosent/crankshaft/internal/runner"
	"github.com/torosent/crankshaft/internal/threshold"
	"github.com/torosent/crankshaft/internal/tracing"
)

const (
	progressInterval = time.Second
	baseRetryDelay   = 100 * time.Millisecond
	maxRetryDelay    = 5 * time.Second
	shutdownTimeout  = 5 * time.Second

	defaultAuthRefreshLeeway = 30 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}

	builder, err := httpclient.NewRequestBuilder(cfg)
	if err != nil {
		return err
	}

	provider, err := tracing.Init(ctx, cfg.Tracing, tracing.WithAttributes(tracing.RunAttributes(cfg)...))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	client := httpclient.NewClient(clientConfig(cfg, logger))
	defer func() { _ = client.Close() }()

	tlsConfig, alpnConfig, err := tlsConfigs(cfg)
	if err != nil {
		return err
	}

	authProvider, err := newAuthProvider(cfg, client)
	if err != nil {
		return err
	}
	if authProvider != nil {
		defer func() { _ = authProvider.Close() }()
	}

	collector := metrics.NewCollector()
	requester := &httpRequester{
		client:     client,
		builder:    builder,
		collector:  collector,
		tracing:    provider,
		auth:       authProvider,
		tlsConfig:  tlsConfig,
		alpnConfig: alpnConfig,
		shared:     cfg.Shared,
		batch:      cfg.Batch,
		log:        logger.Named("requester"),
	}

	var wrapped runner.Requester = requester
	if cfg.LogErrors {
		wrapped = runner.WithLogging(wrapped, &zapFailureLogger{log: logger.Named("failures")})
	}
	if cfg.Retries > 0 {
		wrapped = runner.WithRetry(wrapped, newRetryPolicy(cfg.Retries, logger.Named("retry")))
	}

	r := runner.New(runner.Options{
		Concurrency:     cfg.Concurrency,
		TotalRequests:   cfg.Total,
		Duration:        cfg.Duration,
		RatePerSecond:   cfg.Rate,
		SessionRequests: cfg.SessionRequests,
		ArrivalModel:    toRunnerArrivalModel(cfg.Arrival.Model),
		Requester:       wrapped,
		OnSessionEnd:    requester.endSession,
	})

	var progress *output.ProgressReporter
	if !cfg.JSONOutput {
		progress = output.NewProgressReporter(collector, progressInterval, stdout, client.Stats)
		progress.Start()
	}

	collector.Start()
	result := r.Run(ctx)
	if progress != nil {
		progress.Stop()
	}
	stats := collector.Stats(result.Duration)
	conns := client.Stats()
	logger.Debug("run finished",
		zap.Int64("requests", result.Total),
		zap.Int64("errors", result.Errors),
		zap.Int64("sessions", result.Sessions),
		zap.Duration("duration", result.Duration),
	)

	results := threshold.NewEvaluator(thresholds).Evaluate(stats)

	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, stats, &conns, results...); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, stats, &conns)
		output.PrintThresholds(stdout, results)
	}

	if failed := threshold.Failed(results); len(failed) > 0 {
		return fmt.Errorf("%d of %d thresholds failed", len(failed), len(results))
	}
	if len(thresholds) == 0 && stats.Failures > 0 {
		return fmt.Errorf("%d requests failed", stats.Failures)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.WarnLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	return zc.Build()
}

func clientConfig(cfg *config.Config, logger *zap.Logger) httpclient.Config {
	return httpclient.Config{
		DialTimeout:    cfg.DialTimeout,
		RequestTimeout: cfg.Timeout,
		MaxIdlePerKey:  cfg.MaxIdlePerHost,
		H2C:            cfg.Protocol == config.ProtocolH2C,
		Logger:         logger.Named("client"),
	}
}

// tlsConfigs returns the plain TLS config for https targets and, unless
// HTTP/1.1 is forced, an ALPN config offering h2.
func tlsConfigs(cfg *config.Config) (*tls.Config, *tls.Config, error) {
	u, err := url.Parse(cfg.TargetURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme != "https" {
		return nil, nil, nil
	}
	base := &tls.Config{
		ServerName:         u.Hostname(),
		InsecureSkipVerify: cfg.Insecure, //nolint:gosec // opt-in via --insecure
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.Protocol == config.ProtocolHTTP1 {
		return base, nil, nil
	}
	alpn := base.Clone()
	alpn.NextProtos = []string{"h2", "http/1.1"}
	return base, alpn, nil
}

// newAuthProvider returns nil when no auth is configured. Token requests share
// the load client under their own client id.
func newAuthProvider(cfg *config.Config, client *httpclient.Client) (auth.Provider, error) {
	a := cfg.Auth
	switch a.Type {
	case "":
		return nil, nil
	case config.AuthTypeBearer:
		return auth.NewStaticProvider(a.Token), nil
	}

	grant := auth.GrantClientCredentials
	if a.Type == config.AuthTypeOAuth2Password {
		grant = auth.GrantPassword
	}
	refresh := a.RefreshBeforeExpiry
	if refresh <= 0 {
		refresh = defaultAuthRefreshLeeway
	}
	var tlsConfig *tls.Config
	if u, err := url.Parse(a.TokenURL); err == nil && u.Scheme == "https" {
		tlsConfig = &tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: cfg.Insecure, //nolint:gosec // opt-in via --insecure
			MinVersion:         tls.VersionTLS12,
		}
	}
	return auth.NewOAuth2Provider(auth.OAuth2Config{
		Grant:               grant,
		TokenURL:            a.TokenURL,
		ClientID:            a.ClientID,
		ClientSecret:        a.ClientSecret,
		Username:            a.Username,
		Password:            a.Password,
		Scopes:              a.Scopes,
		RefreshBeforeExpiry: refresh,
		TokenPath:           a.TokenPath,
		ExpiresPath:         a.ExpiresPath,
		Timeout:             cfg.Timeout,
		TLS:                 tlsConfig,
	}, client)
}

func toRunnerArrivalModel(model config.ArrivalModel) runner.ArrivalModel {
	switch strings.ToLower(string(model)) {
	case string(config.ArrivalModelPoisson):
		return runner.ArrivalModelPoisson
	default:
		return runner.ArrivalModelUniform
	}
}

type zapFailureLogger struct {
	log *zap.Logger
}

func (l *zapFailureLogger) LogFailure(s *runner.Session, err error) {
	if err == nil {
		return
	}
	fields := []zap.Field{zap.String("kind", httpclient.ErrorKind(err)), zap.Error(err)}
	if s != nil {
		fields = append(fields, zap.String("session", s.ID), zap.Int("seq", s.Seq))
		if s.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", s.Attempt))
		}
	}
	l.log.Error("request failed", fields...)
}

func newRetryPolicy(retries int, log *zap.Logger) runner.RetryPolicy {
	return runner.RetryPolicy{
		MaxAttempts: retries + 1,
		Backoff:     runner.ExponentialBackoff(baseRetryDelay, maxRetryDelay),
		OnRetry: func(s *runner.Session, retry int, err error, wait time.Duration) {
			log.Debug("retrying request",
				zap.String("session", s.ID),
				zap.Int("retry", retry),
				zap.Duration("wait", wait),
				zap.String("kind", httpclient.ErrorKind(err)),
			)
		},
	}
}
