package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/noah-isme/toko-cart/internal/address"
	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/config"
	"github.com/noah-isme/toko-cart/internal/health"
	"github.com/noah-isme/toko-cart/internal/identity"
	"github.com/noah-isme/toko-cart/internal/lock"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/order"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

// shopper holds the wired subsystem for one CLI invocation.
type shopper struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry

	redis    *redis.Client
	session  *identity.Session
	auth     *identity.Authenticator
	cart     *cart.Store
	prompt   *cart.Prompt
	book     *address.Book
	orders   *order.Submitter
	breaker  *resilience.Breaker
	probe    health.Probe
	shutdown []func(context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &shopper{}
	app := &cli.App{
		Name:  "shopper",
		Usage: "cart and checkout against the storefront API",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "metrics", Usage: "log collected metrics on exit"},
		},
		Before: func(c *cli.Context) error { return s.wire(c.Context) },
		After: func(c *cli.Context) error {
			if c.Bool("metrics") {
				s.dumpMetrics()
			}
			return s.close()
		},
		Commands: s.commands(),
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if target, ok := identity.RedirectTarget(err); ok {
			fmt.Fprintf(os.Stderr, "hint: run \"shopper login --from '%s'\" to continue at %s\n", target, identity.NextFrom(target))
		} else if errors.Is(err, common.ErrUnauthorized) {
			fmt.Fprintln(os.Stderr, `hint: run "shopper login" first`)
		}
		os.Exit(1)
	}
}

func (s *shopper) wire(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.logger = obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	s.registry = prometheus.NewRegistry()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, s.registry)
	metrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, s.registry)

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName: "toko-shopper",
			Endpoint:    cfg.OTLPEndpoint,
			Environment: cfg.AppEnv,
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("initialise tracing")
		} else {
			s.shutdown = append(s.shutdown, shutdown)
		}
	}

	var store identity.Store
	var locker *lock.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		s.redis = redis.NewClient(opts)
		if cfg.TracingEnabled {
			if err := redisotel.InstrumentTracing(s.redis); err != nil {
				s.logger.Error().Err(err).Msg("instrument redis tracing")
			}
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = s.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		store = identity.RedisStore{R: s.redis, Namespace: cfg.SessionNamespace}
		locker = &lock.Locker{R: s.redis, Namespace: cfg.SessionNamespace, TTL: cfg.CartLockTTL}
	} else {
		s.logger.Warn().Msg("REDIS_URL not set; the session lasts for this invocation only")
	}

	s.session = identity.NewSession(store, identity.CredentialCheck{ClockSkew: 30 * time.Second}, s.logger)
	s.breaker = resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("storefront").
		WithLogger(s.logger)

	client, err := api.New(api.Config{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.APITimeout,
		Tokens:  s.session,
		Breaker: s.breaker,
		Metrics: metrics,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}

	s.probe = health.Probe{API: client, APITimeout: cfg.APITimeout}
	if s.redis != nil {
		s.probe.Redis = health.PingFunc(func(ctx context.Context) error { return s.redis.Ping(ctx).Err() })
	}

	s.auth = identity.NewAuthenticator(client, s.session, s.logger)
	s.cart = cart.NewStore(cart.Config{API: client, Session: s.session, Lock: locker, Logger: s.logger})
	s.cart.Bind(s.session)
	s.prompt = cart.NewPrompt(s.cart)
	s.book = address.NewBook(client, s.logger)
	s.orders = order.NewSubmitter(order.Config{
		API:            client,
		LookupAttempts: cfg.OrderLookupAttempts,
		LookupBackoff:  cfg.OrderLookupBackoff,
		Logger:         s.logger,
	})

	if err := s.session.Restore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("session_restore_failed")
	}
	s.cart.Wait()
	return nil
}

func (s *shopper) close() error {
	if s.cart != nil {
		s.cart.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, shutdown := range s.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *shopper) dumpMetrics() {
	if s.registry == nil {
		return
	}
	families, err := s.registry.Gather()
	if err != nil {
		s.logger.Error().Err(err).Msg("gather metrics")
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			ev := s.logger.Info().Str("metric", mf.GetName())
			for _, lp := range m.GetLabel() {
				ev = ev.Str(lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				ev = ev.Float64("value", m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				ev = ev.Float64("value", m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				ev = ev.Uint64("count", m.GetHistogram().GetSampleCount()).Float64("sum", m.GetHistogram().GetSampleSum())
			}
			ev.Msg("metric")
		}
	}
}
