package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"marketrust/internal/audit"
	"marketrust/internal/config"
	"marketrust/internal/dispatch"
	"marketrust/internal/graph"
	"marketrust/internal/identity"
	"marketrust/internal/market"
	"marketrust/internal/metrics"
	"marketrust/internal/notify"
	"marketrust/internal/store/memory"
	"marketrust/internal/store/postgres"
	"marketrust/internal/telemetry"
	"marketrust/internal/trust"
	"marketrust/internal/vip"
	"marketrust/internal/visibility"
)

// app holds the capabilities injected at process start.
type app struct {
	cfg        config.Config
	log        zerolog.Logger
	store      market.Store
	registry   *prometheus.Registry
	metrics    *metrics.Collector
	machine    *visibility.Machine
	sweeper    *visibility.Sweeper
	dispatcher *dispatch.Dispatcher
	closers    []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(a.registry)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	if err := a.openStore(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	circles, err := a.circleSource(ctx)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	policy, err := visibility.ParsePolicy(cfg.Visibility.Policy)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	recorder := audit.NewRecorder(log)
	deliverer := notify.NewDeliverer(a.notifier(), log)

	a.machine = visibility.NewMachine(a.store, policy, recorder, deliverer, a.metrics, log)
	a.sweeper = visibility.NewSweeper(a.machine, cfg.Visibility.SweepWorkers, a.metrics, log)
	a.dispatcher = dispatch.NewDispatcher(dispatch.Rules{
		Visibility: a.machine,
		VIP:        vip.NewClassifier(a.store, recorder, a.metrics, log),
		Rewards:    trust.NewPropagator(a.store, circles, recorder, a.metrics, log),
		Reviews:    trust.NewVerifier(a.store, recorder, a.metrics, log),
	}, a.metrics, log)

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("visibility_policy", string(policy)).
		Bool("push_gateway", cfg.Push.GatewayURL != "").
		Bool("trust_graph", cfg.Graph.URI != "").
		Msg("application wired")

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "memory":
		a.store = memory.New()
		a.log.Warn().Msg("using in-memory store; data is lost on exit")
		return nil
	default:
		pg, err := postgres.Open(ctx, a.cfg.Store.DatabaseURL, a.cfg.Store.MaxOpenConns)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		a.store = pg
		a.closers = append(a.closers, func(context.Context) error { return pg.Close() })
		return nil
	}
}

func (a *app) notifier() notify.Notifier {
	if a.cfg.Push.GatewayURL == "" {
		return notify.LogNotifier{Log: a.log}
	}
	return notify.NewPushClient(a.cfg.Push.GatewayURL, a.cfg.Push.APIKey, a.cfg.Push.Timeout, a.store)
}

func (a *app) circleSource(ctx context.Context) (trust.CircleSource, error) {
	if a.cfg.Graph.URI == "" {
		return trust.UserCircleSource{}, nil
	}
	client, err := graph.NewNeo4jClient(ctx, graph.Options{
		URI:            a.cfg.Graph.URI,
		Database:       a.cfg.Graph.Database,
		Username:       a.cfg.Graph.Username,
		Password:       a.cfg.Graph.Password,
		MaxConnections: a.cfg.Graph.MaxConnections,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return trust.NewGraphCircleSource(client), nil
}

// identityService builds the credential issuer. It needs a token secret,
// which only the serve command requires.
func (a *app) identityService() (identity.Service, error) {
	minter, err := identity.NewJWTMinter(a.cfg.Identity.TokenSecret, a.cfg.Identity.TokenIssuer, a.cfg.Identity.TokenTTL)
	if err != nil {
		return nil, err
	}
	if a.cfg.Identity.BotToken == "" {
		a.log.Warn().Msg("TELEGRAM_BOT_TOKEN is not set; authentication requests will fail")
	}
	return identity.NewService(a.store, minter, identity.Options{
		BotToken:          a.cfg.Identity.BotToken,
		MaxAge:            a.cfg.Identity.MaxAge,
		RequestsPerMinute: a.cfg.Identity.RequestsPerMinute,
		LimiterCacheSize:  a.cfg.Identity.LimiterCacheSize,
	}, a.metrics, a.log), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
