package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/aima-platform/corral/pkg/api"
	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/cost"
	"github.com/aima-platform/corral/pkg/dispatch"
	"github.com/aima-platform/corral/pkg/events"
	"github.com/aima-platform/corral/pkg/health"
	"github.com/aima-platform/corral/pkg/log"
	"github.com/aima-platform/corral/pkg/metrics"
	"github.com/aima-platform/corral/pkg/providers"
	"github.com/aima-platform/corral/pkg/providers/aws"
	"github.com/aima-platform/corral/pkg/providers/azure"
	"github.com/aima-platform/corral/pkg/providers/gcp"
	"github.com/aima-platform/corral/pkg/providers/local"
	"github.com/aima-platform/corral/pkg/providers/runpod"
	"github.com/aima-platform/corral/pkg/providers/vast"
	"github.com/aima-platform/corral/pkg/provision"
	"github.com/aima-platform/corral/pkg/reaper"
	"github.com/aima-platform/corral/pkg/scheduler"
	"github.com/aima-platform/corral/pkg/storage"
	"github.com/aima-platform/corral/pkg/templates"
)

// Option customizes construction. The only current use is splicing adapters
// in from outside, which tests lean on for stub providers.
type Option func(*options)

type options struct {
	adapters map[string]providers.Adapter
}

// WithAdapter supplies a ready-made adapter for a provider tag declared in
// the configuration, overriding the built-in constructor for that tag. The
// tag must still appear (enabled) under providers in the config, which is
// where its quota, breaker, and retry settings live.
func WithAdapter(adapter providers.Adapter) Option {
	return func(o *options) {
		o.adapters[adapter.Tag()] = adapter
	}
}

// Orchestrator owns every component of one running process.
type Orchestrator struct {
	cfg    *config.Snapshot
	logger zerolog.Logger

	broker      *events.Broker
	store       storage.Store
	catalog     *templates.Catalog
	registry    *providers.Registry
	tokens      *provision.TokenManager
	engine      *cost.Engine
	prober      *health.Prober
	provisioner *provision.Provisioner
	dispatcher  *dispatch.Dispatcher
	scheduler   *scheduler.Scheduler
	reaper      *reaper.Reaper
	collector   *metrics.Collector
	server      *api.Server
}

// New builds the full component graph from cfg. Nothing is started; the
// store is opened and adapters are constructed, so a bad data directory or
// unusable credentials fail here rather than mid-flight.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	o := &options{adapters: make(map[string]providers.Adapter)}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	broker := events.NewBroker()

	store, err := storage.NewBoltStore(cfg.DataDir, broker)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	catalog, err := templates.Load(cfg.TemplatesFile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := providers.NewRegistry()
	for tag, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		adapter, ok := o.adapters[tag]
		if !ok {
			adapter, err = buildAdapter(ctx, tag, pc)
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("provider %s: %w", tag, err)
			}
		}
		registry.Register(adapter, pc)
	}

	snapshot := config.NewSnapshot(cfg)
	tokens := provision.NewTokenManager()
	engine := cost.NewEngine(store, catalog, snapshot)
	prober := health.NewProber(registry, snapshot)
	provisioner := provision.New(store, registry, engine, broker, tokens, snapshot)
	dispatcher := dispatch.New(store, broker, snapshot)
	sched := scheduler.New(store, engine, provisioner, broker, snapshot)
	reap := reaper.New(store, registry, engine, broker, tokens, snapshot)
	collector := metrics.NewCollector(store)

	server, err := api.New(store, catalog, engine, registry, prober, broker, snapshot)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Orchestrator{
		cfg:         snapshot,
		logger:      log.WithComponent("orchestrator"),
		broker:      broker,
		store:       store,
		catalog:     catalog,
		registry:    registry,
		tokens:      tokens,
		engine:      engine,
		prober:      prober,
		provisioner: provisioner,
		dispatcher:  dispatcher,
		scheduler:   sched,
		reaper:      reap,
		collector:   collector,
		server:      server,
	}, nil
}

// buildAdapter constructs the adapter for one of the known provider tags
func buildAdapter(ctx context.Context, tag string, pc config.ProviderConfig) (providers.Adapter, error) {
	switch tag {
	case local.Tag:
		return local.New(pc), nil
	case runpod.Tag:
		return runpod.New(pc)
	case vast.Tag:
		return vast.New(pc)
	case aws.Tag:
		return aws.New(ctx, pc)
	case gcp.Tag:
		return gcp.New(ctx, pc)
	case azure.Tag:
		return azure.New(pc)
	default:
		return nil, fmt.Errorf("unknown provider tag %q", tag)
	}
}

// Start brings every component up, leaves first. The API listener comes
// last so no request arrives before the loops behind it exist.
func (o *Orchestrator) Start() error {
	o.broker.Start()
	o.collector.Start()
	o.engine.Start()
	o.prober.Start()
	o.provisioner.Start()
	o.dispatcher.Start()
	o.scheduler.Start()
	o.reaper.Start()

	metrics.UpdateComponent("storage", true, "")
	metrics.UpdateComponent("scheduler", true, "")
	metrics.UpdateComponent("dispatcher", true, "")

	if err := o.server.Start(); err != nil {
		o.stopLoops()
		return err
	}
	o.logger.Info().Str("addr", o.server.Addr()).Msg("Orchestrator started")
	return nil
}

// Stop shuts the process down in reverse order: intake first, then the
// scheduling and execution loops, then accounting, then storage. The cost
// engine's Stop flushes a final accrual pass so no rented minute goes
// unrecorded. Running instances are left alive; they outlive the process.
func (o *Orchestrator) Stop(ctx context.Context) error {
	err := o.server.Stop(ctx)
	o.stopLoops()
	o.broker.Stop()
	if closeErr := o.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	o.logger.Info().Msg("Orchestrator stopped")
	return err
}

func (o *Orchestrator) stopLoops() {
	o.scheduler.Stop()
	o.reaper.Stop()
	o.dispatcher.Stop()
	o.provisioner.Stop()
	o.prober.Stop()
	o.engine.Stop()
	o.collector.Stop()
}

// Addr returns the API's bound address. Valid after Start; with a :0 listen
// address this is how callers learn the real port.
func (o *Orchestrator) Addr() string {
	return o.server.Addr()
}

// Store exposes the job store for tooling and tests
func (o *Orchestrator) Store() storage.Store {
	return o.store
}

// Broker exposes the event bus for tooling and tests
func (o *Orchestrator) Broker() *events.Broker {
	return o.broker
}
