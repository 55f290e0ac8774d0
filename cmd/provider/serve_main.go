package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/binance"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/ccxt"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/coinbase"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/kraken"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/facade"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/ws"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/datasources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/httpclient"
	httpapi "github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/interfaces/http"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/ratelimit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/retry"
)

// provider bundles every long-lived component the serve command wires
// together. Fields are ordered roughly by construction.
type provider struct {
	cfg      *config.Config
	bus      *events.Bus
	circuits *circuit.Manager
	executor *retry.Executor
	store    *cache.RealTimeCache
	recovery *datasources.RecoveryManager
	errors   *datasources.Handler
	monitor  *datasources.HealthMonitor
	fallback *ccxt.Adapter
	orch     *ws.Orchestrator
	facade   *facade.Facade
	warmer   *cache.Warmer
	server   *httpapi.Server
}

// runServe boots the provider and blocks until SIGINT/SIGTERM or a
// fatal server error.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	p, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.start(ctx); err != nil {
		p.stop()
		return err
	}
	stopWatch := p.watchRecoveries(ctx)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", p.server.Address()).Msg("http api listening")
		if err := p.server.Start(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server failed")
	}

	if err := p.server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	cancel()
	stopWatch()
	p.stop()

	log.Info().Msg("provider stopped")
	return nil
}

// buildProvider constructs the full component graph: reliability
// plumbing first, then sources, then the aggregation facade and the
// HTTP surface on top.
func buildProvider(cfg *config.Config) (*provider, error) {
	p := &provider{cfg: cfg}

	p.bus = events.NewBus()
	p.circuits = circuit.NewManager(cfg.Circuit, p.bus)
	p.executor = retry.NewExecutor(p.circuits, p.bus)
	limiter := ratelimit.New(cfg.RateLimit)
	pool := httpclient.New(cfg.HTTPClient, limiter)

	p.store = cache.New(cfg.Cache)
	p.recovery = datasources.NewRecoveryManager(cfg.Recovery, p.bus)
	p.errors = datasources.NewHandler(cfg.Errors, p.recovery, p.circuits, p.bus)
	p.monitor = datasources.NewHealthMonitor(p.recovery, p.circuits, p.store)

	binanceWS := binance.New(cfg.Binance, pool)
	coinbaseWS := coinbase.New(cfg.Coinbase, pool)
	krakenWS := kraken.New(cfg.Kraken, pool)
	p.fallback = ccxt.New(cfg.CCXT, pool)

	p.orch = ws.NewOrchestrator(cfg.Orchestrator)
	p.orch.RegisterAdapter(binanceWS)
	p.orch.RegisterAdapter(coinbaseWS)
	p.orch.RegisterAdapter(krakenWS)
	p.orch.SetFallback(p.fallback)

	p.facade = facade.New(cfg.Facade, cfg.Feeds, facade.Deps{
		Cache:        p.store,
		Orchestrator: p.orch,
		Retry:        p.executor,
		Errors:       p.errors,
		Fallback:     p.fallback,
	})
	p.warmer = cache.NewWarmer(p.store, p.facade.WarmerSource(), cfg.Warmer)
	p.facade.AttachWarmer(p.warmer)

	p.wireRecovery(map[string]adapters.Adapter{
		binanceWS.ExchangeName():  binanceWS,
		coinbaseWS.ExchangeName(): coinbaseWS,
		krakenWS.ExchangeName():   krakenWS,
	})

	server, err := httpapi.NewServer(httpapi.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		HandlerTimeout:  cfg.Server.HandlerTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, httpapi.Deps{
		Facade:   p.facade,
		Health:   p.monitor,
		Store:    p.store,
		Warmer:   p.warmer,
		Retry:    p.executor,
		Circuits: p.circuits,
		Recovery: p.recovery,
		Metrics:  httpapi.NewMetricsRegistry(),
		Version:  version,
	})
	if err != nil {
		return nil, err
	}
	p.server = server
	return p, nil
}

// wireRecovery registers every data source with the failover engine
// and records per-feed routing. Native websocket venues register under
// their exchange name; each venue the fallback poller can decode
// registers again as "ccxt-<venue>" so failover has a Tier-2 target.
// The same assignment gives the facade its REST fallback routes.
func (p *provider) wireRecovery(native map[string]adapters.Adapter) {
	for _, a := range native {
		p.recovery.RegisterDataSource(&adapterSource{adapter: a})
	}

	registered := make(map[string]struct{})
	for _, fc := range p.cfg.Feeds {
		var primary, backup []string
		for _, src := range fc.Sources {
			primary = append(primary, src.Exchange)

			if err := p.fallback.AssignExchange(src.Exchange, []string{src.Symbol}); err != nil {
				log.Debug().Str("exchange", src.Exchange).Err(err).Msg("no fallback route")
				continue
			}
			backupID := ccxt.SourceID(src.Exchange)
			backup = append(backup, backupID)
			if _, ok := registered[backupID]; ok {
				continue
			}
			registered[backupID] = struct{}{}
			p.recovery.RegisterDataSource(&venueSource{
				id:      backupID,
				venue:   src.Exchange,
				adapter: p.fallback,
			})

			// A venue with no native adapter is served by the shared
			// poller directly; register that identity too so its
			// routes stay viable.
			if _, ok := native[src.Exchange]; !ok {
				p.recovery.RegisterDataSource(&venueSource{
					id:      src.Exchange,
					venue:   src.Exchange,
					adapter: p.fallback,
				})
			}
		}
		p.recovery.ConfigureFeedSources(fc.Feed, dedupe(primary), dedupe(backup))
	}
}

// start brings the pipeline up. The facade registers its tick sink
// before the orchestrator dials out so no early tick is lost; the
// warmer starts last since it fetches through the facade.
func (p *provider) start(ctx context.Context) error {
	p.facade.Start()
	if err := p.orch.Start(ctx, p.cfg.Feeds); err != nil {
		return err
	}
	p.warmer.Start(ctx)
	log.Info().
		Str("app", appName).
		Str("version", version).
		Int("feeds", len(p.cfg.Feeds)).
		Strs("exchanges", p.orch.Exchanges()).
		Msg("provider started")
	return nil
}

// stop tears the pipeline down from the outside in: collectors first,
// then the write path, then the shared plumbing.
func (p *provider) stop() {
	p.orch.Cleanup()
	p.facade.Stop()
	p.warmer.Stop()
	p.errors.Stop()
	p.executor.Shutdown()
	p.circuits.Stop()
	p.bus.Close()
	p.store.Stop()
}

// watchRecoveries redials a websocket exchange when its source
// recovers while the stream is still down. REST probes come back
// before the socket does; the recovered event is the cue to re-dial.
// The returned func blocks until the watcher exits.
func (p *provider) watchRecoveries(ctx context.Context) func() {
	sub := p.bus.Subscribe(events.TopicSourceRecovered)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				exchange, _ := ev.Data.(string)
				a, served := p.orch.Adapter(exchange)
				if !served || a.IsConnected() {
					continue
				}
				go p.redial(ctx, exchange)
			}
		}
	}()

	return func() {
		sub.Unsubscribe()
		<-done
	}
}

// redial re-establishes one exchange's websocket under the configured
// backoff schedule. ReconnectExchange enforces its own cooldown, so a
// burst of recovery events cannot hammer the venue.
func (p *provider) redial(ctx context.Context, exchange string) {
	p.recovery.NoteReconnectAttempt(exchange)
	err := p.executor.ExecuteWithRetry(ctx, retry.Options{
		ServiceID:     exchange,
		OperationName: "ws_reconnect",
		Config:        &p.cfg.Retry,
	}, func(ctx context.Context) error {
		return p.orch.ReconnectExchange(ctx, exchange)
	})
	if err != nil {
		log.Warn().Str("exchange", exchange).Err(err).Msg("websocket redial failed")
	}
}

// adapterSource exposes a native exchange adapter to the recovery
// layer under its exchange name.
type adapterSource struct {
	adapter adapters.Adapter
}

func (s *adapterSource) ID() string                       { return s.adapter.ExchangeName() }
func (s *adapterSource) IsConnected() bool                { return s.adapter.IsConnected() }
func (s *adapterSource) OnConnectionChange(fn func(bool)) { s.adapter.OnConnectionChange(fn) }

func (s *adapterSource) Probe(ctx context.Context) error {
	if hc, ok := s.adapter.(adapters.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	if s.adapter.IsConnected() {
		return nil
	}
	return adapters.ErrNotConnected
}

// venueSource exposes one venue of the shared REST poller as a
// recovery source, either as a "ccxt-<venue>" backup or as the primary
// identity of a venue with no native adapter.
type venueSource struct {
	id      string
	venue   string
	adapter *ccxt.Adapter
}

func (s *venueSource) ID() string                       { return s.id }
func (s *venueSource) IsConnected() bool                { return s.adapter.IsConnected() }
func (s *venueSource) OnConnectionChange(fn func(bool)) { s.adapter.OnConnectionChange(fn) }

func (s *venueSource) Probe(ctx context.Context) error {
	return s.adapter.ProbeVenue(ctx, s.venue)
}

// dedupe drops repeated IDs, preserving first-seen order
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
