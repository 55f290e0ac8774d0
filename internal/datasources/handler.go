package datasources

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
)

// Response strategy names, shared by the handler and failover results
const (
	StrategyRetry               = "retry"
	StrategyFailover            = "failover"
	StrategyTierFallback        = "tier_fallback"
	StrategyCcxtBackup          = "ccxt_backup"
	StrategyGracefulDegradation = "graceful_degradation"
	StrategyReconnect           = "reconnect"
)

// Strategy is one candidate response to a classified error. Lower
// priority numbers rank higher.
type Strategy struct {
	Name                  string        `json:"name"`
	Priority              int           `json:"priority"`
	EstimatedRecoveryTime time.Duration `json:"estimatedRecoveryTime,omitempty"`
	Target                string        `json:"target,omitempty"`
}

// HandlerConfig tunes the error handler's probes and retry scheduling
type HandlerConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
}

func (c *HandlerConfig) setDefaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
}

// Handler ingests errors from any source, classifies them against
// history, and executes the selected response strategy. Its recovery
// monitor probes unhealthy sources back into service.
type Handler struct {
	cfg      HandlerConfig
	recovery *RecoveryManager
	circuits *circuit.Manager
	bus      *events.Bus
	history  *History

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHandler wires the handler and starts its recovery monitor
func NewHandler(cfg HandlerConfig, recovery *RecoveryManager, circuits *circuit.Manager, bus *events.Bus) *Handler {
	cfg.setDefaults()
	h := &Handler{
		cfg:      cfg,
		recovery: recovery,
		circuits: circuits,
		bus:      bus,
		history:  NewHistory(),
		stopCh:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.monitorLoop()
	return h
}

// Stop cancels the monitor and any scheduled retry probes
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// HandleError classifies err, records it, escalates severity from the
// source's recent history, and executes the selected strategy. The
// classified error is returned for the caller's own reporting.
func (h *Handler) HandleError(sourceID string, err error, ectx ErrorContext) *ClassifiedError {
	cerr := Classify(sourceID, err, ectx)
	h.history.Record(cerr)
	cerr.Severity = escalateSeverity(cerr.Severity, h.history.Recent(sourceID, recentErrorWindow))
	h.recovery.RecordError(cerr)

	strategy := h.selectStrategy(cerr)
	ev := log.Warn().
		Str("component", "errorhandler").
		Str("source", sourceID).
		Str("classification", string(cerr.Classification)).
		Str("severity", cerr.Severity.String()).
		Str("strategy", strategy.Name).
		Err(err)
	if cerr.Feed != nil {
		ev = ev.Str("feed", cerr.Feed.String())
	}
	ev.Msg("source error handled")

	h.execute(strategy, cerr)
	return cerr
}

// availableStrategies builds the candidate list for the error, ordered
// by priority. graceful_degradation is always last and always present.
func (h *Handler) availableStrategies(cerr *ClassifiedError) []Strategy {
	var out []Strategy
	if cerr.Recoverable {
		out = append(out, Strategy{
			Name:                  StrategyRetry,
			Priority:              1,
			EstimatedRecoveryTime: h.retryDelay(cerr.SourceID),
		})
	}
	if target := h.recovery.HealthyAlternative(cerr.SourceID, cerr.Feed, cerr.Tier); target != "" {
		out = append(out, Strategy{Name: StrategyFailover, Priority: 2, Target: target})
	}
	if cerr.Tier == Tier1 {
		backup, hasBackup := h.recovery.CcxtBackupFor(cerr.SourceID)
		// The same-exchange CCXT substitute belongs to ccxt_backup;
		// tier_fallback covers the other Tier-2 sources.
		if target := h.recovery.HealthyAlternative(cerr.SourceID, cerr.Feed, Tier2); target != "" && !(hasBackup && target == backup) {
			out = append(out, Strategy{Name: StrategyTierFallback, Priority: 3, Target: target})
		}
		if hasBackup {
			out = append(out, Strategy{Name: StrategyCcxtBackup, Priority: 4, Target: backup})
		}
	}
	out = append(out, Strategy{Name: StrategyGracefulDegradation, Priority: 5})
	return out
}

// selectStrategy applies the selection rule: critical errors take the
// best failover-class strategy when one exists; recoverable
// non-critical errors retry; everything else takes the highest-ranked
// candidate.
func (h *Handler) selectStrategy(cerr *ClassifiedError) Strategy {
	avail := h.availableStrategies(cerr)

	if cerr.Severity == SeverityCritical {
		for _, s := range avail {
			switch s.Name {
			case StrategyFailover, StrategyTierFallback, StrategyCcxtBackup:
				return s
			}
		}
	}
	if cerr.Recoverable && cerr.Severity != SeverityCritical {
		for _, s := range avail {
			if s.Name == StrategyRetry {
				return s
			}
		}
	}
	return avail[0]
}

func (h *Handler) execute(s Strategy, cerr *ClassifiedError) {
	switch s.Name {
	case StrategyRetry:
		h.scheduleRetry(cerr, s.EstimatedRecoveryTime)
	case StrategyFailover, StrategyTierFallback:
		h.recovery.TriggerFailover(cerr.SourceID, string(cerr.Classification))
	case StrategyCcxtBackup:
		if cerr.Feed != nil {
			h.recovery.ActivateCcxtBackup(*cerr.Feed)
		}
		h.recovery.TriggerFailover(cerr.SourceID, string(cerr.Classification))
	case StrategyGracefulDegradation:
		if cerr.Feed != nil {
			h.recovery.ImplementGracefulDegradation(*cerr.Feed)
		}
	}
}

// retryDelay derives the deferred-probe delay from recent error count,
// doubling per error up to the cap.
func (h *Handler) retryDelay(sourceID string) time.Duration {
	recent := h.history.Recent(sourceID, recentErrorWindow)
	delay := h.cfg.RetryBaseDelay
	for i := 1; i < recent && delay < h.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > h.cfg.RetryMaxDelay {
		delay = h.cfg.RetryMaxDelay
	}
	return delay
}

// scheduleRetry probes the source after the backoff delay. The probe
// runs through the source's circuit, so a tripped breaker swallows it.
func (h *Handler) scheduleRetry(cerr *ClassifiedError, after time.Duration) {
	src, ok := h.recovery.Source(cerr.SourceID)
	if !ok {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-h.stopCh:
			return
		case <-time.After(after):
		}

		err := h.probe(src)
		payload := map[string]any{
			"service":   src.ID(),
			"operation": "deferred retry probe",
		}
		if err != nil {
			payload["error"] = err.Error()
			log.Debug().Str("component", "errorhandler").Str("source", src.ID()).Err(err).Msg("deferred retry probe failed")
			if h.bus != nil {
				h.bus.Publish(events.TopicRetryFailure, payload)
			}
			return
		}
		h.markRecoveredIfUnhealthy(src.ID())
		if h.bus != nil {
			h.bus.Publish(events.TopicRetrySuccess, payload)
		}
	}()
}

func (h *Handler) probe(src Source) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ProbeTimeout)
	defer cancel()
	return h.circuits.Execute(ctx, src.ID(), func(ctx context.Context) error {
		return src.Probe(ctx)
	})
}

func (h *Handler) markRecoveredIfUnhealthy(sourceID string) {
	for _, id := range h.recovery.UnhealthySources() {
		if id == sourceID {
			h.recovery.MarkRecovered(sourceID)
			if h.bus != nil {
				h.bus.Publish(events.TopicSourceRecovered, sourceID)
			}
			return
		}
	}
}

// ErrorHistory returns the source's classified errors, oldest first
func (h *Handler) ErrorHistory(sourceID string) []*ClassifiedError {
	return h.history.Errors(sourceID)
}

func (h *Handler) monitorLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepUnhealthy()
		}
	}
}

// sweepUnhealthy probes every unhealthy source once; success restores
// it and announces the recovery.
func (h *Handler) sweepUnhealthy() {
	for _, id := range h.recovery.UnhealthySources() {
		src, ok := h.recovery.Source(id)
		if !ok {
			continue
		}
		if err := h.probe(src); err != nil {
			log.Debug().Str("component", "errorhandler").Str("source", id).Err(err).Msg("recovery probe failed")
			continue
		}
		h.recovery.MarkRecovered(id)
		log.Info().Str("component", "errorhandler").Str("source", id).Msg("source recovered")
		if h.bus != nil {
			h.bus.Publish(events.TopicSourceRecovered, id)
		}
	}
}
