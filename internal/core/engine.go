package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"nowsync/pkg/trackmatch"
)

// Engine merges the local and remote source states into the canonical
// now-playing value. Every trigger (timer tick, adapter push, force refresh,
// post-command settle) funnels into one serialized reconciliation loop;
// concurrent triggers coalesce instead of queueing.
type Engine struct {
	config  *Config
	local   LocalSource
	remote  RemoteSource
	logger  *zap.Logger
	metrics MetricsSink
	matcher *trackmatch.Matcher

	mu           sync.Mutex
	states       map[SourceID]*SourceState
	published    CanonicalNowPlaying
	hasPublished bool

	observerMutex sync.RWMutex
	observers     []func(CanonicalNowPlaying)

	// publishMutex keeps each notification paired with its publication, so
	// a racing optimistic flip and reconcile run cannot deliver out of
	// order.
	publishMutex sync.Mutex

	// trigger has capacity 1 so a burst of wakeups collapses into a single
	// reconciliation round.
	trigger chan string

	settleMutex sync.Mutex
	settleGen   uint64
	settleTimer *time.Timer

	statusMutex sync.RWMutex
	statusFn    func() string

	startMutex sync.Mutex
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}

	now func() time.Time
}

func NewEngine(
	config *Config,
	remote RemoteSource,
	metrics MetricsSink,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:  config,
		remote:  remote,
		logger:  logger,
		metrics: metrics,
		matcher: trackmatch.NewMatcher(),
		states: map[SourceID]*SourceState{
			SourceLocal:  {Source: SourceLocal},
			SourceRemote: {Source: SourceRemote},
		},
		trigger: make(chan string, 1),
		now:     time.Now,
	}
}

// AttachLocalSource wires the local adapter. The adapter is constructed with
// the engine as its snapshot sink, so it cannot exist before the engine does;
// call this before Start.
func (e *Engine) AttachLocalSource(local LocalSource) {
	e.startMutex.Lock()
	e.local = local
	e.startMutex.Unlock()
}

// localSource reads the attached local adapter under the same lock the
// setter holds.
func (e *Engine) localSource() LocalSource {
	e.startMutex.Lock()
	defer e.startMutex.Unlock()
	return e.local
}

// Start launches the reconciliation loop and the local adapter. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.startMutex.Lock()
	defer e.startMutex.Unlock()

	if e.started {
		return nil
	}

	e.logger.Info("Starting reconciliation engine",
		zap.Duration("reconcileInterval", e.config.Engine.ReconcileInterval),
		zap.Duration("recencyWindow", e.config.Engine.RecencyWindow),
		zap.Duration("localStalenessWindow", e.config.Engine.LocalStalenessWindow))

	if e.local != nil {
		if err := e.local.Start(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	go e.run(runCtx)
	return nil
}

// Stop halts the loop and the local adapter. Idempotent.
func (e *Engine) Stop() {
	e.startMutex.Lock()
	defer e.startMutex.Unlock()

	if !e.started {
		return
	}

	e.logger.Info("Stopping reconciliation engine")
	e.cancel()
	<-e.done
	if e.local != nil {
		e.local.Stop()
	}
	e.cancelSettle()
	e.started = false
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.Engine.ReconcileInterval)
	defer ticker.Stop()

	// Initial run so consumers see a value before the first tick.
	e.reconcile("startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile("tick")
		case reason := <-e.trigger:
			e.reconcile(reason)
		}
	}
}

// requestReconcile wakes the loop. The send is non-blocking: if a round is
// already pending the trigger is dropped, which is the coalescing the
// concurrency model requires.
func (e *Engine) requestReconcile(reason string) {
	select {
	case e.trigger <- reason:
	default:
	}
}

// ForceRefresh schedules an immediate reconciliation round. Host lifecycle
// hooks (foreground, resume) call this.
func (e *Engine) ForceRefresh() {
	e.requestReconcile("force_refresh")
}

// OfferSnapshot records an adapter observation. Offers whose sequence number
// is not strictly newer than the last accepted one for the source are
// discarded, so a slow stale response can never overwrite a fresher snapshot.
func (e *Engine) OfferSnapshot(source SourceID, snap *TrackSnapshot, seq uint64) {
	e.mu.Lock()
	state, ok := e.states[source]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("Snapshot offered for unknown source", zap.String("source", string(source)))
		return
	}

	if seq <= state.Seq && state.Seq != 0 {
		e.mu.Unlock()
		e.logger.Debug("Discarding superseded snapshot",
			zap.String("source", string(source)),
			zap.Uint64("seq", seq),
			zap.Uint64("currentSeq", state.Seq))
		if e.metrics != nil {
			e.metrics.RecordStaleDiscard(string(source))
		}
		return
	}

	state.Snapshot = snap
	state.Seq = seq
	state.UpdatedAt = e.now()
	e.mu.Unlock()

	e.requestReconcile("snapshot")
}

// SetPhase records the remote connection phase as reported by the resilience
// manager. The last snapshot survives a disconnect so it can back a
// Paused state within its staleness window.
func (e *Engine) SetPhase(source SourceID, phase ConnectionPhase, hasCredential bool) {
	e.mu.Lock()
	state, ok := e.states[source]
	if !ok {
		e.mu.Unlock()
		return
	}
	state.Phase = phase
	state.HasCredential = hasCredential
	e.mu.Unlock()

	if e.metrics != nil && source == SourceRemote {
		e.metrics.SetConnectionPhase(phase.String())
	}
	e.requestReconcile("phase_change")
}

// Subscribe registers a consumer notified on every distinct publication. The
// current value is delivered immediately if one has been published.
func (e *Engine) Subscribe(fn func(CanonicalNowPlaying)) {
	e.observerMutex.Lock()
	e.observers = append(e.observers, fn)
	e.observerMutex.Unlock()

	e.mu.Lock()
	current, has := e.published, e.hasPublished
	e.mu.Unlock()
	if has {
		fn(current)
	}
}

// CurrentNowPlaying returns the last published canonical value.
func (e *Engine) CurrentNowPlaying() CanonicalNowPlaying {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published
}

// SetStatusProvider wires the resilience manager's human-readable status.
func (e *Engine) SetStatusProvider(fn func() string) {
	e.statusMutex.Lock()
	e.statusFn = fn
	e.statusMutex.Unlock()
}

// ConnectionStatus returns a display string describing the remote link.
func (e *Engine) ConnectionStatus() string {
	e.statusMutex.RLock()
	fn := e.statusFn
	e.statusMutex.RUnlock()
	if fn == nil {
		return "unknown"
	}
	return fn()
}

// sourceStateCopy returns a copy of a source's state for inspection.
func (e *Engine) sourceStateCopy(source SourceID) SourceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.states[source]
}

func (e *Engine) notify(value CanonicalNowPlaying) {
	e.observerMutex.RLock()
	observers := make([]func(CanonicalNowPlaying), len(e.observers))
	copy(observers, e.observers)
	e.observerMutex.RUnlock()

	for _, fn := range observers {
		fn(value)
	}
}
