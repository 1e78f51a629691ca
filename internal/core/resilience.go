package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PhaseSink receives connection phase transitions and remote snapshots. The
// engine implements it.
type PhaseSink interface {
	SnapshotSink
	SetPhase(source SourceID, phase ConnectionPhase, hasCredential bool)
}

// ResilienceManager drives the remote source through the
// connect/authorize/reconnect state machine:
//
//	Idle -> Connecting -> Connected
//	Connected -> Disconnected on drop
//	Disconnected(credential held) -> Connecting via persistent reconnection
//	Disconnected(no credential) -> Idle
//	any -> Reauthorizing -> Connecting on Unauthorized or explicit request
//
// Reconnection runs at the fast interval for a bounded number of consecutive
// failures, then flat at the slow interval indefinitely. The credential is
// discarded only on explicit logout or an Unauthorized signal; age alone
// never invalidates it.
type ResilienceManager struct {
	config  *Config
	remote  RemoteSource
	store   CredentialStore
	sink    PhaseSink
	metrics MetricsSink
	logger  *zap.Logger

	mu         sync.Mutex
	phase      ConnectionPhase
	credential *Credential
	failures   int
	lastErr    error

	// wake interrupts backoff and idle waits when a credential arrives or a
	// logout/reauthorization request supersedes the pending schedule.
	wake chan struct{}

	snapshotSeq atomic.Uint64

	startMutex sync.Mutex
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}

	now func() time.Time
}

func NewResilienceManager(
	config *Config,
	remote RemoteSource,
	store CredentialStore,
	sink PhaseSink,
	metrics MetricsSink,
	logger *zap.Logger,
) *ResilienceManager {
	return &ResilienceManager{
		config:  config,
		remote:  remote,
		store:   store,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		phase:   PhaseIdle,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Start loads the persisted credential and launches the state machine loop.
// Idempotent.
func (m *ResilienceManager) Start(ctx context.Context) error {
	m.startMutex.Lock()
	defer m.startMutex.Unlock()

	if m.started {
		return nil
	}

	cred, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}

	m.mu.Lock()
	m.credential = cred
	if cred != nil {
		m.phase = PhaseConnecting
		if cred.MayBeStale(m.config.Remote.CredentialTTL, m.now()) {
			m.logger.Info("Saved credential may be stale, trying it anyway",
				zap.Time("savedAt", cred.SavedAt))
		}
	} else {
		m.phase = PhaseIdle
	}
	phase, hasCred := m.phase, cred != nil
	m.mu.Unlock()

	m.publishPhase(phase, hasCred)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.run(runCtx)
	return nil
}

// Stop halts the state machine. The credential is preserved.
func (m *ResilienceManager) Stop() {
	m.startMutex.Lock()
	defer m.startMutex.Unlock()

	if !m.started {
		return
	}
	m.cancel()
	<-m.done
	m.remote.Disconnect(true)
	m.started = false
}

func (m *ResilienceManager) run(ctx context.Context) {
	defer close(m.done)

	for {
		if ctx.Err() != nil {
			return
		}

		switch m.currentPhase() {
		case PhaseIdle, PhaseReauthorizing:
			// Nothing to do until a fresh credential arrives.
			if !m.waitWake(ctx) {
				return
			}
		case PhaseConnecting:
			m.attemptConnect(ctx)
		case PhaseConnected:
			m.maintain(ctx)
		case PhaseDisconnected:
			if !m.waitRetry(ctx) {
				return
			}
			m.mu.Lock()
			if m.phase == PhaseDisconnected && m.credential != nil {
				m.phase = PhaseConnecting
			}
			phase, hasCred := m.phase, m.credential != nil
			m.mu.Unlock()
			m.publishPhase(phase, hasCred)
		}
	}
}

// attemptConnect runs one connect attempt with a bounded timeout and applies
// the outcome to the state machine.
func (m *ResilienceManager) attemptConnect(ctx context.Context) {
	m.mu.Lock()
	cred := m.credential
	m.mu.Unlock()

	if cred == nil {
		m.transition(PhaseIdle, nil)
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.config.Remote.ConnectTimeout)
	err := m.remote.Connect(connectCtx, cred)
	cancel()

	switch {
	case err == nil:
		m.mu.Lock()
		m.failures = 0
		m.lastErr = nil
		m.mu.Unlock()
		m.logger.Info("Remote source connected")
		if m.metrics != nil {
			m.metrics.RecordReconnectAttempt("ok")
		}
		m.transition(PhaseConnected, nil)

	case IsUnauthorized(err):
		// Retrying the same bad token is useless: discard it and demand
		// fresh authorization.
		m.logger.Warn("Credential rejected, clearing and requiring reauthorization", zap.Error(err))
		if m.metrics != nil {
			m.metrics.RecordReconnectAttempt("unauthorized")
		}
		m.clearCredential()
		m.transition(PhaseReauthorizing, err)

	default:
		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.mu.Unlock()
		m.logger.Warn("Connect attempt failed",
			zap.Int("consecutiveFailures", failures),
			zap.Duration("nextRetryIn", m.retryDelay(failures)),
			zap.Error(err))
		if m.metrics != nil {
			m.metrics.RecordReconnectAttempt("error")
		}
		m.transition(PhaseDisconnected, err)
	}
}

// maintain holds the Connected phase: a liveness check at the configured
// interval and a snapshot refresh at the reconcile cadence. A liveness
// failure drops to Disconnected with the credential intact.
func (m *ResilienceManager) maintain(ctx context.Context) {
	liveness := time.NewTicker(m.config.Remote.LivenessInterval)
	defer liveness.Stop()
	refresh := time.NewTicker(m.config.Engine.ReconcileInterval)
	defer refresh.Stop()

	// Seed the engine with an initial snapshot right after connecting.
	m.refreshSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			if m.currentPhase() != PhaseConnected {
				return
			}
		case <-liveness.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.config.Remote.SnapshotTimeout)
			err := m.remote.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if IsUnauthorized(err) {
				m.logger.Warn("Liveness check rejected credential", zap.Error(err))
				m.clearCredential()
				m.remote.Disconnect(false)
				m.transition(PhaseReauthorizing, err)
				return
			}
			m.logger.Warn("Liveness check failed, starting persistent reconnection", zap.Error(err))
			m.remote.Disconnect(true)
			m.transition(PhaseDisconnected, err)
			return
		case <-refresh.C:
			if done := m.refreshSnapshot(ctx); done {
				return
			}
		}
	}
}

// refreshSnapshot pulls the current remote snapshot and offers it to the
// engine. Returns true when the phase changed and maintain should exit.
func (m *ResilienceManager) refreshSnapshot(ctx context.Context) bool {
	snap, err := m.remote.Snapshot(ctx)
	if err != nil {
		if IsUnauthorized(err) {
			m.logger.Warn("Snapshot fetch rejected credential", zap.Error(err))
			m.clearCredential()
			m.remote.Disconnect(false)
			m.transition(PhaseReauthorizing, err)
			return true
		}
		// Timeouts and transient network errors are retried on the next
		// tick; the liveness check decides when the link is actually gone.
		m.logger.Debug("Snapshot fetch failed", zap.Error(err))
		return false
	}

	m.sink.OfferSnapshot(SourceRemote, snap, m.snapshotSeq.Add(1))
	return false
}

// SaveCredential persists a freshly authorized token and resumes connecting.
// Called from the authorization callback.
func (m *ResilienceManager) SaveCredential(token string) error {
	cred := &Credential{Token: token, SavedAt: m.now()}
	if err := m.store.Save(cred); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}

	m.mu.Lock()
	m.credential = cred
	m.failures = 0
	m.phase = PhaseConnecting
	m.mu.Unlock()

	m.logger.Info("Credential saved, connecting")
	m.publishPhase(PhaseConnecting, true)
	m.notifyWake()
	return nil
}

// Logout discards the credential and stops all reconnection.
func (m *ResilienceManager) Logout() error {
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}

	m.mu.Lock()
	m.credential = nil
	m.failures = 0
	m.phase = PhaseIdle
	m.mu.Unlock()

	m.remote.Disconnect(false)
	m.logger.Info("Logged out, credential cleared")
	m.publishPhase(PhaseIdle, false)
	m.notifyWake()
	return nil
}

// RequestReauthorization clears the credential and cancels pending
// reconnection so a fresh out-of-band authorization flow can run.
func (m *ResilienceManager) RequestReauthorization() {
	m.clearCredential()
	m.transition(PhaseReauthorizing, nil)
	m.logger.Info("Reauthorization requested")
}

// HasCredential reports whether a credential is currently held.
func (m *ResilienceManager) HasCredential() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential != nil
}

// Phase returns the current connection phase.
func (m *ResilienceManager) Phase() ConnectionPhase {
	return m.currentPhase()
}

// Failures returns the consecutive connect failure count.
func (m *ResilienceManager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Status renders a human-readable connection status for display.
func (m *ResilienceManager) Status() string {
	m.mu.Lock()
	phase := m.phase
	failures := m.failures
	m.mu.Unlock()

	switch phase {
	case PhaseConnected:
		return "connected"
	case PhaseConnecting:
		return "connecting"
	case PhaseDisconnected:
		return fmt.Sprintf("reconnecting (attempt %d, next in %s)",
			failures+1, m.retryDelay(failures))
	case PhaseReauthorizing:
		return "authorization required"
	default:
		return "not connected"
	}
}

// retryDelay implements the bounded-fast-then-flat schedule: the fast
// interval for up to FastRetryLimit consecutive failures, the slow interval
// indefinitely afterwards.
func (m *ResilienceManager) retryDelay(failures int) time.Duration {
	if failures < m.config.Remote.FastRetryLimit {
		return m.config.Remote.FastRetryInterval
	}
	return m.config.Remote.SlowRetryInterval
}

func (m *ResilienceManager) currentPhase() ConnectionPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *ResilienceManager) transition(phase ConnectionPhase, err error) {
	m.mu.Lock()
	// Disconnected without a credential has nothing to reconnect with.
	if phase == PhaseDisconnected && m.credential == nil {
		phase = PhaseIdle
	}
	m.phase = phase
	m.lastErr = err
	hasCred := m.credential != nil
	m.mu.Unlock()
	m.publishPhase(phase, hasCred)
}

func (m *ResilienceManager) publishPhase(phase ConnectionPhase, hasCredential bool) {
	m.sink.SetPhase(SourceRemote, phase, hasCredential)
}

func (m *ResilienceManager) clearCredential() {
	m.mu.Lock()
	m.credential = nil
	m.failures = 0
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.logger.Error("Failed to clear persisted credential", zap.Error(err))
	}
}

func (m *ResilienceManager) notifyWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// waitWake blocks until woken or the context ends. Returns false on context
// cancellation.
func (m *ResilienceManager) waitWake(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		return true
	}
}

// waitRetry sleeps out the current backoff delay, interruptible by wake
// events (credential saved, logout). Returns false on context cancellation.
func (m *ResilienceManager) waitRetry(ctx context.Context) bool {
	m.mu.Lock()
	delay := m.retryDelay(m.failures)
	m.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		return true
	case <-timer.C:
		return true
	}
}
