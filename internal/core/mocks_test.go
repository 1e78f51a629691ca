package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// mockLocalSource records dispatched commands.
type mockLocalSource struct {
	mu       sync.Mutex
	commands []PlaybackCommand
	err      error
	current  *TrackSnapshot
}

func (m *mockLocalSource) Start(context.Context) error { return nil }
func (m *mockLocalSource) Stop()                       {}

func (m *mockLocalSource) Current() *TrackSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockLocalSource) Command(_ context.Context, cmd PlaybackCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.commands = append(m.commands, cmd)
	return nil
}

func (m *mockLocalSource) commandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

// mockRemoteSource scripts connect outcomes and records interactions.
type mockRemoteSource struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	pingErr     error
	snapshot    *TrackSnapshot
	snapshotErr error
	commands    []PlaybackCommand
	commandErr  error
	disconnects []bool
}

func (m *mockRemoteSource) Connect(context.Context, *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.connects < len(m.connectErrs) {
		err = m.connectErrs[m.connects]
	}
	m.connects++
	return err
}

func (m *mockRemoteSource) Disconnect(preserveCredential bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, preserveCredential)
}

func (m *mockRemoteSource) Snapshot(context.Context) (*TrackSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, m.snapshotErr
}

func (m *mockRemoteSource) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *mockRemoteSource) Command(_ context.Context, cmd PlaybackCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandErr != nil {
		return m.commandErr
	}
	m.commands = append(m.commands, cmd)
	return nil
}

func (m *mockRemoteSource) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *mockRemoteSource) commandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

// mockCredentialStore is an in-memory core.CredentialStore.
type mockCredentialStore struct {
	mu      sync.Mutex
	cred    *Credential
	loadErr error
}

func (m *mockCredentialStore) Load() (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, m.loadErr
}

func (m *mockCredentialStore) Save(cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred
	return nil
}

func (m *mockCredentialStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	return nil
}

func (m *mockCredentialStore) saved() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

// mockPhaseSink records phase transitions and snapshot offers.
type mockPhaseSink struct {
	mu        sync.Mutex
	phases    []ConnectionPhase
	snapshots []*TrackSnapshot
}

func (m *mockPhaseSink) OfferSnapshot(_ SourceID, snap *TrackSnapshot, _ uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
}

func (m *mockPhaseSink) SetPhase(_ SourceID, phase ConnectionPhase, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, phase)
}

func (m *mockPhaseSink) lastPhase() ConnectionPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.phases) == 0 {
		return PhaseIdle
	}
	return m.phases[len(m.phases)-1]
}

func (m *mockPhaseSink) snapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// testEngine builds an engine with a controllable clock. Advance the clock by
// reassigning *clock.
func testEngine() (*Engine, *mockLocalSource, *mockRemoteSource, *time.Time) {
	local := &mockLocalSource{}
	remote := &mockRemoteSource{}
	engine := NewEngine(DefaultConfig(), remote, nil, zap.NewNop())
	engine.AttachLocalSource(local)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return clock }
	return engine, local, remote, &clock
}

func localSnap(title string, playing bool, at time.Time) *TrackSnapshot {
	return &TrackSnapshot{
		Title:      title,
		Artist:     "Artist",
		IsPlaying:  playing,
		Source:     SourceLocal,
		ObservedAt: at,
	}
}

func remoteSnap(title string, playing bool, at time.Time) *TrackSnapshot {
	return &TrackSnapshot{
		Title:      title,
		Artist:     "Artist",
		IsPlaying:  playing,
		Source:     SourceRemote,
		ObservedAt: at,
	}
}
