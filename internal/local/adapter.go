// Package local observes the on-device OS media session and converts it into
// typed track snapshots for the reconciliation engine.
package local

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nowsync/internal/core"
)

// MediaItem is the raw now-playing metadata reported by the OS session.
type MediaItem struct {
	Title      string
	Artist     string
	Album      string
	ArtworkRef string
	Playing    bool
}

// MediaSession is the opaque OS binding. NowPlaying returns (nil, nil) when
// no media session is active, which is a normal condition, not an error.
// Changes may return nil when the platform offers no push notifications; the
// adapter then relies on polling alone.
type MediaSession interface {
	NowPlaying(ctx context.Context) (*MediaItem, error)
	Command(ctx context.Context, cmd core.PlaybackCommand) error
	Changes() <-chan struct{}
}

// NoSession is the MediaSession used when the host has no observable media
// session. It reports nothing playing and rejects no commands.
type NoSession struct{}

func (NoSession) NowPlaying(context.Context) (*MediaItem, error)      { return nil, nil }
func (NoSession) Command(context.Context, core.PlaybackCommand) error { return nil }
func (NoSession) Changes() <-chan struct{}                            { return nil }

// Adapter polls the media session on a fixed interval as a fallback for
// missed notifications and forwards every observation to the engine with a
// monotonically increasing sequence number.
type Adapter struct {
	config  *core.LocalConfig
	session MediaSession
	sink    core.SnapshotSink
	logger  *zap.Logger

	seq atomic.Uint64

	mu      sync.Mutex
	current *core.TrackSnapshot

	startMutex sync.Mutex
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}

	now func() time.Time
}

func NewAdapter(config *core.LocalConfig, session MediaSession, sink core.SnapshotSink, logger *zap.Logger) *Adapter {
	return &Adapter{
		config:  config,
		session: session,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the poll loop. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.startMutex.Lock()
	defer a.startMutex.Unlock()

	if a.started {
		return nil
	}

	a.logger.Info("Starting local source adapter",
		zap.Duration("pollInterval", a.config.PollInterval))

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.started = true

	go a.run(runCtx)
	return nil
}

// Stop halts polling. Idempotent.
func (a *Adapter) Stop() {
	a.startMutex.Lock()
	defer a.startMutex.Unlock()

	if !a.started {
		return
	}
	a.cancel()
	<-a.done
	a.started = false
}

// Current returns the latest known snapshot, or nil when no local session is
// active.
func (a *Adapter) Current() *core.TrackSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Command applies a playback command directly to the local session, then
// refreshes the snapshot immediately so the post-command settle
// reconciliation sees the new state instead of waiting for the next poll.
func (a *Adapter) Command(ctx context.Context, cmd core.PlaybackCommand) error {
	if err := a.session.Command(ctx, cmd); err != nil {
		return err
	}
	a.observe(ctx)
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	a.observe(ctx)

	changes := a.session.Changes()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.observe(ctx)
		case _, ok := <-changes:
			if !ok {
				// Notification stream ended; keep polling.
				changes = nil
				continue
			}
			a.observe(ctx)
		}
	}
}

// observe captures one snapshot from the session and offers it to the engine.
func (a *Adapter) observe(ctx context.Context) {
	item, err := a.session.NowPlaying(ctx)
	if err != nil {
		a.logger.Debug("Failed to read local media session", zap.Error(err))
		return
	}

	var snap *core.TrackSnapshot
	if item != nil {
		snap = &core.TrackSnapshot{
			Title:      item.Title,
			Artist:     item.Artist,
			Album:      item.Album,
			ArtworkRef: item.ArtworkRef,
			IsPlaying:  item.Playing,
			Source:     core.SourceLocal,
			ObservedAt: a.now(),
		}
	}

	a.mu.Lock()
	a.current = snap
	a.mu.Unlock()

	a.sink.OfferSnapshot(core.SourceLocal, snap, a.seq.Add(1))
}
