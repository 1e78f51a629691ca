package core

import (
	"time"

	"go.uber.org/zap"
)

// reconcile runs one round of the decision procedure against the current
// source states and publishes the result if it differs from the previous
// canonical value. Runs only on the engine loop goroutine (or directly in
// tests); the state mutex covers the whole derivation so concurrent offers
// cannot interleave partial updates.
func (e *Engine) reconcile(trigger string) {
	if e.metrics != nil {
		e.metrics.RecordReconcile(trigger)
	}

	e.publishMutex.Lock()
	defer e.publishMutex.Unlock()

	e.mu.Lock()
	now := e.now()
	local := *e.states[SourceLocal]
	remote := *e.states[SourceRemote]
	prev := e.published
	hadPrev := e.hasPublished

	next := e.derive(local, remote, prev, now)

	changed := !hadPrev || !next.Equivalent(prev)
	if changed {
		e.published = next
		e.hasPublished = true
	}
	e.mu.Unlock()

	if !changed {
		return
	}

	e.logger.Info("Canonical now-playing changed",
		zap.String("trigger", trigger),
		zap.String("state", next.State.String()),
		zap.String("source", string(next.Source)),
		zap.String("title", snapshotTitle(next.Snapshot)))

	if e.metrics != nil {
		e.metrics.RecordPublication(next.State.String())
	}
	e.notify(next)
}

// derive evaluates the decision procedure in order:
//  1. both active: recency override, else remote wins
//  2. exactly one active: that source
//  3. neither active but a recent paused snapshot exists: hold it as Paused
//  4. otherwise: Empty
func (e *Engine) derive(local, remote SourceState, prev CanonicalNowPlaying, now time.Time) CanonicalNowPlaying {
	localActive := local.Snapshot != nil && local.Snapshot.IsPlaying
	remoteActive := remote.Phase == PhaseConnected &&
		remote.Snapshot != nil && remote.Snapshot.IsPlaying

	switch {
	case localActive && remoteActive:
		return e.resolveConflict(local, remote, prev, now)
	case localActive:
		return canonicalFor(StateActiveLocal, SourceLocal, local.Snapshot, now)
	case remoteActive:
		return canonicalFor(StateActiveRemote, SourceRemote, remote.Snapshot, now)
	default:
		return e.pausedFallback(local, remote, now)
	}
}

// resolveConflict decides which of two simultaneously-active sources is
// authoritative. A source updated strictly more recently, within the recency
// window, and differing from the currently published source wins: that is the
// "user just switched apps" signal. When both sources report the same track
// the published source is kept to avoid flapping on equivalent metadata.
// Everything else defaults to the remote source, the explicitly-initiated one.
func (e *Engine) resolveConflict(local, remote SourceState, prev CanonicalNowPlaying, now time.Time) CanonicalNowPlaying {
	if prev.State != StateEmpty && e.matcher.SameTrack(
		local.Snapshot.Title, local.Snapshot.Artist,
		remote.Snapshot.Title, remote.Snapshot.Artist) {
		if prev.Source == SourceLocal {
			return canonicalFor(StateActiveLocal, SourceLocal, local.Snapshot, now)
		}
		return canonicalFor(StateActiveRemote, SourceRemote, remote.Snapshot, now)
	}

	window := e.config.Engine.RecencyWindow

	localRecent := now.Sub(local.UpdatedAt) <= window
	remoteRecent := now.Sub(remote.UpdatedAt) <= window

	if localRecent && local.UpdatedAt.After(remote.UpdatedAt) && prev.Source != SourceLocal {
		e.logger.Debug("Recency override: preferring local source",
			zap.Time("localUpdatedAt", local.UpdatedAt),
			zap.Time("remoteUpdatedAt", remote.UpdatedAt))
		return canonicalFor(StateActiveLocal, SourceLocal, local.Snapshot, now)
	}
	if remoteRecent && remote.UpdatedAt.After(local.UpdatedAt) && prev.Source != SourceRemote {
		e.logger.Debug("Recency override: preferring remote source",
			zap.Time("localUpdatedAt", local.UpdatedAt),
			zap.Time("remoteUpdatedAt", remote.UpdatedAt))
		return canonicalFor(StateActiveRemote, SourceRemote, remote.Snapshot, now)
	}

	return canonicalFor(StateActiveRemote, SourceRemote, remote.Snapshot, now)
}

// pausedFallback holds a recent paused snapshot instead of clearing, which
// suppresses flicker during brief pauses and dropouts. "Recent" is judged per
// source: the remote window covers a single observation gap because remote
// data arrives every tick while connected, while the local window is long
// because local absence is a weak signal. If both qualify the more recently
// updated snapshot wins.
func (e *Engine) pausedFallback(local, remote SourceState, now time.Time) CanonicalNowPlaying {
	localFresh := local.Snapshot != nil &&
		now.Sub(local.UpdatedAt) <= e.config.Engine.LocalStalenessWindow
	remoteFresh := remote.Snapshot != nil &&
		now.Sub(remote.UpdatedAt) <= e.config.Engine.RemoteStalenessWindow

	switch {
	case localFresh && remoteFresh:
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return canonicalFor(StatePausedRemote, SourceRemote, pausedCopy(remote.Snapshot), now)
		}
		return canonicalFor(StatePausedLocal, SourceLocal, pausedCopy(local.Snapshot), now)
	case remoteFresh:
		return canonicalFor(StatePausedRemote, SourceRemote, pausedCopy(remote.Snapshot), now)
	case localFresh:
		return canonicalFor(StatePausedLocal, SourceLocal, pausedCopy(local.Snapshot), now)
	default:
		return CanonicalNowPlaying{State: StateEmpty, PublishedAt: now}
	}
}

func canonicalFor(state PlaybackState, source SourceID, snap *TrackSnapshot, now time.Time) CanonicalNowPlaying {
	return CanonicalNowPlaying{
		Snapshot:    snap,
		Source:      source,
		State:       state,
		PublishedAt: now,
	}
}

// pausedCopy normalizes a held snapshot to non-playing. The snapshot may have
// reported IsPlaying=true before the source went silent.
func pausedCopy(snap *TrackSnapshot) *TrackSnapshot {
	if snap == nil || !snap.IsPlaying {
		return snap
	}
	cp := *snap
	cp.IsPlaying = false
	return &cp
}

func snapshotTitle(snap *TrackSnapshot) string {
	if snap == nil {
		return ""
	}
	return snap.Title
}
