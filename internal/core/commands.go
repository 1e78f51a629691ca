package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Command routing: playback commands go to whichever source currently backs
// the canonical state. After dispatch the engine optimistically flips its
// play/pause copy for immediate consumer feedback, then schedules a settle
// reconciliation that re-derives the truth from fresh adapter snapshots.

// TogglePlayback toggles play/pause on the authoritative source.
func (e *Engine) TogglePlayback(ctx context.Context) error {
	return e.dispatch(ctx, CommandToggle)
}

// SkipNext skips forward on the authoritative source.
func (e *Engine) SkipNext(ctx context.Context) error {
	return e.dispatch(ctx, CommandNext)
}

// SkipPrevious skips backward on the authoritative source.
func (e *Engine) SkipPrevious(ctx context.Context) error {
	return e.dispatch(ctx, CommandPrevious)
}

func (e *Engine) dispatch(ctx context.Context, cmd PlaybackCommand) error {
	e.mu.Lock()
	target := e.published.Source
	state := e.published.State
	e.mu.Unlock()

	if state == StateEmpty {
		if e.metrics != nil {
			e.metrics.RecordCommand(cmd.String(), "no_target")
		}
		return fmt.Errorf("no playback source backs the canonical state")
	}

	var err error
	switch target {
	case SourceLocal:
		local := e.localSource()
		if local == nil {
			err = fmt.Errorf("no local source attached")
			break
		}
		err = local.Command(ctx, cmd)
	case SourceRemote:
		err = e.remote.Command(ctx, cmd)
	default:
		err = fmt.Errorf("unknown command target %q", target)
	}

	if err != nil {
		// Command failures surface via status only; canonical state is
		// changed exclusively by reconciliation runs.
		e.logger.Warn("Playback command failed",
			zap.String("command", cmd.String()),
			zap.String("target", string(target)),
			zap.Error(err))
		if e.metrics != nil {
			e.metrics.RecordCommand(cmd.String(), "error")
		}
		return err
	}

	e.logger.Debug("Playback command dispatched",
		zap.String("command", cmd.String()),
		zap.String("target", string(target)))
	if e.metrics != nil {
		e.metrics.RecordCommand(cmd.String(), "ok")
	}

	if cmd == CommandToggle {
		e.applyOptimisticToggle(target)
	}
	e.scheduleSettle()
	return nil
}

// applyOptimisticToggle flips the published play/pause copy without waiting
// for the adapter to confirm. The settle reconciliation overwrites the guess.
func (e *Engine) applyOptimisticToggle(target SourceID) {
	e.publishMutex.Lock()
	defer e.publishMutex.Unlock()

	e.mu.Lock()
	if !e.hasPublished || e.published.Snapshot == nil {
		e.mu.Unlock()
		return
	}

	snap := *e.published.Snapshot
	snap.IsPlaying = !snap.IsPlaying

	next := e.published
	next.Snapshot = &snap
	next.PublishedAt = e.now()
	if snap.IsPlaying {
		if target == SourceLocal {
			next.State = StateActiveLocal
		} else {
			next.State = StateActiveRemote
		}
	} else {
		if target == SourceLocal {
			next.State = StatePausedLocal
		} else {
			next.State = StatePausedRemote
		}
	}
	e.published = next
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordPublication(next.State.String())
	}
	e.notify(next)
}

// scheduleSettle arms the post-command settle timer. Each call bumps a
// generation token; a newer command supersedes and cancels the pending timer.
func (e *Engine) scheduleSettle() {
	e.settleMutex.Lock()
	defer e.settleMutex.Unlock()

	e.settleGen++
	gen := e.settleGen

	if e.settleTimer != nil {
		e.settleTimer.Stop()
	}
	e.settleTimer = time.AfterFunc(e.config.Engine.SettleDelay, func() {
		e.settleMutex.Lock()
		current := e.settleGen == gen
		e.settleMutex.Unlock()
		if current {
			e.requestReconcile("settle")
		}
	})
}

func (e *Engine) cancelSettle() {
	e.settleMutex.Lock()
	defer e.settleMutex.Unlock()
	if e.settleTimer != nil {
		e.settleTimer.Stop()
		e.settleTimer = nil
	}
	e.settleGen++
}
