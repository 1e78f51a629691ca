package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"nowsync/internal/core"
	"nowsync/pkg/trackmatch"
)

// historyReplayWindow buckets dedup keys by time so a track listened to again
// later records a fresh entry while pause/resume churn and source flapping
// within the window stay suppressed.
const historyReplayWindow = 10 * time.Minute

// HistoryEntry is one recorded listen.
type HistoryEntry struct {
	Title    string    `json:"title"`
	Artist   string    `json:"artist"`
	Album    string    `json:"album,omitempty"`
	Source   string    `json:"source"`
	PlayedAt time.Time `json:"playedAt"`
}

// HistoryRecorder writes newly published active tracks to the play_history
// table. It implements core.HistoryRecorder and is driven as an engine
// observer, so it only ever sees canonical publications.
type HistoryRecorder struct {
	db      *DB
	matcher *trackmatch.Matcher
	dedup   *dedup
	logger  *zap.Logger

	now func() time.Time
}

func NewHistoryRecorder(config *core.StoreConfig, db *DB, logger *zap.Logger) (*HistoryRecorder, error) {
	dd, err := newDedup(config.HistoryMax, config.HistoryBloomFP)
	if err != nil {
		return nil, fmt.Errorf("failed to create history dedup: %w", err)
	}

	return &HistoryRecorder{
		db:      db,
		matcher: trackmatch.NewMatcher(),
		dedup:   dd,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Record persists the published track when it is actively playing and was not
// already recorded within the replay window.
func (r *HistoryRecorder) Record(now core.CanonicalNowPlaying) {
	if !now.State.Active() || now.Snapshot == nil {
		return
	}

	playedAt := r.now()
	key := r.dedupKey(now.Snapshot, playedAt)
	if r.dedup.seen(key) {
		return
	}

	_, err := r.db.db.Exec(`
		INSERT INTO play_history (title, artist, album, source, played_at)
		VALUES (?, ?, ?, ?, ?)`,
		now.Snapshot.Title, now.Snapshot.Artist, now.Snapshot.Album,
		string(now.Source), playedAt)
	if err != nil {
		r.logger.Warn("Failed to record play history", zap.Error(err))
		return
	}

	r.dedup.mark(key)
	r.logger.Debug("Recorded play history",
		zap.String("title", now.Snapshot.Title),
		zap.String("artist", now.Snapshot.Artist),
		zap.String("source", string(now.Source)))
}

// Recent returns up to limit entries, newest first.
func (r *HistoryRecorder) Recent(limit int) ([]HistoryEntry, error) {
	rows, err := r.db.db.Query(`
		SELECT title, artist, album, source, played_at
		FROM play_history ORDER BY played_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query play history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Title, &e.Artist, &e.Album, &e.Source, &e.PlayedAt); err != nil {
			return nil, fmt.Errorf("failed to scan play history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// dedupKey folds metadata variants together so the same track reported by
// both sources maps to one key, then buckets by time to allow replays.
func (r *HistoryRecorder) dedupKey(snap *core.TrackSnapshot, at time.Time) string {
	bucket := at.Truncate(historyReplayWindow).Unix()
	return fmt.Sprintf("%s|%s|%d",
		r.matcher.NormalizeTitle(snap.Title),
		r.matcher.NormalizeArtist(snap.Artist),
		bucket)
}
