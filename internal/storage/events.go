package storage

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/xerrors"
)

// Event is one row of the presence event log.
type Event struct {
	ID        int64     `json:"id"`
	AppKey    string    `json:"-"`
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Tag       string    `json:"tag,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"userAgent,omitempty"`
	// Duration is the session length in whole seconds, set on disconnect.
	Duration int64 `json:"duration,omitempty"`
	// Count is the tag occupancy after the event. It feeds the per-tag
	// analytics and is not stored on the event row.
	Count int `json:"-"`
	// PreviousTag is the tag an update moved the session off, with its
	// occupancy afterwards. Only the analytics row is touched.
	PreviousTag   string `json:"-"`
	PreviousCount int    `json:"-"`
}

// TagSummary is the running analytics row for one tag of one app.
type TagSummary struct {
	Name          string    `json:"name"`
	Active        bool      `json:"isActive"`
	TotalUpdates  int64     `json:"totalUpdates"`
	PeakSessions  int       `json:"peakConcurrentConnections"`
	PeakReachedAt time.Time `json:"peakReachedAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AppendEvent writes ev to the log and folds it into the tag summary in one
// transaction.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (err error) {
	ts := ev.Timestamp.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var duration sql.NullInt64
	if ev.Type == "disconnect" {
		duration = sql.NullInt64{Int64: ev.Duration, Valid: true}
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO presence_event(app_key, type, tag, status, session_id, timestamp, user_agent, duration)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AppKey, ev.Type, nullString(ev.Tag), nullString(ev.Status), ev.SessionID, ts,
		nullString(ev.UserAgent), duration); err != nil {
		return xerrors.Errorf("insert event: %w", err)
	}

	if ev.Tag != "" {
		updates := 0
		if ev.Type == "update" {
			updates = 1
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO presence_tag(app_key, name, is_active, total_updates, peak_concurrent_connections,
				peak_reached_at, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(app_key, name) DO UPDATE SET
				is_active = excluded.is_active,
				total_updates = presence_tag.total_updates + excluded.total_updates,
				peak_reached_at = CASE
					WHEN excluded.peak_concurrent_connections > presence_tag.peak_concurrent_connections
					THEN excluded.peak_reached_at ELSE presence_tag.peak_reached_at END,
				peak_concurrent_connections = MAX(presence_tag.peak_concurrent_connections,
					excluded.peak_concurrent_connections),
				updated_at = excluded.updated_at`,
			ev.AppKey, ev.Tag, ev.Count > 0, updates, ev.Count, ts, ts, ts); err != nil {
			return xerrors.Errorf("upsert tag: %w", err)
		}
	}
	if ev.PreviousTag != "" && ev.PreviousTag != ev.Tag {
		if _, err = tx.ExecContext(ctx, `
			UPDATE presence_tag SET is_active = ?, updated_at = ?
			WHERE app_key = ? AND name = ?`,
			ev.PreviousCount > 0, ts, ev.AppKey, ev.PreviousTag); err != nil {
			return xerrors.Errorf("refresh previous tag: %w", err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns up to limit events for appKey, newest first.
func (s *Store) RecentEvents(ctx context.Context, appKey string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_key, type, tag, status, session_id, timestamp, user_agent, duration
		FROM presence_event
		WHERE app_key = ?
		ORDER BY id DESC
		LIMIT ?
	`, appKey, limit)
	if err != nil {
		return nil, xerrors.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var (
			ev                     Event
			tag, status, userAgent sql.NullString
			duration               sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.AppKey, &ev.Type, &tag, &status, &ev.SessionID,
			&ev.Timestamp, &userAgent, &duration); err != nil {
			return nil, err
		}
		ev.Tag = tag.String
		ev.Status = status.String
		ev.UserAgent = userAgent.String
		ev.Duration = duration.Int64
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TagSummaries returns the analytics rows of appKey ordered by tag name.
func (s *Store) TagSummaries(ctx context.Context, appKey string) ([]TagSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, is_active, total_updates, peak_concurrent_connections, peak_reached_at, created_at, updated_at
		FROM presence_tag
		WHERE app_key = ?
		ORDER BY name ASC
	`, appKey)
	if err != nil {
		return nil, xerrors.Errorf("query tags: %w", err)
	}
	defer rows.Close()
	var tags []TagSummary
	for rows.Next() {
		var t TagSummary
		if err := rows.Scan(&t.Name, &t.Active, &t.TotalUpdates, &t.PeakSessions,
			&t.PeakReachedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}
