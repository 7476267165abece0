package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Spatial-NVR/objdetect/internal/geometry"
	"github.com/Spatial-NVR/objdetect/internal/tracking"
)

// TrackRecord is a stored track, live or ended
type TrackRecord struct {
	ID             string        `json:"id"`
	Label          string        `json:"label"`
	Color          string        `json:"color"`
	FirstSeen      time.Time     `json:"first_seen"`
	LastSeen       time.Time     `json:"last_seen"`
	Hits           int           `json:"hits"`
	BestConfidence float64       `json:"best_confidence"`
	LastLocation   geometry.Rect `json:"last_location"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// TrackFilter narrows ListTracks
type TrackFilter struct {
	Label     string
	Since     time.Time
	EndedOnly bool
	Limit     int
	Offset    int
}

// Cycle is one completed detection pass
type Cycle struct {
	Seq           int64         `json:"seq"`
	StartedAt     time.Time     `json:"started_at"`
	Latency       time.Duration `json:"latency"`
	RawDetections int           `json:"raw_detections"`
	Detections    int           `json:"detections"`
	Error         string        `json:"error,omitempty"`
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// TrackStarted inserts a new track
func (db *DB) TrackStarted(ctx context.Context, t tracking.Track) error {
	return trackStarted(ctx, db.DB, t)
}

// TrackUpdated refreshes a track's last sighting
func (db *DB) TrackUpdated(ctx context.Context, t tracking.Track) error {
	return trackUpdated(ctx, db.DB, t)
}

// TrackEnded marks a track as ended at its last sighting
func (db *DB) TrackEnded(ctx context.Context, t tracking.Track) error {
	return trackEnded(ctx, db.DB, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func trackStarted(ctx context.Context, ex execer, t tracking.Track) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO tracks (id, label, color, first_seen, last_seen, hits, best_confidence,
			last_left, last_top, last_right, last_bottom)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Label, t.HexColor(), toMillis(t.FirstSeen), toMillis(t.LastSeen), t.Hits, t.Confidence,
		t.Location.Left, t.Location.Top, t.Location.Right, t.Location.Bottom,
	)
	if err != nil {
		return fmt.Errorf("failed to insert track %s: %w", t.ID, err)
	}
	return nil
}

func trackUpdated(ctx context.Context, ex execer, t tracking.Track) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE tracks SET
			last_seen = ?,
			hits = ?,
			best_confidence = MAX(best_confidence, ?),
			last_left = ?, last_top = ?, last_right = ?, last_bottom = ?
		WHERE id = ?`,
		toMillis(t.LastSeen), t.Hits, t.Confidence,
		t.Location.Left, t.Location.Top, t.Location.Right, t.Location.Bottom,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update track %s: %w", t.ID, err)
	}
	return nil
}

func trackEnded(ctx context.Context, ex execer, t tracking.Track) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE tracks SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		toMillis(t.LastSeen), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to end track %s: %w", t.ID, err)
	}
	return nil
}

// RecordUpdate stores a whole tracking cycle in one transaction
func (db *DB) RecordUpdate(ctx context.Context, u tracking.Update) error {
	if u.Empty() {
		return nil
	}

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, t := range u.Started {
			if err := trackStarted(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, t := range u.Updated {
			if err := trackUpdated(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, t := range u.Ended {
			if err := trackEnded(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordCycle stores a completed detection pass
func (db *DB) RecordCycle(ctx context.Context, c Cycle) error {
	var errText sql.NullString
	if c.Error != "" {
		errText = sql.NullString{String: c.Error, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO cycles (seq, started_at, latency_ms, raw_detections, detections, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Seq, toMillis(c.StartedAt), float64(c.Latency)/float64(time.Millisecond),
		c.RawDetections, c.Detections, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to record cycle %d: %w", c.Seq, err)
	}
	return nil
}

func (f TrackFilter) where() (string, []any) {
	clause := " WHERE 1=1"
	var args []any

	if f.Label != "" {
		clause += " AND label = ?"
		args = append(args, f.Label)
	}
	if !f.Since.IsZero() {
		clause += " AND last_seen >= ?"
		args = append(args, toMillis(f.Since))
	}
	if f.EndedOnly {
		clause += " AND ended_at IS NOT NULL"
	}
	return clause, args
}

// ListTracks returns stored tracks, newest first
func (db *DB) ListTracks(ctx context.Context, f TrackFilter) ([]TrackRecord, error) {
	where, args := f.where()
	query := `SELECT id, label, color, first_seen, last_seen, hits, best_confidence,
		last_left, last_top, last_right, last_bottom, ended_at
		FROM tracks` + where + " ORDER BY first_seen DESC, id LIMIT ? OFFSET ?"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	defer rows.Close()

	records := []TrackRecord{}
	for rows.Next() {
		var (
			r           TrackRecord
			first, last int64
			ended       sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Label, &r.Color, &first, &last, &r.Hits, &r.BestConfidence,
			&r.LastLocation.Left, &r.LastLocation.Top, &r.LastLocation.Right, &r.LastLocation.Bottom,
			&ended); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		r.FirstSeen = fromMillis(first)
		r.LastSeen = fromMillis(last)
		if ended.Valid {
			at := fromMillis(ended.Int64)
			r.EndedAt = &at
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// CountTracks returns the number of stored tracks matching f, ignoring
// its limit and offset
func (db *DB) CountTracks(ctx context.Context, f TrackFilter) (int, error) {
	where, args := f.where()

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tracks"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracks: %w", err)
	}
	return n, nil
}

// CountCycles returns the number of stored cycles and how many of them failed
func (db *DB) CountCycles(ctx context.Context) (total, failed int64, err error) {
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(error) FROM cycles`,
	).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count cycles: %w", err)
	}
	return total, failed, nil
}

// PruneCycles removes cycles older than the given time
func (db *DB) PruneCycles(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM cycles WHERE started_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune cycles: %w", err)
	}
	return res.RowsAffected()
}
