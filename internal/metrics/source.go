// Package metrics reads aggregated revenue and occupancy from the analytics
// warehouse tables.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lvlparking/pricelab/internal/domain"
	"github.com/lvlparking/pricelab/internal/rates"
)

// WarehouseSource implements domain.MetricsSource over the session_metrics
// mart table. Aggregates are precomputed upstream by the ingestion pipeline;
// this package only sums buckets inside the requested window.
type WarehouseSource struct {
	pool *pgxpool.Pool
}

// NewWarehouseSource creates a WarehouseSource backed by the given pool.
func NewWarehouseSource(pool *pgxpool.Pool) *WarehouseSource {
	return &WarehouseSource{pool: pool}
}

// Aggregate sums the mart buckets for one segment over [start, end) and
// derives revenue per space-hour and the occupancy ratio. A window with no
// buckets returns a zero slice, not an error; callers treat zero samples as
// insufficient data.
func (s *WarehouseSource) Aggregate(ctx context.Context, zoneID string, daypart domain.Daypart, dow int, start, end time.Time) (domain.MetricsSlice, error) {
	const query = `
		SELECT
			COALESCE(SUM(revenue), 0),
			COALESCE(SUM(space_hours), 0),
			COALESCE(SUM(occupied_hours), 0),
			COALESCE(SUM(sessions), 0)
		FROM session_metrics
		WHERE zone_id = $1 AND daypart = $2 AND dow = $3
		  AND bucket_start >= $4 AND bucket_start < $5`

	var revenue, spaceHours, occupiedHours float64
	var sessions int64
	err := s.pool.QueryRow(ctx, query,
		zoneID, string(daypart), dow, start, end,
	).Scan(&revenue, &spaceHours, &occupiedHours, &sessions)
	if err != nil {
		return domain.MetricsSlice{}, fmt.Errorf("metrics: aggregate %s %s dow %d: %w",
			zoneID, daypart, dow, err)
	}

	var slice domain.MetricsSlice
	slice.SampleCount = sessions
	if spaceHours > 0 {
		slice.RevPSH = revenue / spaceHours
		slice.OccupancyRatio = occupiedHours / spaceHours
	}
	return slice, nil
}

// SessionReader implements rates.SessionReader over the parking_sessions
// table, for tier inference.
type SessionReader struct {
	pool *pgxpool.Pool
}

// NewSessionReader creates a SessionReader backed by the given pool.
func NewSessionReader(pool *pgxpool.Pool) *SessionReader {
	return &SessionReader{pool: pool}
}

// Sessions returns completed paid sessions for one segment since the cutoff.
// Daypart membership is decided by the session start hour, matching how the
// mart buckets sessions.
func (r *SessionReader) Sessions(ctx context.Context, zoneID string, daypart domain.Daypart, dow int, since time.Time) ([]rates.Session, error) {
	query := `
		SELECT duration_minutes, amount_paid, started_at
		FROM parking_sessions
		WHERE zone_id = $1
		  AND ended_at IS NOT NULL
		  AND duration_minutes > 0
		  AND amount_paid > 0
		  AND started_at >= $2
		  AND EXTRACT(DOW FROM started_at) = $3`
	if daypart == domain.DaypartMorning {
		query += ` AND EXTRACT(HOUR FROM started_at) < 16`
	} else {
		query += ` AND EXTRACT(HOUR FROM started_at) >= 16`
	}

	rows, err := r.pool.Query(ctx, query, zoneID, since, dow)
	if err != nil {
		return nil, fmt.Errorf("metrics: list sessions %s: %w", zoneID, err)
	}
	defer rows.Close()

	var sessions []rates.Session
	for rows.Next() {
		var s rates.Session
		if err := rows.Scan(&s.DurationMinutes, &s.AmountPaid, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("metrics: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Segments returns every (zone, daypart, dow) combination with paid sessions
// since the cutoff, for the maintenance tick's re-inference pass.
func (r *SessionReader) Segments(ctx context.Context, since time.Time) ([]rates.Segment, error) {
	const query = `
		SELECT DISTINCT
			zone_id,
			CASE WHEN EXTRACT(HOUR FROM started_at) < 16 THEN 'morning' ELSE 'evening' END,
			EXTRACT(DOW FROM started_at)::int
		FROM parking_sessions
		WHERE ended_at IS NOT NULL
		  AND amount_paid > 0
		  AND started_at >= $1
		ORDER BY 1, 2, 3`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("metrics: list segments: %w", err)
	}
	defer rows.Close()

	var segments []rates.Segment
	for rows.Next() {
		var seg rates.Segment
		var daypart string
		if err := rows.Scan(&seg.ZoneID, &daypart, &seg.DOW); err != nil {
			return nil, fmt.Errorf("metrics: scan segment: %w", err)
		}
		seg.Daypart = domain.Daypart(daypart)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Compile-time interface checks.
var (
	_ domain.MetricsSource = (*WarehouseSource)(nil)
	_ rates.SessionReader  = (*SessionReader)(nil)
	_ rates.SegmentLister  = (*SessionReader)(nil)
)
