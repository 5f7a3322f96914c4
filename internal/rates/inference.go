package rates

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
)

// Session is one completed parking session used for tier inference.
type Session struct {
	DurationMinutes int
	AmountPaid      float64
	StartedAt       time.Time
}

// SessionReader supplies completed sessions for one segment.
type SessionReader interface {
	Sessions(ctx context.Context, zoneID string, daypart domain.Daypart, dow int, since time.Time) ([]Session, error)
}

// Segment identifies one (zone, daypart, day-of-week) pricing slot.
type Segment struct {
	ZoneID  string
	Daypart domain.Daypart
	DOW     int
}

// SegmentLister enumerates segments with recent session activity.
type SegmentLister interface {
	Segments(ctx context.Context, since time.Time) ([]Segment, error)
}

// Duration bucket boundaries for inferred tiers, in minutes.
const (
	shortStayMaxMin  = 60
	mediumStayMaxMin = 180
)

// minSessionsPerTier is the floor below which a duration bucket is skipped
// rather than inferred from noise.
const minSessionsPerTier = 5

// Inferrer derives tier tables from observed sessions and stores them as the
// segment's rate plan. When too few sessions exist it falls back to the
// configured default tiers.
type Inferrer struct {
	reader   SessionReader
	store    domain.RatePlanStore
	fallback []domain.RateTier
	lookback time.Duration
	logger   *slog.Logger
}

// NewInferrer creates an Inferrer. fallback tiers are used for segments with
// no usable session history.
func NewInferrer(reader SessionReader, store domain.RatePlanStore, fallback []domain.RateTier, lookback time.Duration, logger *slog.Logger) *Inferrer {
	if lookback <= 0 {
		lookback = 90 * 24 * time.Hour
	}
	return &Inferrer{
		reader:   reader,
		store:    store,
		fallback: fallback,
		lookback: lookback,
		logger:   logger.With(slog.String("component", "rates")),
	}
}

// Infer builds and persists the rate plan for one segment. The returned plan
// reflects what was stored.
func (inf *Inferrer) Infer(ctx context.Context, zoneID string, daypart domain.Daypart, dow int) (domain.RatePlan, error) {
	since := time.Now().UTC().Add(-inf.lookback)
	sessions, err := inf.reader.Sessions(ctx, zoneID, daypart, dow, since)
	if err != nil {
		return domain.RatePlan{}, fmt.Errorf("rates: load sessions for %s: %w", zoneID, err)
	}

	tiers := InferTiers(sessions)
	source := "inferred"
	if len(tiers) == 0 {
		tiers = append([]domain.RateTier(nil), inf.fallback...)
		source = "default"
		inf.logger.Info("no usable sessions, using default tiers",
			slog.String("zone_id", zoneID),
			slog.String("daypart", string(daypart)),
			slog.Int("dow", dow))
	}

	plan := domain.RatePlan{
		ZoneID:    zoneID,
		Daypart:   daypart,
		DOW:       dow,
		Tiers:     tiers,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}

	if err := inf.store.Replace(ctx, plan); err != nil {
		return domain.RatePlan{}, fmt.Errorf("rates: store plan for %s: %w", zoneID, err)
	}

	inf.logger.Info("rate plan inferred",
		slog.String("zone_id", zoneID),
		slog.String("daypart", string(daypart)),
		slog.Int("dow", dow),
		slog.String("source", source),
		slog.Int("tiers", len(tiers)),
		slog.Int("sessions", len(sessions)))

	return plan, nil
}

// InferAll re-infers the rate plan for every segment with session activity
// inside the lookback window. A failing segment is logged and skipped so one
// bad segment does not starve the rest. Returns the number of plans stored.
func (inf *Inferrer) InferAll(ctx context.Context, segments SegmentLister) (int, error) {
	since := time.Now().UTC().Add(-inf.lookback)
	segs, err := segments.Segments(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("rates: list segments: %w", err)
	}

	var stored int
	for _, seg := range segs {
		if ctx.Err() != nil {
			return stored, ctx.Err()
		}
		if _, err := inf.Infer(ctx, seg.ZoneID, seg.Daypart, seg.DOW); err != nil {
			inf.logger.Error("segment inference failed",
				slog.String("zone_id", seg.ZoneID),
				slog.String("daypart", string(seg.Daypart)),
				slog.Int("dow", seg.DOW),
				slog.String("error", err.Error()))
			continue
		}
		stored++
	}
	return stored, nil
}

// InferTiers buckets sessions by stay duration (shortstay up to 1h, midstay
// up to 3h, extended beyond) and takes the median effective hourly rate of
// each bucket, quarter-rounded. Buckets with too few sessions are omitted.
func InferTiers(sessions []Session) []domain.RateTier {
	var short, medium, extended []float64
	for _, s := range sessions {
		if s.DurationMinutes <= 0 || s.AmountPaid <= 0 {
			continue
		}
		hourly := s.AmountPaid / (float64(s.DurationMinutes) / 60.0)
		switch {
		case s.DurationMinutes <= shortStayMaxMin:
			short = append(short, hourly)
		case s.DurationMinutes <= mediumStayMaxMin:
			medium = append(medium, hourly)
		default:
			extended = append(extended, hourly)
		}
	}

	var tiers []domain.RateTier
	if len(short) >= minSessionsPerTier {
		tiers = append(tiers, domain.RateTier{
			Name:           "shortstay",
			DurationMaxMin: shortStayMaxMin,
			RatePerHour:    RoundToQuarter(median(short)),
		})
	}
	if len(medium) >= minSessionsPerTier {
		tiers = append(tiers, domain.RateTier{
			Name:           "midstay",
			DurationMaxMin: mediumStayMaxMin,
			RatePerHour:    RoundToQuarter(median(medium)),
		})
	}
	if len(extended) >= minSessionsPerTier {
		tiers = append(tiers, domain.RateTier{
			Name:           "extended",
			DurationMaxMin: 0,
			RatePerHour:    RoundToQuarter(median(extended)),
		})
	}
	return tiers
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
