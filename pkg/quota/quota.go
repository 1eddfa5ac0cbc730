// Package quota tracks consumption of the remote service's daily call budget.
//
// The service publishes authoritative quota headers on every response. When
// they are present they win; when they are absent or malformed the tracker
// degrades to best-effort local decrements. All "today" counters roll over at
// a fixed wall-clock instant in the service's own reference time zone,
// independent of where the controller runs.
package quota

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Info carries authoritative quota values parsed from response headers.
type Info struct {
	Limit     int
	Remaining int
}

// Health is the tri-state condition of the remote call budget.
type Health int

const (
	Connected Health = iota
	Throttled
	RateLimited
)

func (h Health) String() string {
	switch h {
	case Throttled:
		return "throttled"
	case RateLimited:
		return "rate_limited"
	default:
		return "connected"
	}
}

type Config struct {
	DailyLimit        int
	PercentTarget     float64
	BackgroundReserve int
	ThrottleThreshold int
	ResetHour         int
	ResetMinute       int
	TimeZone          string
}

// DayState is the persistable part of the tracker.
type DayState struct {
	ResetAt         time.Time
	UsedToday       int
	NonPollingToday int
	Remaining       int
	DailyLimit      int
}

// Tracker maintains the running budget model. It never returns errors from
// bookkeeping: a successful remote call must not be failed by quota accounting.
type Tracker struct {
	cfg    Config
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time

	mu              sync.Mutex
	dailyLimit      int
	remaining       int
	usedToday       int
	nonPollingToday int
	resetAt         time.Time
}

func New(cfg Config, logger *slog.Logger) (*Tracker, error) {
	if cfg.TimeZone == "" {
		cfg.TimeZone = "Europe/Berlin"
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("quota: invalid time zone %q: %w", cfg.TimeZone, err)
	}
	if cfg.PercentTarget <= 0 || cfg.PercentTarget > 1 {
		return nil, fmt.Errorf("quota: percent target must be in (0,1], got %.2f", cfg.PercentTarget)
	}
	t := &Tracker{
		cfg:        cfg,
		loc:        loc,
		logger:     logger,
		now:        time.Now,
		dailyLimit: cfg.DailyLimit,
		remaining:  cfg.DailyLimit,
	}
	t.resetAt = t.nextReset(t.now())
	return t, nil
}

// Location returns the service's reference time zone.
func (t *Tracker) Location() *time.Location {
	return t.loc
}

// nextReset returns the next reset boundary after now, in the service's
// reference zone. Within five minutes of the boundary the next day's instant
// is returned, so a poll landing on the boundary itself never schedules
// against a reset that is already happening.
func (t *Tracker) nextReset(now time.Time) time.Time {
	now = now.In(t.loc)
	reset := time.Date(now.Year(), now.Month(), now.Day(), t.cfg.ResetHour, t.cfg.ResetMinute, 0, 0, t.loc)
	if !now.Before(reset.Add(-5 * time.Minute)) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// rollover zeroes the "today" counters if the reset boundary was crossed since
// the last record. Must be called with the lock held, before any other update.
func (t *Tracker) rollover(now time.Time) {
	if now.Before(t.resetAt) {
		return
	}
	t.logger.Info("quota reset boundary crossed",
		slog.Time("resetAt", t.resetAt),
		slog.Int("usedToday", t.usedToday))
	t.usedToday = 0
	t.nonPollingToday = 0
	t.remaining = t.dailyLimit
	t.resetAt = t.nextReset(now)
}

// RecordResponse ingests the outcome of one remote call. Authoritative header
// values replace the local model when present; otherwise remaining is
// decremented locally by cost.
func (t *Tracker) RecordResponse(cost int, info *Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(t.now())
	if info != nil {
		if info.Limit > 0 {
			t.dailyLimit = info.Limit
		}
		t.remaining = info.Remaining
	} else {
		t.remaining = max(0, t.remaining-cost)
	}
	t.usedToday += cost
}

// RecordExternalUsage accounts for calls not attributable to a tracked poll
// (user commands, automations). These are counted separately: the throttle
// threshold is reserved specifically for non-polling activity.
func (t *Tracker) RecordExternalUsage(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(t.now())
	t.nonPollingToday += n
}

// UntilReset returns the time left until the service's quota reset.
func (t *Tracker) UntilReset() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetAt.Sub(t.now())
}

// AvailableWith computes the number of calls polling may still spend today, as
// the more generous of two strategies:
//
//   - sustainable daily pacing against the configured limit, and
//   - a guaranteed floor derived from the live remaining value.
//
// Taking the max ensures neither a pessimistic daily model nor a depleted but
// recovering quota stalls polling entirely.
func (t *Tracker) AvailableWith(percentTarget float64, backgroundReserve, throttleThreshold int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(t.now())

	excess := max(0, t.nonPollingToday-throttleThreshold)
	strategyA := float64(t.dailyLimit-backgroundReserve-excess)*percentTarget - float64(t.usedToday)
	strategyB := float64(max(0, t.remaining-throttleThreshold)) * percentTarget
	return max(strategyA, strategyB)
}

// Available applies the configured pacing parameters.
func (t *Tracker) Available() float64 {
	return t.AvailableWith(t.cfg.PercentTarget, t.cfg.BackgroundReserve, t.cfg.ThrottleThreshold)
}

// Health derives the tri-state budget condition from remaining vs threshold vs zero.
func (t *Tracker) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.remaining <= 0:
		return RateLimited
	case t.cfg.ThrottleThreshold > 0 && t.remaining < t.cfg.ThrottleThreshold:
		return Throttled
	default:
		return Connected
	}
}

// Snapshot returns the persistable day state.
func (t *Tracker) Snapshot() DayState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return DayState{
		ResetAt:         t.resetAt,
		UsedToday:       t.usedToday,
		NonPollingToday: t.nonPollingToday,
		Remaining:       t.remaining,
		DailyLimit:      t.dailyLimit,
	}
}

// Restore pre-seeds the tracker from a persisted day state. A snapshot from
// before the current reset boundary is stale and is discarded.
func (t *Tracker) Restore(s DayState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.now().Before(s.ResetAt) {
		t.logger.Debug("discarding stale quota snapshot", slog.Time("resetAt", s.ResetAt))
		return
	}
	t.resetAt = s.ResetAt
	t.usedToday = s.UsedToday
	t.nonPollingToday = s.NonPollingToday
	t.remaining = s.Remaining
	if s.DailyLimit > 0 {
		t.dailyLimit = s.DailyLimit
	}
}
