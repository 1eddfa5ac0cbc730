// Package planner decides when each polling track is next due, trading the
// remaining daily call budget against track intervals, a time-of-day economy
// window and a hard safety floor.
package planner

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tado-community/tado-governor/pkg/quota"
)

// throttledInterval pins polling when the budget tracker reports throttled,
// regardless of what the adaptive math would allow.
const throttledInterval = time.Hour

// Budget is the view of the quota tracker the planner needs.
type Budget interface {
	Available() float64
	UntilReset() time.Duration
	Health() quota.Health
}

type track struct {
	TrackConfig
	cost        *quota.SmoothedCost
	lastRun     time.Time
	lastAttempt time.Time
	backoff     time.Duration
	forced      bool
	current     time.Duration
}

// TrackStatus is a read-only snapshot of one track, for the status surface.
type TrackStatus struct {
	ID       string        `json:"id"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"lastRun"`
	Backoff  time.Duration `json:"backoff,omitempty"`
	CostEMA  float64       `json:"costEMA"`
	Enabled  bool          `json:"enabled"`
}

type Planner struct {
	cfg    Config
	budget Budget
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tracks []*track
	index  map[string]*track
}

func New(cfg Config, budget Budget, logger *slog.Logger) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Planner{
		cfg:    cfg,
		budget: budget,
		logger: logger,
		now:    time.Now,
		index:  make(map[string]*track, len(cfg.Tracks)),
	}
	for _, tc := range cfg.Tracks {
		t := &track{TrackConfig: tc, cost: quota.NewSmoothedCost(tc.Cost), current: tc.Interval}
		p.tracks = append(p.tracks, t)
		p.index[tc.ID] = t
	}
	return p, nil
}

// Due recomputes every track's interval and returns the IDs of tracks due for
// a poll, in configuration order. When the budget is exhausted only forced
// tracks are due: polling pauses, writes do not.
func (p *Planner) Due() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	health := p.budget.Health()

	var due []string
	for _, t := range p.tracks {
		if t.Disabled {
			continue
		}
		if t.forced {
			due = append(due, t.ID)
			continue
		}
		if health == quota.RateLimited {
			continue
		}
		interval, active := p.interval(t, now, health)
		t.current = interval
		if !active {
			continue
		}
		next := t.lastRun.Add(interval)
		if t.lastRun.IsZero() {
			// never polled: due immediately, unless backing off
			next = now
		}
		if t.backoff > 0 {
			if retry := t.lastAttempt.Add(t.backoff); retry.After(next) {
				next = retry
			}
		}
		if !now.Before(next) {
			due = append(due, t.ID)
		}
	}
	return due
}

// interval computes the track's current interval. Economy precedence governs
// sleep-hour behavior: inside the window the configured fixed interval is used
// instead of the adaptive value, however abundant the budget. The safety floor
// is a hard lower bound in all branches.
func (p *Planner) interval(t *track, now time.Time, health quota.Health) (time.Duration, bool) {
	if e := p.cfg.Economy; e != nil && e.active(now) {
		if e.Disable {
			return 0, false
		}
		return e.Interval, true
	}
	if health == quota.Throttled {
		return throttledInterval, true
	}
	return p.adaptiveInterval(t), true
}

// adaptiveInterval spreads the track's share of the available budget over the
// time left until the quota reset. No separate savings ledger exists: budget
// unspent during the economy window simply raises the share on the next
// recomputation. The result is clamped to [safety floor, track max].
func (p *Planner) adaptiveInterval(t *track) time.Duration {
	available := p.budget.Available() * p.weight(t)
	polls := available / t.cost.Value()
	if polls <= 0 {
		// budget exhausted: fall back to the base interval
		return p.clamp(t, t.Interval)
	}
	untilReset := p.budget.UntilReset()
	if untilReset <= 0 {
		return p.clamp(t, t.Interval)
	}
	return p.clamp(t, time.Duration(float64(untilReset)/polls))
}

// weight is the track's share of the polling budget, proportional to its
// configured call frequency.
func (p *Planner) weight(t *track) float64 {
	var total float64
	for _, other := range p.tracks {
		if !other.Disabled {
			total += 1 / other.Interval.Seconds()
		}
	}
	if total == 0 {
		return 0
	}
	return (1 / t.Interval.Seconds()) / total
}

func (p *Planner) clamp(t *track, interval time.Duration) time.Duration {
	if interval < p.cfg.SafetyFloor {
		return p.cfg.SafetyFloor
	}
	if interval > t.MaxInterval {
		return t.MaxInterval
	}
	return interval
}

// RecordResult feeds back the outcome of a poll. On success the track's clock
// advances and its cost average absorbs the measured cost. On failure lastRun
// does not advance; the track retries under its own exponential backoff.
func (p *Planner) RecordResult(id string, cost float64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.index[id]
	if !ok {
		return
	}
	now := p.now()
	t.lastAttempt = now
	t.forced = false
	if err == nil {
		t.lastRun = now
		t.backoff = 0
		t.cost.Observe(cost)
		return
	}
	if t.backoff == 0 {
		t.backoff = p.cfg.SafetyFloor
	} else {
		t.backoff = min(2*t.backoff, t.MaxInterval)
	}
	p.logger.Warn("poll failed, backing off",
		slog.String("track", id),
		slog.Duration("backoff", t.backoff),
		slog.Any("err", err))
}

// Endpoint returns the track's configured endpoint.
func (p *Planner) Endpoint(id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.index[id]
	if !ok {
		return "", fmt.Errorf("unknown track %q", id)
	}
	return t.TrackConfig.Endpoint, nil
}

// ForceDue marks a track due regardless of its interval. The poll itself
// remains subject to the outbound gate and budget bookkeeping.
func (p *Planner) ForceDue(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.index[id]
	if !ok {
		return fmt.Errorf("unknown track %q", id)
	}
	t.forced = true
	return nil
}

// ForceAll marks every enabled track due (used by the reset-time refresh).
func (p *Planner) ForceAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		if !t.Disabled {
			t.forced = true
		}
	}
}

// Tracks returns a status snapshot of all tracks.
func (p *Planner) Tracks() []TrackStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]TrackStatus, 0, len(p.tracks))
	for _, t := range p.tracks {
		statuses = append(statuses, TrackStatus{
			ID:       t.ID,
			Interval: t.current,
			LastRun:  t.lastRun,
			Backoff:  t.backoff,
			CostEMA:  t.cost.Value(),
			Enabled:  !t.Disabled,
		})
	}
	return statuses
}

// Seed pre-loads a track's cost average and last run from persisted state.
func (p *Planner) Seed(id string, costEMA float64, lastRun time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.index[id]; ok {
		if costEMA > 0 {
			t.cost = quota.NewSmoothedCost(costEMA)
		}
		t.lastRun = lastRun
	}
}
