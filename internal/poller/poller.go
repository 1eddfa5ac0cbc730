// Package poller drives the read side: on every tick it asks the planner
// which tracks are due, performs their calls behind the shared outbound gate
// and feeds the results to the registry, the budget tracker and back into the
// planner. It also persists state as it goes, so a restart resumes with the
// last known values.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tado-community/tado-governor/internal/connector"
	"github.com/tado-community/tado-governor/internal/optimistic"
	"github.com/tado-community/tado-governor/internal/planner"
	"github.com/tado-community/tado-governor/internal/registry"
	"github.com/tado-community/tado-governor/internal/store"
	"github.com/tado-community/tado-governor/pkg/quota"
)

const defaultTick = 5 * time.Second

// ParseFunc turns a track's response body into field updates per scope.
type ParseFunc func(body []byte) (map[optimistic.Scope]map[string]any, error)

// Budget is the view of the quota tracker the poller needs.
type Budget interface {
	RecordResponse(cost int, info *quota.Info)
	Snapshot() quota.DayState
}

// Persister saves state as polling progresses. All writes are best effort:
// persistence faults never fail a poll.
type Persister interface {
	SaveFields(scopes map[optimistic.Scope]map[string]any) error
	SaveTrack(id string, state store.TrackState) error
	SaveQuota(state quota.DayState) error
}

type Poller struct {
	planner  *planner.Planner
	caller   connector.Caller
	registry *registry.Registry
	overlay  *optimistic.Store
	budget   Budget
	persist  Persister
	gate     sync.Locker
	parsers  map[string]ParseFunc
	tick     time.Duration
	logger   *slog.Logger
	refresh  chan struct{}
}

func New(p *planner.Planner, caller connector.Caller, reg *registry.Registry, overlay *optimistic.Store, budget Budget, persist Persister, gate sync.Locker, parsers map[string]ParseFunc, tick time.Duration, logger *slog.Logger) *Poller {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Poller{
		planner:  p,
		caller:   caller,
		registry: reg,
		overlay:  overlay,
		budget:   budget,
		persist:  persist,
		gate:     gate,
		parsers:  parsers,
		tick:     tick,
		logger:   logger,
		refresh:  make(chan struct{}, 1),
	}
}

// Refresh triggers an immediate scheduling pass, typically after a force_poll
// or the daily quota reset.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Run polls tracks as they come due, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Debug("started", slog.Duration("tick", p.tick))
	defer p.logger.Debug("stopped")

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.refresh:
		}
		p.pollDue(ctx)
		p.overlay.Cleanup()
		p.persistState()
	}
}

func (p *Poller) pollDue(ctx context.Context) {
	for _, id := range p.planner.Due() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		cost, err := p.pollTrack(ctx, id)
		p.planner.RecordResult(id, cost, err)
		if err != nil {
			continue
		}
		p.saveTrack(id)
		p.logger.Debug("track polled",
			slog.String("track", id),
			slog.Float64("cost", cost),
			slog.Duration("duration", time.Since(start)))
	}
}

// pollTrack performs one track's call and routes the parsed fields to the
// registry. The measured cost is taken from the authoritative remaining delta
// when the service publishes one, else the poll counts as a single call.
func (p *Poller) pollTrack(ctx context.Context, id string) (float64, error) {
	endpoint, err := p.planner.Endpoint(id)
	if err != nil {
		return 0, err
	}

	before := p.budget.Snapshot().Remaining

	p.gate.Lock()
	resp, err := p.caller.Call(ctx, connector.Request{Method: "GET", Endpoint: endpoint})
	p.gate.Unlock()

	p.budget.RecordResponse(1, resp.Quota)
	if err != nil {
		p.logger.Warn("poll failed", slog.String("track", id), slog.Any("err", err))
		return 0, err
	}

	cost := 1.0
	if resp.Quota != nil {
		if delta := before - resp.Quota.Remaining; delta > 0 {
			cost = float64(delta)
		}
	}

	parse := p.parsers[id]
	if parse == nil {
		parse = scopedParser(optimistic.Scope(id))
	}
	scopes, err := parse(resp.Body)
	if err != nil {
		return cost, fmt.Errorf("track %s: %w", id, err)
	}
	for scope, fields := range scopes {
		p.registry.Update(scope, fields)
	}
	return cost, nil
}

func (p *Poller) saveTrack(id string) {
	for _, ts := range p.planner.Tracks() {
		if ts.ID != id {
			continue
		}
		if err := p.persist.SaveTrack(id, store.TrackState{CostEMA: ts.CostEMA, LastRun: ts.LastRun}); err != nil {
			p.logger.Warn("track state not persisted", slog.String("track", id), slog.Any("err", err))
		}
		return
	}
}

// persistState saves changed scopes and the quota bookkeeping. Best effort.
func (p *Poller) persistState() {
	if changed := p.registry.Drain(); len(changed) > 0 {
		if err := p.persist.SaveFields(changed); err != nil {
			p.logger.Warn("fields not persisted", slog.Any("err", err))
		}
	}
	if err := p.persist.SaveQuota(p.budget.Snapshot()); err != nil {
		p.logger.Warn("quota state not persisted", slog.Any("err", err))
	}
}

// scopedParser stores a track's whole JSON object under a single scope.
func scopedParser(scope optimistic.Scope) ParseFunc {
	return func(body []byte) (map[optimistic.Scope]map[string]any, error) {
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		return map[optimistic.Scope]map[string]any{scope: fields}, nil
	}
}
