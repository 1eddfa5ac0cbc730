// Package governor assembles the rate-governed core and exposes its public
// surface: fire-and-forget writes with optimistic feedback, merged field
// reads, forced polls and the HTTP status server. All components share one
// outbound gate, so no two remote calls are ever in flight concurrently.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tado-community/tado-governor/internal/cmdq"
	"github.com/tado-community/tado-governor/internal/connector"
	"github.com/tado-community/tado-governor/internal/optimistic"
	"github.com/tado-community/tado-governor/internal/planner"
	"github.com/tado-community/tado-governor/internal/poller"
	"github.com/tado-community/tado-governor/internal/registry"
	"github.com/tado-community/tado-governor/internal/status"
	"github.com/tado-community/tado-governor/internal/store"
	"github.com/tado-community/tado-governor/pkg/quota"
)

type Config struct {
	Quota         quota.Config
	Planner       planner.Config
	Queue         cmdq.Config
	OptimisticTTL time.Duration
	PollTick      time.Duration
	StatusAddr    string
	DatabasePath  string
}

// DefaultTracks is the polling layout used when no track configuration is
// given: fast zone state, presence, slow hardware metadata and weather.
func DefaultTracks() planner.Config {
	return planner.Config{
		SafetyFloor: 15 * time.Second,
		Tracks: []planner.TrackConfig{
			{ID: "zones", Endpoint: "/zoneStates", Interval: time.Minute, MaxInterval: time.Hour, Cost: 1},
			{ID: "presence", Endpoint: "/state", Interval: 5 * time.Minute, MaxInterval: 2 * time.Hour, Cost: 1},
			{ID: "devices", Endpoint: "/devices", Interval: time.Hour, MaxInterval: 24 * time.Hour, Cost: 1},
			{ID: "weather", Endpoint: "/weather", Interval: 30 * time.Minute, MaxInterval: 6 * time.Hour, Cost: 1},
		},
	}
}

type Governor struct {
	Budget   *quota.Tracker
	Planner  *planner.Planner
	Overlay  *optimistic.Store
	Registry *registry.Registry
	Queue    *cmdq.Queue
	Poller   *poller.Poller
	Status   *status.Server

	store  *store.Store
	cron   *cron.Cron
	logger *slog.Logger
}

// New wires all components and restores persisted state, so the first poll
// cycle starts from where the previous session left off.
func New(cfg Config, caller connector.Caller, parsers map[string]poller.ParseFunc, metrics *prometheus.Registry, logger *slog.Logger) (*Governor, error) {
	budget, err := quota.New(cfg.Quota, logger.With(slog.String("component", "quota")))
	if err != nil {
		return nil, err
	}
	p, err := planner.New(cfg.Planner, budget, logger.With(slog.String("component", "planner")))
	if err != nil {
		return nil, err
	}

	overlay := optimistic.New(cfg.OptimisticTTL, logger.With(slog.String("component", "optimistic")))
	reg := registry.New(overlay, logger.With(slog.String("component", "registry")))

	db, err := store.Open(cfg.DatabasePath, logger.With(slog.String("component", "store")))
	if err != nil {
		return nil, err
	}
	if err = restore(db, budget, p, reg); err != nil {
		_ = db.Close()
		return nil, err
	}

	gate := &sync.Mutex{}
	queue := cmdq.New(cfg.Queue, caller, overlay, budget, gate, logger.With(slog.String("component", "cmdq")))
	pol := poller.New(p, caller, reg, overlay, budget, db, gate, parsers, cfg.PollTick, logger.With(slog.String("component", "poller")))

	var metricsHandler http.Handler
	if metrics != nil {
		metrics.MustRegister(budget, p, queue)
		metricsHandler = promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})
	}

	g := &Governor{
		Budget:   budget,
		Planner:  p,
		Overlay:  overlay,
		Registry: reg,
		Queue:    queue,
		Poller:   pol,
		Status:   status.New(cfg.StatusAddr, budget, p, queue, reg, pollControl{p, pol}, metricsHandler, logger.With(slog.String("component", "status"))),
		store:    db,
		cron:     cron.New(cron.WithLocation(budget.Location())),
		logger:   logger,
	}

	// at the daily quota reset every track is due again: the budget is fresh
	// and the first polls re-anchor the adaptive intervals
	spec := fmt.Sprintf("%d %d * * *", cfg.Quota.ResetMinute, cfg.Quota.ResetHour)
	if _, err = g.cron.AddFunc(spec, g.onQuotaReset); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register reset job: %w", err)
	}
	return g, nil
}

// restore seeds the components from the state store.
func restore(db *store.Store, budget *quota.Tracker, p *planner.Planner, reg *registry.Registry) error {
	if day, ok, err := db.LoadQuota(); err != nil {
		return err
	} else if ok {
		budget.Restore(day)
	}
	tracks, err := db.LoadTracks()
	if err != nil {
		return err
	}
	for id, state := range tracks {
		p.Seed(id, state.CostEMA, state.LastRun)
	}
	fields, err := db.LoadFields()
	if err != nil {
		return err
	}
	for scope, scoped := range fields {
		reg.Seed(scope, scoped)
	}
	return nil
}

// Run starts all tasks and blocks until ctx is cancelled or one fails.
func (g *Governor) Run(ctx context.Context) error {
	g.cron.Start()
	defer g.cron.Stop()
	defer func() { _ = g.store.Close() }()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return g.Queue.Run(ctx) })
	group.Go(func() error { return g.Poller.Run(ctx) })
	group.Go(func() error { return g.Status.Run(ctx) })
	return group.Wait()
}

// WriteIntent is one write request against a scope.
type WriteIntent struct {
	Key      string
	Method   string
	Endpoint string
	Payload  any

	Scope  optimistic.Scope
	Fields map[string]any
	// ClearScope wipes all prior optimistic entries for the scope, the
	// resume-to-schedule semantics. Incremental edits leave it false.
	ClearScope bool
	// Hold keeps the optimistic values until confirmation or an explicit
	// clear instead of letting them expire after the grace period.
	Hold bool

	OnResult cmdq.ResultFunc
}

// EnqueueWrite applies the intent optimistically and queues the remote call.
// It returns once the local view reflects the write; confirmation or rollback
// follows asynchronously. The rollback snapshot is captured before the apply,
// so a failed burst restores the state from before its first write.
func (g *Governor) EnqueueWrite(intent WriteIntent) {
	snap := optimistic.Snapshot{Scope: intent.Scope, Fields: make(map[string]any, len(intent.Fields))}
	for field := range intent.Fields {
		snap.Fields[field] = g.Registry.ReadField(intent.Scope, field)
	}

	ttl := g.Overlay.DefaultTTL()
	if intent.Hold {
		ttl = 0
	}
	g.Overlay.Apply(intent.Scope, intent.Fields, ttl, intent.ClearScope, intent.Key)
	g.Queue.Enqueue(cmdq.Command{
		Key:      intent.Key,
		Method:   intent.Method,
		Endpoint: intent.Endpoint,
		Payload:  intent.Payload,
		Scope:    intent.Scope,
		Fields:   intent.Fields,
		Rollback: snap,
		OnResult: intent.OnResult,
	})
}

// ReadField returns the merged value of a field: optimistic when a write is
// pending or unconfirmed, else the last authoritative poll result.
func (g *Governor) ReadField(scope optimistic.Scope, field string) any {
	return g.Registry.ReadField(scope, field)
}

// ForcePoll marks the track due and wakes the polling loop. The poll remains
// subject to the outbound gate and the budget bookkeeping.
func (g *Governor) ForcePoll(track string) error {
	if err := g.Planner.ForceDue(track); err != nil {
		return err
	}
	g.Poller.Refresh()
	return nil
}

func (g *Governor) onQuotaReset() {
	g.logger.Info("quota reset, refreshing all tracks")
	g.Planner.ForceAll()
	g.Poller.Refresh()
}

// pollControl adapts the planner and poller to the status server.
type pollControl struct {
	planner *planner.Planner
	poller  *poller.Poller
}

func (pc pollControl) ForceDue(id string) error { return pc.planner.ForceDue(id) }
func (pc pollControl) Refresh()                 { pc.poller.Refresh() }
