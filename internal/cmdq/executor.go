package cmdq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tado-community/tado-governor/internal/connector"
	"github.com/tado-community/tado-governor/internal/optimistic"
	"github.com/tado-community/tado-governor/pkg/quota"
)

// Reconciler is the view of the optimistic store the executor needs.
type Reconciler interface {
	Confirm(scope optimistic.Scope, fields map[string]any)
	Rollback(snap optimistic.Snapshot)
}

// Budget absorbs the cost of every executed call.
type Budget interface {
	RecordResponse(cost int, info *quota.Info)
	RecordExternalUsage(n int)
}

// callUnit is one remote call and the commands it carries: a single command,
// or several fused into one bulk payload.
type callUnit struct {
	req      connector.Request
	commands []*Command
}

type executor struct {
	caller         connector.Caller
	store          Reconciler
	budget         Budget
	gate           sync.Locker
	fusion         FusionTable
	retryBudget    int
	retryDelay     time.Duration
	interCallDelay time.Duration
	logger         *slog.Logger
	metrics        *metrics
}

// run executes one batch. Units run sequentially from this single goroutine
// with a small delay between calls to respect backend sequencing. Units are
// independent: one unit failing does not roll back the others.
func (e *executor) run(ctx context.Context, batch []*Command) {
	units := e.fuse(batch)
	e.logger.Debug("executing batch", slog.Int("commands", len(batch)), slog.Int("calls", len(units)))

	for i, unit := range units {
		if i > 0 {
			if err := sleepCtx(ctx, e.interCallDelay); err != nil {
				e.fail(unit, err)
				continue
			}
		}
		if err := e.call(ctx, unit); err != nil {
			e.fail(unit, err)
			continue
		}
		e.confirm(unit)
	}
}

// fuse partitions a batch into call units. Commands whose class has a fusion
// rule and at least one sibling in the batch merge into a single bulk call;
// everything else executes individually. First-appearance order is preserved.
func (e *executor) fuse(batch []*Command) []callUnit {
	siblings := make(map[string]int)
	for _, cmd := range batch {
		if _, ok := e.fusion[cmd.class()]; ok {
			siblings[cmd.class()]++
		}
	}

	var units []callUnit
	fused := make(map[string]int)
	for _, cmd := range batch {
		class := cmd.class()
		rule, ok := e.fusion[class]
		if !ok || siblings[class] < 2 {
			units = append(units, callUnit{
				req:      connector.Request{Method: cmd.Method, Endpoint: cmd.Endpoint, Payload: cmd.Payload},
				commands: []*Command{cmd},
			})
			continue
		}
		i, ok := fused[class]
		if !ok {
			i = len(units)
			fused[class] = i
			units = append(units, callUnit{req: connector.Request{Method: rule.Method, Endpoint: rule.Endpoint}})
		}
		units[i].commands = append(units[i].commands, cmd)
	}

	for class, i := range fused {
		payloads := make([]any, 0, len(units[i].commands))
		for _, cmd := range units[i].commands {
			payloads = append(payloads, cmd.Payload)
		}
		units[i].req.Payload = map[string]any{e.fusion[class].Envelope: payloads}
		e.metrics.fusedCommands.Add(float64(len(payloads)))
	}
	return units
}

// call performs one unit's remote call behind the outbound gate. Transient
// failures retry up to the retry budget, doubling the delay each attempt;
// validation and quota failures do not retry. Every attempt is charged to the
// budget, whatever its outcome.
func (e *executor) call(ctx context.Context, unit callUnit) error {
	var err error
	delay := e.retryDelay
	for attempt := 0; attempt <= e.retryBudget; attempt++ {
		if attempt > 0 {
			if err = sleepCtx(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
		var resp connector.Response
		e.gate.Lock()
		resp, err = e.caller.Call(ctx, unit.req)
		e.gate.Unlock()

		e.budget.RecordResponse(1, resp.Quota)
		e.budget.RecordExternalUsage(1)

		switch {
		case err == nil:
			e.metrics.calls.WithLabelValues("ok").Inc()
			return nil
		case connector.IsTransient(err):
			e.metrics.calls.WithLabelValues("transient").Inc()
			e.logger.Warn("write failed, retrying",
				slog.String("endpoint", unit.req.Endpoint),
				slog.Int("attempt", attempt+1),
				slog.Any("err", err))
		case errors.Is(err, connector.ErrQuotaExceeded):
			e.metrics.calls.WithLabelValues("quota").Inc()
			return err
		default:
			e.metrics.calls.WithLabelValues("rejected").Inc()
			return err
		}
	}
	return err
}

func (e *executor) confirm(unit callUnit) {
	for _, cmd := range unit.commands {
		if len(cmd.Fields) > 0 {
			e.store.Confirm(cmd.Scope, cmd.Fields)
		}
		if cmd.OnResult != nil {
			cmd.OnResult(nil)
		}
	}
}

// fail rolls back every command in the unit. The connector reports one result
// per call, so a failed bulk call conservatively rolls back the whole group.
func (e *executor) fail(unit callUnit, err error) {
	for _, cmd := range unit.commands {
		if cmd.Rollback.Scope != "" {
			e.store.Rollback(cmd.Rollback)
			e.metrics.rollbacks.Inc()
		}
		if cmd.OnResult != nil {
			cmd.OnResult(err)
		}
		e.logger.Error("write rolled back",
			slog.String("key", cmd.Key),
			slog.Any("err", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
