// Package registry holds the last known authoritative field values per scope
// and merges the optimistic overlay into every read. Poll results land here;
// consumers subscribe to updates or read single fields through the merge path.
package registry

import (
	"log/slog"
	"sync"

	"github.com/clambin/go-common/set"
	"github.com/tado-community/tado-governor/internal/optimistic"
	"github.com/tado-community/tado-governor/pkg/pubsub"
)

// Update is published after a scope's authoritative state changes. Fields is
// the merged view, optimistic values included.
type Update struct {
	Scope  optimistic.Scope
	Fields map[string]any
}

type Registry struct {
	*pubsub.Publisher[Update]

	overlay *optimistic.Store
	logger  *slog.Logger

	mu     sync.RWMutex
	scopes map[optimistic.Scope]map[string]any
	dirty  set.Set[optimistic.Scope]
}

func New(overlay *optimistic.Store, logger *slog.Logger) *Registry {
	return &Registry{
		Publisher: pubsub.New[Update](logger),
		overlay:   overlay,
		logger:    logger,
		scopes:    make(map[optimistic.Scope]map[string]any),
		dirty:     set.New[optimistic.Scope](),
	}
}

// Update merges authoritative fields from a poll into the scope, confirms any
// matching optimistic entries and publishes the merged view. Fields with a
// live optimistic entry keep shadowing the new authoritative value on reads
// until that entry is confirmed or expires.
func (r *Registry) Update(scope optimistic.Scope, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	r.mu.Lock()
	scoped := r.scopes[scope]
	if scoped == nil {
		scoped = make(map[string]any, len(fields))
		r.scopes[scope] = scoped
	}
	for field, value := range fields {
		scoped[field] = value
	}
	r.dirty.Add(scope)
	r.mu.Unlock()

	r.overlay.Confirm(scope, fields)
	r.Publish(Update{Scope: scope, Fields: r.ReadScope(scope)})
	r.logger.Debug("scope updated", slog.String("scope", string(scope)), slog.Int("fields", len(fields)))
}

// ReadField returns the merged value for one field: the optimistic value when
// a live entry shadows it, else the last authoritative value (nil when the
// scope or field is unknown).
func (r *Registry) ReadField(scope optimistic.Scope, field string) any {
	r.mu.RLock()
	authoritative := r.scopes[scope][field]
	r.mu.RUnlock()
	return r.overlay.Read(scope, field, authoritative)
}

// ReadScope returns the merged view of all known fields of a scope.
func (r *Registry) ReadScope(scope optimistic.Scope) map[string]any {
	r.mu.RLock()
	scoped := r.scopes[scope]
	merged := make(map[string]any, len(scoped))
	for field, value := range scoped {
		merged[field] = value
	}
	r.mu.RUnlock()

	for field := range merged {
		merged[field] = r.overlay.Read(scope, field, merged[field])
	}
	return merged
}

// Scopes lists all known scopes in stable order.
func (r *Registry) Scopes() []optimistic.Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopes := set.New[optimistic.Scope]()
	for scope := range r.scopes {
		scopes.Add(scope)
	}
	return scopes.ListOrdered()
}

// Seed installs persisted authoritative values at startup without publishing:
// the values may be hours old and subscribers should not act on them, but the
// status surface can display them before the first poll completes.
func (r *Registry) Seed(scope optimistic.Scope, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scoped := make(map[string]any, len(fields))
	for field, value := range fields {
		scoped[field] = value
	}
	r.scopes[scope] = scoped
}

// Drain returns the authoritative state of all scopes touched since the last
// call, for persistence.
func (r *Registry) Drain() map[optimistic.Scope]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make(map[optimistic.Scope]map[string]any, len(r.dirty))
	for _, scope := range r.dirty.ListOrdered() {
		scoped := make(map[string]any, len(r.scopes[scope]))
		for field, value := range r.scopes[scope] {
			scoped[field] = value
		}
		changed[scope] = scoped
	}
	r.dirty = set.New[optimistic.Scope]()
	return changed
}
