// Package optimistic holds provisional field values pending remote
// reconciliation. A write intent lands here immediately so the local view
// reflects it long before the remote call confirms; a failed call rolls the
// affected fields back to their pre-burst values. Every entry eventually
// disappears: confirmed, expired, cleared or rolled back.
package optimistic

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultTTL = 30 * time.Second

// Scope identifies the owner of a set of fields: "home", "zone:<id>" or
// "device:<serial>".
type Scope string

// Snapshot is the pre-image of a scope's fields, captured at the first enqueue
// of a burst. A nil field value records that the field had no value.
type Snapshot struct {
	Scope  Scope
	Fields map[string]any
}

type entry struct {
	value     any
	expiresAt time.Time // zero: held until explicit clear or confirmation
	sourceKey string
}

// Store is the exclusive owner of all optimistic entries.
type Store struct {
	mu      sync.Mutex
	entries map[Scope]map[string]entry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func New(ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		entries: make(map[Scope]map[string]entry),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

// DefaultTTL returns the store's configured grace period.
func (s *Store) DefaultTTL() time.Duration {
	return s.ttl
}

// Apply installs provisional values for a scope. A positive ttl bounds their
// lifetime; ttl 0 holds them until explicit clear, confirmation or rollback.
// clearExisting wipes all prior entries for the scope first: when resuming an
// authoritative schedule, stale manual values must not leak into the freshly
// scheduled state. Without it only the given fields are overwritten, so
// sequential incremental edits all survive.
func (s *Store) Apply(scope Scope, fields map[string]any, ttl time.Duration, clearExisting bool, sourceKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clearExisting {
		delete(s.entries, scope)
	}
	if len(fields) == 0 {
		return
	}
	scoped := s.entries[scope]
	if scoped == nil {
		scoped = make(map[string]entry)
		s.entries[scope] = scoped
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = s.now().Add(ttl)
	}
	for field, value := range fields {
		scoped[field] = entry{value: value, expiresAt: expiry, sourceKey: sourceKey}
	}
	s.logger.Debug("optimistic values applied",
		slog.String("scope", string(scope)),
		slog.Int("fields", len(fields)),
		slog.Bool("clear", clearExisting))
}

// Read returns the provisional value for scope/field if present and not
// expired, else the given authoritative value. This is the only correct read
// path; reading authoritative state directly bypasses the field shadowing.
func (s *Store) Read(scope Scope, field string, authoritative any) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[scope][field]
	if !ok {
		return authoritative
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.remove(scope, field)
		return authoritative
	}
	return e.value
}

// Confirm clears entries whose value matches the confirmed one. Mismatched
// entries ride out their TTL instead of being forcibly reconciled: the backend
// may simply not have caught up yet.
func (s *Store) Confirm(scope Scope, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for field, confirmed := range fields {
		if e, ok := s.entries[scope][field]; ok && equalValue(e.value, confirmed) {
			s.remove(scope, field)
		}
	}
}

// Rollback reinstates the pre-failure values as fresh entries, so they shadow
// a possibly stale authoritative read until the next confirmed poll. A nil
// pre-image value clears the field instead.
func (s *Store) Rollback(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := s.now().Add(s.ttl)
	for field, value := range snap.Fields {
		if value == nil {
			s.remove(snap.Scope, field)
			continue
		}
		scoped := s.entries[snap.Scope]
		if scoped == nil {
			scoped = make(map[string]entry)
			s.entries[snap.Scope] = scoped
		}
		scoped[field] = entry{value: value, expiresAt: expiry, sourceKey: "rollback"}
	}
	s.logger.Info("optimistic values rolled back",
		slog.String("scope", string(snap.Scope)),
		slog.Int("fields", len(snap.Fields)))
}

// Clear removes all entries for a scope.
func (s *Store) Clear(scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, scope)
}

// Cleanup removes expired entries. Called once per poll cycle.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for scope, scoped := range s.entries {
		for field, e := range scoped {
			if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
				delete(scoped, field)
			}
		}
		if len(scoped) == 0 {
			delete(s.entries, scope)
		}
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, scoped := range s.entries {
		n += len(scoped)
	}
	return n
}

// remove deletes one field, dropping the scope map when it empties. Must be
// called with the lock held.
func (s *Store) remove(scope Scope, field string) {
	scoped := s.entries[scope]
	delete(scoped, field)
	if len(scoped) == 0 {
		delete(s.entries, scope)
	}
}

func equalValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
