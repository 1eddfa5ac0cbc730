package cmdq

import (
	"strings"
	"time"

	"github.com/tado-community/tado-governor/internal/optimistic"
)

// ResultFunc receives the final outcome of a command: nil on confirmation, the
// structured failure otherwise. Rollback happens regardless of whether a
// handler is registered.
type ResultFunc func(err error)

// Command is one pending write intent. At most one live Command exists per
// Key: a later enqueue with the same key replaces the payload but keeps the
// first writer's rollback snapshot, so a failed burst always rolls back to the
// pre-burst state.
type Command struct {
	Key      string // operation class and target, e.g. "overlay:17"
	Method   string
	Endpoint string
	Payload  any

	// Scope and Fields drive confirmation of the optimistic values this
	// command produced. Rollback is their pre-image.
	Scope    optimistic.Scope
	Fields   map[string]any
	Rollback optimistic.Snapshot

	OnResult ResultFunc

	enqueuedAt time.Time
}

// class is the fusion grouping key, the part of Key before the first colon.
func (c Command) class() string {
	if i := strings.IndexByte(c.Key, ':'); i >= 0 {
		return c.Key[:i]
	}
	return c.Key
}

// FusionRule describes the bulk endpoint for one operation class. Commands of
// the same class released in one batch merge into a single call whose payload
// wraps the individual payloads in the Envelope array.
type FusionRule struct {
	Method   string `yaml:"method"`
	Endpoint string `yaml:"endpoint"`
	Envelope string `yaml:"envelope"`
}

// FusionTable maps operation classes to their bulk endpoints. Classes without
// an entry execute individually. The table comes from configuration, not from
// discovery.
type FusionTable map[string]FusionRule
