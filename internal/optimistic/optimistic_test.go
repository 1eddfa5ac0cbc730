package optimistic

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStore_ReadThrough(t *testing.T) {
	s := New(time.Minute, slog.Default())

	assert.Equal(t, 18.5, s.Read("zone:17", "temperature", 18.5))

	s.Apply("zone:17", map[string]any{"temperature": 21.0}, time.Minute, false, "zone:17")
	assert.Equal(t, 21.0, s.Read("zone:17", "temperature", 18.5))
	assert.Equal(t, "ON", s.Read("zone:17", "power", "ON"))
}

func TestStore_Expiry(t *testing.T) {
	s := New(time.Minute, slog.Default())
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Apply("zone:1", map[string]any{"temperature": 22.0}, time.Minute, false, "zone:1")
	assert.Equal(t, 22.0, s.Read("zone:1", "temperature", 19.0))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 19.0, s.Read("zone:1", "temperature", 19.0))
	assert.Zero(t, s.Len())
}

func TestStore_ClearExisting(t *testing.T) {
	s := New(time.Minute, slog.Default())

	// incremental manual edits merge: both survive
	s.Apply("zone:2", map[string]any{"fan_speed": "HIGH"}, time.Minute, false, "zone:2")
	s.Apply("zone:2", map[string]any{"swing": "ON"}, time.Minute, false, "zone:2")
	assert.Equal(t, "HIGH", s.Read("zone:2", "fan_speed", nil))
	assert.Equal(t, "ON", s.Read("zone:2", "swing", nil))

	// resuming the schedule wipes prior manual values for the scope
	s.Apply("zone:2", map[string]any{"overlay": false}, time.Minute, true, "zone:2")
	assert.Nil(t, s.Read("zone:2", "fan_speed", nil))
	assert.Equal(t, false, s.Read("zone:2", "overlay", nil))
}

func TestStore_HoldUntilCleared(t *testing.T) {
	s := New(time.Minute, slog.Default())
	now := time.Now()
	s.now = func() time.Time { return now }

	// ttl 0: held open, outlives the default grace period
	s.Apply("zone:6", map[string]any{"mode": "MANUAL"}, 0, false, "zone:6")
	now = now.Add(time.Hour)
	s.Cleanup()
	assert.Equal(t, "MANUAL", s.Read("zone:6", "mode", "AUTO"))

	s.Clear("zone:6")
	assert.Equal(t, "AUTO", s.Read("zone:6", "mode", "AUTO"))
	assert.Zero(t, s.Len())
}

func TestStore_Confirm(t *testing.T) {
	s := New(time.Minute, slog.Default())

	s.Apply("zone:3", map[string]any{"temperature": 21.0, "power": "ON"}, time.Minute, false, "zone:3")

	// matching value clears, mismatched rides out its TTL
	s.Confirm("zone:3", map[string]any{"temperature": 21.0, "power": "OFF"})
	assert.Equal(t, 19.0, s.Read("zone:3", "temperature", 19.0))
	assert.Equal(t, "ON", s.Read("zone:3", "power", "OFF"))
}

func TestStore_Rollback(t *testing.T) {
	s := New(time.Minute, slog.Default())

	s.Apply("zone:4", map[string]any{"temperature": 25.0}, time.Minute, false, "zone:4")
	s.Rollback(Snapshot{Scope: "zone:4", Fields: map[string]any{"temperature": 19.5, "boost": nil}})

	// the pre-image shadows the (stale) authoritative value
	assert.Equal(t, 19.5, s.Read("zone:4", "temperature", 25.0))
	// nil pre-image means the field had no value: entry cleared
	assert.Equal(t, "x", s.Read("zone:4", "boost", "x"))
}

func TestStore_Cleanup(t *testing.T) {
	s := New(time.Minute, slog.Default())
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Apply("zone:5", map[string]any{"a": 1}, time.Minute, false, "zone:5")
	s.Apply("home", map[string]any{"presence": "AWAY"}, time.Minute, false, "presence")
	assert.Equal(t, 2, s.Len())

	now = now.Add(2 * time.Minute)
	s.Cleanup()
	assert.Zero(t, s.Len())
}
