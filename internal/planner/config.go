package planner

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSafetyFloor = 15 * time.Second
	defaultMaxInterval = time.Hour
)

// TrackConfig describes one independently scheduled polling track.
type TrackConfig struct {
	ID          string        `yaml:"id"`
	Endpoint    string        `yaml:"endpoint"`
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"maxInterval"`
	Cost        float64       `yaml:"cost"`
	Disabled    bool          `yaml:"disabled"`
}

// EconomyConfig is a time-of-day window with a fixed interval that takes
// precedence over the adaptive budget math (typically the sleeping hours).
type EconomyConfig struct {
	Start    string        `yaml:"start"` // "23:00"
	End      string        `yaml:"end"`   // "06:30", may wrap past midnight
	Interval time.Duration `yaml:"interval"`
	Disable  bool          `yaml:"disable"` // suspend polling entirely inside the window
}

type Config struct {
	SafetyFloor time.Duration  `yaml:"safetyFloor"`
	Economy     *EconomyConfig `yaml:"economy"`
	Tracks      []TrackConfig  `yaml:"tracks"`
}

// Load reads and validates a track configuration.
func Load(r io.Reader) (Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid track configuration: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SafetyFloor <= 0 {
		c.SafetyFloor = defaultSafetyFloor
	}
	for i := range c.Tracks {
		t := &c.Tracks[i]
		if t.MaxInterval <= 0 {
			t.MaxInterval = max(t.Interval, defaultMaxInterval)
		}
		if t.Cost <= 0 {
			t.Cost = 1
		}
	}
}

// Validate rejects configurations the planner would have to resolve at
// runtime. In particular an economy interval below the safety floor is a
// configuration error: the window's fixed interval must already satisfy the floor.
func (c Config) Validate() error {
	if len(c.Tracks) == 0 {
		return fmt.Errorf("no polling tracks configured")
	}
	seen := make(map[string]struct{}, len(c.Tracks))
	for _, t := range c.Tracks {
		if t.ID == "" {
			return fmt.Errorf("track without id")
		}
		if _, ok := seen[t.ID]; ok {
			return fmt.Errorf("duplicate track %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.Interval < c.SafetyFloor {
			return fmt.Errorf("track %q: interval %s below safety floor %s", t.ID, t.Interval, c.SafetyFloor)
		}
		if t.MaxInterval < t.Interval {
			return fmt.Errorf("track %q: maxInterval %s below interval %s", t.ID, t.MaxInterval, t.Interval)
		}
	}
	if e := c.Economy; e != nil {
		if _, err := parseClock(e.Start); err != nil {
			return fmt.Errorf("economy window start: %w", err)
		}
		if _, err := parseClock(e.End); err != nil {
			return fmt.Errorf("economy window end: %w", err)
		}
		if !e.Disable && e.Interval < c.SafetyFloor {
			return fmt.Errorf("economy interval %s below safety floor %s", e.Interval, c.SafetyFloor)
		}
	}
	return nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// active reports whether now falls inside the economy window.
func (e *EconomyConfig) active(now time.Time) bool {
	start, _ := parseClock(e.Start)
	end, _ := parseClock(e.End)
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	// window wraps past midnight
	return minute >= start || minute < end
}
