// Package store persists governor state to a SQLite database so a restart
// resumes where the previous session left off: last known field values per
// scope for immediate display, per-track cost averages and the day's quota
// bookkeeping.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tado-community/tado-governor/internal/optimistic"
	"github.com/tado-community/tado-governor/pkg/quota"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Open opens (or creates) the database and runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode: the status surface reads while the governor writes
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err = s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("state store opened", slog.String("path", path))
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fields (
			scope      TEXT NOT NULL,
			field      TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, field)
		)`,
		`CREATE TABLE IF NOT EXISTS tracks (
			id       TEXT PRIMARY KEY,
			cost_ema REAL NOT NULL,
			last_run INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quota_day (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			reset_at          INTEGER NOT NULL,
			used_today        INTEGER NOT NULL,
			non_polling_today INTEGER NOT NULL,
			remaining         INTEGER NOT NULL,
			daily_limit       INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// SaveFields upserts the authoritative values of the given scopes. Values are
// stored as JSON so any field type round-trips.
func (s *Store) SaveFields(scopes map[optimistic.Scope]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for scope, fields := range scopes {
		for field, value := range fields {
			encoded, err := json.Marshal(value)
			if err != nil {
				s.logger.Warn("field not persisted",
					slog.String("scope", string(scope)),
					slog.String("field", field),
					slog.Any("err", err))
				continue
			}
			if _, err = tx.Exec(`INSERT INTO fields (scope, field, value, updated_at)
				VALUES (?,?,?,?)
				ON CONFLICT (scope, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				string(scope), field, string(encoded), now,
			); err != nil {
				return fmt.Errorf("upsert field: %w", err)
			}
		}
	}
	return tx.Commit()
}

// LoadFields returns all persisted field values per scope.
func (s *Store) LoadFields() (map[optimistic.Scope]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT scope, field, value FROM fields`)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer func() { _ = rows.Close() }()

	scopes := make(map[optimistic.Scope]map[string]any)
	for rows.Next() {
		var scope, field, encoded string
		if err = rows.Scan(&scope, &field, &encoded); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		var value any
		if err = json.Unmarshal([]byte(encoded), &value); err != nil {
			s.logger.Warn("stored field not decodable",
				slog.String("scope", scope),
				slog.String("field", field),
				slog.Any("err", err))
			continue
		}
		scoped := scopes[optimistic.Scope(scope)]
		if scoped == nil {
			scoped = make(map[string]any)
			scopes[optimistic.Scope(scope)] = scoped
		}
		scoped[field] = value
	}
	return scopes, rows.Err()
}

// TrackState is the persisted scheduling state of one polling track.
type TrackState struct {
	CostEMA float64
	LastRun time.Time
}

func (s *Store) SaveTrack(id string, state TrackState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO tracks (id, cost_ema, last_run)
		VALUES (?,?,?)
		ON CONFLICT (id) DO UPDATE SET cost_ema = excluded.cost_ema, last_run = excluded.last_run`,
		id, state.CostEMA, state.LastRun.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert track: %w", err)
	}
	return nil
}

func (s *Store) LoadTracks() (map[string]TrackState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, cost_ema, last_run FROM tracks`)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tracks := make(map[string]TrackState)
	for rows.Next() {
		var id string
		var costEMA float64
		var lastRun int64
		if err = rows.Scan(&id, &costEMA, &lastRun); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		tracks[id] = TrackState{CostEMA: costEMA, LastRun: time.Unix(lastRun, 0)}
	}
	return tracks, rows.Err()
}

// SaveQuota persists the day's budget bookkeeping.
func (s *Store) SaveQuota(state quota.DayState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO quota_day (id, reset_at, used_today, non_polling_today, remaining, daily_limit)
		VALUES (1,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			reset_at = excluded.reset_at,
			used_today = excluded.used_today,
			non_polling_today = excluded.non_polling_today,
			remaining = excluded.remaining,
			daily_limit = excluded.daily_limit`,
		state.ResetAt.Unix(), state.UsedToday, state.NonPollingToday, state.Remaining, state.DailyLimit,
	)
	if err != nil {
		return fmt.Errorf("upsert quota: %w", err)
	}
	return nil
}

// LoadQuota returns the persisted budget bookkeeping. ok is false when no
// state was ever saved.
func (s *Store) LoadQuota() (state quota.DayState, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resetAt int64
	err = s.db.QueryRow(`SELECT reset_at, used_today, non_polling_today, remaining, daily_limit FROM quota_day WHERE id = 1`).
		Scan(&resetAt, &state.UsedToday, &state.NonPollingToday, &state.Remaining, &state.DailyLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.DayState{}, false, nil
	}
	if err != nil {
		return quota.DayState{}, false, fmt.Errorf("query quota: %w", err)
	}
	state.ResetAt = time.Unix(resetAt, 0)
	return state, true, nil
}

func (s *Store) Close() error {
	s.logger.Debug("closing state store")
	return s.db.Close()
}
