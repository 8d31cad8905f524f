// Package store persists session records to SQLite.
//
// The store is a result sink: the session scheduler hands it a finished
// SessionRecord and it writes one sessions row plus one trials row per
// attempted stimulus. Analysis tooling reads the database directly.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teranos/haploscope"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	participant   TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER NOT NULL,
	cancelled     INTEGER NOT NULL,
	iod_mm        REAL NOT NULL,
	focal_mm      REAL NOT NULL,
	max_trials    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trials (
	session_id     TEXT NOT NULL REFERENCES sessions(id),
	trial_index    INTEGER NOT NULL,
	stimulus_id    TEXT NOT NULL,
	stimulus_label TEXT NOT NULL,
	response_key   TEXT NOT NULL,
	response_label TEXT NOT NULL,
	rt_ms          INTEGER,
	timed_out      INTEGER NOT NULL,
	cancelled      INTEGER NOT NULL,
	clipped        INTEGER NOT NULL,
	iod_mm         REAL NOT NULL,
	focal_mm       REAL NOT NULL,
	fixation_ms    INTEGER,
	stimulus_ms    INTEGER,
	prompt_ms      INTEGER,
	recorded_at    INTEGER NOT NULL,
	PRIMARY KEY (session_id, trial_index)
);

CREATE TABLE IF NOT EXISTS breaks (
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	after_trial  INTEGER NOT NULL,
	planned_ms   INTEGER NOT NULL,
	actual_ms    INTEGER NOT NULL,
	resumed_early INTEGER NOT NULL,
	PRIMARY KEY (session_id, after_trial)
);
`

// Store persists session results in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens (or creates) a SQLite results database and ensures the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("results database path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveSession writes the session record and all of its trial and break rows
// in one transaction.
func (s *Store) SaveSession(ctx context.Context, rec *haploscope.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("store is not configured")
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("session record with an id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, participant, started_at, ended_at, cancelled, iod_mm, focal_mm, max_trials)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Participant, toMillis(rec.StartedAt), toMillis(rec.EndedAt),
		boolInt(rec.Cancelled), rec.Rig.IODMM, rec.Rig.FocalDistanceMM, rec.Config.MaxTrials)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i, res := range rec.Results {
		var rtMS any
		if res.ResponseKey != "" {
			rtMS = res.ResponseTime.Milliseconds()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trials (session_id, trial_index, stimulus_id, stimulus_label,
				response_key, response_label, rt_ms, timed_out, cancelled, clipped,
				iod_mm, focal_mm, fixation_ms, stimulus_ms, prompt_ms, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, i+1, res.StimulusID, res.StimulusLabel,
			res.ResponseKey, res.ResponseLabel, rtMS,
			boolInt(res.TimedOut), boolInt(res.Cancelled), boolInt(res.Calibration.Clipped),
			res.Calibration.IODMM, res.Calibration.FocalDistanceMM,
			phaseMillis(res, haploscope.PhaseFixation),
			phaseMillis(res, haploscope.PhaseStimulus),
			phaseMillis(res, haploscope.PhasePrompt),
			toMillis(res.Timestamp))
		if err != nil {
			return fmt.Errorf("insert trial %d: %w", i+1, err)
		}
	}

	for _, ev := range rec.Breaks {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO breaks (session_id, after_trial, planned_ms, actual_ms, resumed_early)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.ID, ev.AfterTrial, ev.Planned.Milliseconds(), ev.Actual.Milliseconds(),
			boolInt(ev.ResumedEarly))
		if err != nil {
			return fmt.Errorf("insert break after trial %d: %w", ev.AfterTrial, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// TrialCount returns the number of trial rows stored for a session.
func (s *Store) TrialCount(ctx context.Context, sessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trials WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trials: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func phaseMillis(res haploscope.TrialResult, phase haploscope.Phase) any {
	d, ok := res.PhaseDurations[phase]
	if !ok {
		return nil
	}
	return d.Milliseconds()
}
