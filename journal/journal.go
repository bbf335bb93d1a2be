package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/session"
)

// Schema for the session journal.
const schema = `
CREATE TABLE IF NOT EXISTS deltas (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    base            INTEGER NOT NULL,
    ops             TEXT NOT NULL,
    origin          TEXT,
    sent_at_ns      INTEGER,
    recorded_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deltas_session ON deltas(session_id, base);

CREATE TABLE IF NOT EXISTS snapshots (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    version         INTEGER NOT NULL,
    state           TEXT NOT NULL,
    origin          TEXT,
    recorded_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id, version);

CREATE TABLE IF NOT EXISTS session_saves (
    session_id  TEXT PRIMARY KEY,
    version     INTEGER NOT NULL,
    state       TEXT NOT NULL,
    saved_at_ns INTEGER NOT NULL
);
`

// Journal is a SQLite append-only record of session traffic. It implements
// both session.Journal (recording the delta stream) and session.Store
// (persisting pattern state across joins), so one file carries a session's
// full history and its latest save.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at the given path and runs
// migrations.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// RecordDelta appends one applied delta to the journal.
func (j *Journal) RecordDelta(d session.Delta) error {
	ops, err := json.Marshal(d.Ops)
	if err != nil {
		return fmt.Errorf("marshal ops: %w", err)
	}

	_, err = j.db.Exec(`
		INSERT INTO deltas (session_id, base, ops, origin, sent_at_ns, recorded_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(d.Session), d.Base, string(ops), d.Origin, d.SentAt.UnixNano(), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}

// RecordSnapshot appends one reconciliation snapshot to the journal.
func (j *Journal) RecordSnapshot(s session.Snapshot) error {
	state, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = j.db.Exec(`
		INSERT INTO snapshots (session_id, version, state, origin, recorded_at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		string(s.Session), s.Version, string(state), s.Origin, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Replay reconstructs a session's pattern from the journal: the newest
// recorded snapshot, then every recorded delta that chains onto it in base
// order. Duplicates are skipped; a gap in the record ends the replay at
// the last consistent version.
func (j *Journal) Replay(id core.SessionID) (*session.PatternState, uint64, error) {
	state := session.NewPatternState(session.DefaultSteps, session.DefaultPitches)
	var version uint64

	var stateJSON string
	err := j.db.QueryRow(`
		SELECT version, state FROM snapshots
		WHERE session_id = ?
		ORDER BY version DESC LIMIT 1`, string(id),
	).Scan(&version, &stateJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No snapshot recorded; replay from the empty pattern.
	case err != nil:
		return nil, 0, fmt.Errorf("query latest snapshot: %w", err)
	default:
		if err := json.Unmarshal([]byte(stateJSON), state); err != nil {
			return nil, 0, fmt.Errorf("decode snapshot state: %w", err)
		}
	}

	rows, err := j.db.Query(`
		SELECT base, ops FROM deltas
		WHERE session_id = ? AND base >= ?
		ORDER BY base ASC`, string(id), version,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var base uint64
		var opsJSON string
		if err := rows.Scan(&base, &opsJSON); err != nil {
			return nil, 0, fmt.Errorf("scan delta: %w", err)
		}
		if base < version {
			continue
		}
		if base > version {
			// The record has a hole; everything past it is unusable.
			break
		}
		var ops []session.PatternOp
		if err := json.Unmarshal([]byte(opsJSON), &ops); err != nil {
			return nil, 0, fmt.Errorf("decode ops at base %d: %w", base, err)
		}
		for _, op := range ops {
			if err := state.Apply(op); err != nil {
				return nil, 0, fmt.Errorf("replay op at base %d: %w", base, err)
			}
		}
		version += uint64(len(ops))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate deltas: %w", err)
	}

	return state, version, nil
}

// Load returns the saved state and version for a session.
func (j *Journal) Load(id core.SessionID) (*session.PatternState, uint64, bool) {
	var version uint64
	var stateJSON string
	err := j.db.QueryRow(`
		SELECT version, state FROM session_saves WHERE session_id = ?`, string(id),
	).Scan(&version, &stateJSON)
	if err != nil {
		return nil, 0, false
	}

	state := &session.PatternState{}
	if err := json.Unmarshal([]byte(stateJSON), state); err != nil {
		return nil, 0, false
	}
	return state, version, true
}

// Save stores a session's state and version, replacing any earlier save.
func (j *Journal) Save(id core.SessionID, state *session.PatternState, version uint64) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = j.db.Exec(`
		INSERT INTO session_saves (session_id, version, state, saved_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			saved_at_ns = excluded.saved_at_ns`,
		string(id), version, string(encoded), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Sessions returns the IDs of every session the journal has seen.
func (j *Journal) Sessions() ([]core.SessionID, error) {
	rows, err := j.db.Query(`
		SELECT DISTINCT session_id FROM deltas
		UNION
		SELECT DISTINCT session_id FROM snapshots
		UNION
		SELECT DISTINCT session_id FROM session_saves
		ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []core.SessionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, core.SessionID(id))
	}
	return ids, rows.Err()
}

// DeltaCount returns how many deltas the journal holds for a session.
func (j *Journal) DeltaCount(id core.SessionID) (int, error) {
	var n int
	err := j.db.QueryRow(`
		SELECT COUNT(*) FROM deltas WHERE session_id = ?`, string(id),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deltas: %w", err)
	}
	return n, nil
}
