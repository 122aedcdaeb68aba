// Package flightlog records flights to SQLite: state transitions, rule
// selections and every command sent to the vehicle.
package flightlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS flights (
		flight_id TEXT PRIMARY KEY,
		vehicle TEXT NOT NULL,
		started_unix_nanos INTEGER NOT NULL,
		ended_unix_nanos INTEGER
	);
	CREATE TABLE IF NOT EXISTS transitions (
		transition_id INTEGER PRIMARY KEY,
		flight_id TEXT NOT NULL,
		ts_unix_nanos INTEGER NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		FOREIGN KEY(flight_id) REFERENCES flights(flight_id)
	);
	CREATE TABLE IF NOT EXISTS rules (
		rule_id INTEGER PRIMARY KEY,
		flight_id TEXT NOT NULL,
		ts_unix_nanos INTEGER NOT NULL,
		rule TEXT NOT NULL,
		FOREIGN KEY(flight_id) REFERENCES flights(flight_id)
	);
	CREATE TABLE IF NOT EXISTS commands (
		command_id INTEGER PRIMARY KEY,
		flight_id TEXT NOT NULL,
		ts_unix_nanos INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		FOREIGN KEY(flight_id) REFERENCES flights(flight_id)
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_flight ON transitions(flight_id, ts_unix_nanos);
	CREATE INDEX IF NOT EXISTS idx_rules_flight ON rules(flight_id, ts_unix_nanos);
	CREATE INDEX IF NOT EXISTS idx_commands_flight ON commands(flight_id, ts_unix_nanos);
`

// DB is the flight log store.
type DB struct {
	*sql.DB
}

// Open opens or creates the flight log at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create flight log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open flight log %s: %w", path, err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create flight log schema: %w", err)
	}
	return &DB{db}, nil
}

// Flight is one run of the flight core.
type Flight struct {
	ID        string
	Vehicle   string
	StartedAt time.Time
	EndedAt   time.Time // Zero while the flight is open
}

// Transition is a recorded state change.
type Transition struct {
	At   time.Time
	From string
	To   string
}

// RuleSelection is a recorded change of the active rule.
type RuleSelection struct {
	At   time.Time
	Rule string
}

// Command is a recorded vehicle command. Payload is the JSON-encoded message.
type Command struct {
	At      time.Time
	Kind    string
	Payload string
}

// Flights lists flights, newest first.
func (db *DB) Flights(limit int) ([]Flight, error) {
	rows, err := db.Query(`
		SELECT flight_id, vehicle, started_unix_nanos, ended_unix_nanos
		FROM flights ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flights []Flight
	for rows.Next() {
		var f Flight
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&f.ID, &f.Vehicle, &started, &ended); err != nil {
			return nil, err
		}
		f.StartedAt = time.Unix(0, started)
		if ended.Valid {
			f.EndedAt = time.Unix(0, ended.Int64)
		}
		flights = append(flights, f)
	}
	return flights, rows.Err()
}

// Transitions returns the state changes of a flight in order.
func (db *DB) Transitions(flightID string) ([]Transition, error) {
	rows, err := db.Query(`
		SELECT ts_unix_nanos, from_state, to_state
		FROM transitions WHERE flight_id = ? ORDER BY transition_id`, flightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var ts int64
		if err := rows.Scan(&ts, &t.From, &t.To); err != nil {
			return nil, err
		}
		t.At = time.Unix(0, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Rules returns the rule selections of a flight in order.
func (db *DB) Rules(flightID string) ([]RuleSelection, error) {
	rows, err := db.Query(`
		SELECT ts_unix_nanos, rule
		FROM rules WHERE flight_id = ? ORDER BY rule_id`, flightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RuleSelection
	for rows.Next() {
		var r RuleSelection
		var ts int64
		if err := rows.Scan(&ts, &r.Rule); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Commands returns the commands of a flight in order.
func (db *DB) Commands(flightID string) ([]Command, error) {
	rows, err := db.Query(`
		SELECT ts_unix_nanos, kind, payload
		FROM commands WHERE flight_id = ? ORDER BY command_id`, flightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var c Command
		var ts int64
		if err := rows.Scan(&ts, &c.Kind, &c.Payload); err != nil {
			return nil, err
		}
		c.At = time.Unix(0, ts)
		out = append(out, c)
	}
	return out, rows.Err()
}
