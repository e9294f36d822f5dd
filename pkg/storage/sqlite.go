// Package storage persists script state and alerts in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fidiego/hookproxy/pkg/pscan"
	"github.com/fidiego/hookproxy/pkg/script"
)

const schema = `
CREATE TABLE IF NOT EXISTS script_state (
	hook_type  TEXT    NOT NULL,
	name       TEXT    NOT NULL,
	enabled    INTEGER NOT NULL,
	ord        INTEGER NOT NULL,
	updated_at TEXT    NOT NULL,
	PRIMARY KEY (hook_type, name)
);

CREATE TABLE IF NOT EXISTS alerts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	history_id  INTEGER NOT NULL,
	flow_id     TEXT    NOT NULL,
	script      TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	risk        INTEGER NOT NULL,
	confidence  INTEGER NOT NULL,
	description TEXT    NOT NULL,
	uri         TEXT    NOT NULL,
	param       TEXT    NOT NULL,
	attack      TEXT    NOT NULL,
	other_info  TEXT    NOT NULL,
	solution    TEXT    NOT NULL,
	evidence    TEXT    NOT NULL,
	cwe_id      INTEGER NOT NULL,
	wasc_id     INTEGER NOT NULL,
	raised_at   TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS alerts_history ON alerts (history_id);
`

// DB is a SQLite database holding script state and alerts. It implements
// script.StateStore and pscan.AlertStore.
type DB struct {
	db *sql.DB
}

var (
	_ script.StateStore = (*DB)(nil)
	_ pscan.AlertStore  = (*DB)(nil)
)

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) LoadStates(ctx context.Context) ([]script.State, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT hook_type, name, enabled, ord FROM script_state ORDER BY hook_type, ord`)
	if err != nil {
		return nil, fmt.Errorf("load script state: %w", err)
	}
	defer rows.Close()

	var states []script.State
	for rows.Next() {
		var st script.State
		var hookType string
		if err := rows.Scan(&hookType, &st.Name, &st.Enabled, &st.Order); err != nil {
			return nil, fmt.Errorf("scan script state: %w", err)
		}
		st.Type = script.HookType(hookType)
		states = append(states, st)
	}
	return states, rows.Err()
}

func (d *DB) SaveStates(ctx context.Context, states ...script.State) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save script state: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO script_state (hook_type, name, enabled, ord, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (hook_type, name) DO UPDATE SET
			enabled = excluded.enabled,
			ord = excluded.ord,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("save script state: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, st := range states {
		if _, err := stmt.ExecContext(ctx, string(st.Type), st.Name, st.Enabled, st.Order, now); err != nil {
			return fmt.Errorf("save %s/%s: %w", st.Type, st.Name, err)
		}
	}
	return tx.Commit()
}

func (d *DB) DeleteState(ctx context.Context, t script.HookType, name string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM script_state WHERE hook_type = ? AND name = ?`, string(t), name)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", t, name, err)
	}
	return nil
}

func (d *DB) SaveAlert(ctx context.Context, a pscan.Alert) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO alerts (history_id, flow_id, script, name, risk, confidence, description,
			uri, param, attack, other_info, solution, evidence, cwe_id, wasc_id, raised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.HistoryID, a.FlowID, a.Script, a.Name, a.Risk, a.Confidence, a.Description,
		a.URI, a.Param, a.Attack, a.OtherInfo, a.Solution, a.Evidence, a.CWEID, a.WASCID,
		a.RaisedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save alert %q: %w", a.Name, err)
	}
	return nil
}

// Alerts returns stored alerts, newest first. limit <= 0 returns all.
func (d *DB) Alerts(ctx context.Context, limit int) ([]pscan.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, history_id, flow_id, script, name, risk, confidence, description,
			uri, param, attack, other_info, solution, evidence, cwe_id, wasc_id, raised_at
		FROM alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []pscan.Alert
	for rows.Next() {
		var a pscan.Alert
		var raised string
		if err := rows.Scan(&a.ID, &a.HistoryID, &a.FlowID, &a.Script, &a.Name, &a.Risk, &a.Confidence,
			&a.Description, &a.URI, &a.Param, &a.Attack, &a.OtherInfo, &a.Solution, &a.Evidence,
			&a.CWEID, &a.WASCID, &raised); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.RaisedAt, _ = time.Parse(time.RFC3339Nano, raised)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
