package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps transactions
	// from failing with SQLITE_BUSY and keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA journal_mode=WAL;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting wal mode: %w", err)
	}
	_, err = db.Exec("PRAGMA foreign_keys=ON;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return &DB{conn: db}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

// Init creates the schema. Timestamps are stored as unix nanoseconds.
func (d *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		name TEXT PRIMARY KEY,
		addr TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS gpus (
		uuid TEXT PRIMARY KEY,
		device_name TEXT NOT NULL,
		idx INTEGER NOT NULL DEFAULT 0,
		model_name TEXT NOT NULL DEFAULT '',
		used_memory_mb INTEGER NOT NULL DEFAULT 0,
		total_memory_mb INTEGER NOT NULL DEFAULT 0,
		in_use INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		last_updated INTEGER NOT NULL,
		FOREIGN KEY (device_name) REFERENCES devices(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS gpu_processes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gpu_uuid TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL,
		memory_usage_mb INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (gpu_uuid) REFERENCES gpus(uuid) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		token_hash TEXT NOT NULL,
		is_staff INTEGER NOT NULL DEFAULT 0,
		is_superuser INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS email_addresses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		email TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	-- device_name '*' grants use of every device
	CREATE TABLE IF NOT EXISTS device_permissions (
		user_id TEXT NOT NULL,
		device_name TEXT NOT NULL,
		PRIMARY KEY (user_id, device_name),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS reservations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		gpu_uuid TEXT NOT NULL,
		user_id TEXT NOT NULL,
		time_reserved INTEGER NOT NULL,
		usage_started INTEGER,
		usage_expires INTEGER,
		extension_reminder_sent INTEGER NOT NULL DEFAULT 0,
		next_available_spot INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (gpu_uuid) REFERENCES gpus(uuid) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS reservations_queue ON reservations (gpu_uuid, time_reserved, seq);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		type TEXT NOT NULL,
		reservation_id TEXT,
		gpu_uuid TEXT,
		payload_json TEXT
	);
	`

	_, err := d.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(query, args...)
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.conn.ExecContext(ctx, query, args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.conn.QueryRowContext(ctx, query, args...)
}

func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, query, args...)
}

func (d *DB) Begin() (*sql.Tx, error) {
	return d.conn.Begin()
}

func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.conn.BeginTx(ctx, nil)
}
