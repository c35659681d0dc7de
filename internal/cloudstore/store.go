// Package cloudstore implements the cloud daemon's exclusive owner of
// persistent state (§3): gateways, devices, credentials, access rules and
// the append-only telemetry/access/system/command logs. The gateway's
// local credential snapshot (internal/credstore) is a read-through cache of
// the credentials rows here; this package is the sole writer of record.
package cloudstore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the cloud daemon's SQLite connection.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the cloud database at path in WAL journal mode with
// a 5 s busy timeout, and applies the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening cloud database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating cloud database: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Query runs an ad hoc read-only query, exposed for inspection tooling
// (cmd/agsys-dbtool) that does not warrant a dedicated typed method here.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS gateways (
		gateway_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT,
		location TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen DATETIME,
		database_version TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_gateways_user ON gateways(user_id);
	CREATE INDEX IF NOT EXISTS idx_gateways_status ON gateways(status);

	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT NOT NULL,
		gateway_id TEXT NOT NULL,
		device_type TEXT NOT NULL,
		location TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen DATETIME,
		metadata TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (device_id, gateway_id),
		FOREIGN KEY (gateway_id) REFERENCES gateways(gateway_id)
	);
	CREATE INDEX IF NOT EXISTS idx_devices_gateway ON devices(gateway_id);
	CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);

	CREATE TABLE IF NOT EXISTS passwords (
		password_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		name TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used DATETIME,
		expires_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_passwords_user ON passwords(user_id);

	CREATE TABLE IF NOT EXISTS rfid_cards (
		uid TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		card_type TEXT,
		description TEXT,
		registered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used DATETIME,
		expires_at DATETIME,
		deactivated_at DATETIME,
		deactivation_reason TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_rfid_cards_user ON rfid_cards(user_id);

	CREATE TABLE IF NOT EXISTS access_rules (
		rule_name TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		allowed_methods TEXT NOT NULL,
		restricted_users TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_access_rules_user ON access_rules(user_id);

	CREATE TABLE IF NOT EXISTS telemetry_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time DATETIME NOT NULL,
		device_id TEXT NOT NULL,
		gateway_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		temperature REAL,
		humidity REAL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_device_time ON telemetry_samples(device_id, time);

	CREATE TABLE IF NOT EXISTS access_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time DATETIME NOT NULL,
		device_id TEXT NOT NULL,
		gateway_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		method TEXT NOT NULL,
		result TEXT NOT NULL,
		password_id TEXT,
		rfid_uid TEXT,
		deny_reason TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_access_logs_gateway_time ON access_logs(gateway_id, time);

	CREATE TABLE IF NOT EXISTS system_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time DATETIME NOT NULL,
		gateway_id TEXT NOT NULL,
		device_id TEXT,
		user_id TEXT,
		log_type TEXT NOT NULL,
		event TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT,
		value REAL,
		threshold REAL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_system_logs_gateway_time ON system_logs(gateway_id, time);

	CREATE TABLE IF NOT EXISTS command_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time DATETIME NOT NULL,
		command_id TEXT NOT NULL,
		source TEXT NOT NULL,
		device_id TEXT NOT NULL,
		gateway_id TEXT NOT NULL,
		user_id TEXT,
		command_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'sent',
		params TEXT,
		result TEXT,
		completed_at DATETIME,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_command_logs_command_id ON command_logs(command_id);
	CREATE INDEX IF NOT EXISTS idx_command_logs_status ON command_logs(status);
	`

	_, err := db.conn.Exec(schema)
	return err
}
