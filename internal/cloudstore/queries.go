package cloudstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agsys/gateway/internal/credstore"
)

// GatewayRow is a row of the gateways table.
type GatewayRow struct {
	GatewayID        string
	UserID           string
	Name             string
	Location         string
	Status           string
	LastSeen         sql.NullTime
	DatabaseVersion  sql.NullString
}

// DeviceRow is a row of the devices table.
type DeviceRow struct {
	DeviceID   string
	GatewayID  string
	DeviceType string
	Location   string
	Status     string
	LastSeen   sql.NullTime
	Metadata   sql.NullString
}

// UpsertGateway inserts or updates a gateway's identity fields without
// touching status/last_seen, which the liveness detector and ingest own.
func (db *DB) UpsertGateway(gatewayID, userID, name, location string) error {
	_, err := db.conn.Exec(`
		INSERT INTO gateways (gateway_id, user_id, name, location)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(gateway_id) DO UPDATE SET
			user_id = excluded.user_id,
			name = COALESCE(NULLIF(excluded.name, ''), name),
			location = COALESCE(NULLIF(excluded.location, ''), location),
			updated_at = CURRENT_TIMESTAMP
	`, gatewayID, userID, name, location)
	return err
}

// GetGateway fetches one gateway row, or nil if it does not exist.
func (db *DB) GetGateway(gatewayID string) (*GatewayRow, error) {
	row := db.conn.QueryRow(`
		SELECT gateway_id, user_id, name, location, status, last_seen, database_version
		FROM gateways WHERE gateway_id = ?
	`, gatewayID)
	var g GatewayRow
	if err := row.Scan(&g.GatewayID, &g.UserID, &g.Name, &g.Location, &g.Status, &g.LastSeen, &g.DatabaseVersion); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

// TouchGatewayHeartbeat marks a gateway online and advances last_seen to now.
func (db *DB) TouchGatewayHeartbeat(gatewayID string, now time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE gateways SET status = 'online', last_seen = ?, updated_at = CURRENT_TIMESTAMP
		WHERE gateway_id = ?
	`, now, gatewayID)
	return err
}

// SetGatewayDatabaseVersion records the snapshot version a gateway is
// currently synced to; the sync endpoint calls it whenever it serves a
// gateway a new snapshot.
func (db *DB) SetGatewayDatabaseVersion(gatewayID, version string) error {
	_, err := db.conn.Exec(`UPDATE gateways SET database_version = ? WHERE gateway_id = ?`, version, gatewayID)
	return err
}

// StaleOnlineGateways returns gateways currently marked online whose
// last_seen is older than cutoff — candidates for the liveness sweep.
func (db *DB) StaleOnlineGateways(cutoff time.Time) ([]GatewayRow, error) {
	rows, err := db.conn.Query(`
		SELECT gateway_id, user_id, name, location, status, last_seen, database_version
		FROM gateways WHERE status = 'online' AND (last_seen IS NULL OR last_seen < ?)
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GatewayRow
	for rows.Next() {
		var g GatewayRow
		if err := rows.Scan(&g.GatewayID, &g.UserID, &g.Name, &g.Location, &g.Status, &g.LastSeen, &g.DatabaseVersion); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkGatewayOffline flips a gateway's status to offline.
func (db *DB) MarkGatewayOffline(gatewayID string) error {
	_, err := db.conn.Exec(`UPDATE gateways SET status = 'offline', updated_at = CURRENT_TIMESTAMP WHERE gateway_id = ?`, gatewayID)
	return err
}

// UpsertDevice inserts or updates a device's identity and status fields.
// An empty status leaves the existing status untouched.
func (db *DB) UpsertDevice(deviceID, gatewayID, deviceType, location, status string, lastSeen time.Time) error {
	_, err := db.conn.Exec(`
		INSERT INTO devices (device_id, gateway_id, device_type, location, status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, gateway_id) DO UPDATE SET
			device_type = excluded.device_type,
			location = COALESCE(NULLIF(excluded.location, ''), location),
			status = CASE WHEN excluded.status = '' THEN status ELSE excluded.status END,
			last_seen = excluded.last_seen,
			updated_at = CURRENT_TIMESTAMP
	`, deviceID, gatewayID, deviceType, location, status, lastSeen)
	return err
}

// GetDevice fetches one device row scoped to its gateway, or nil if absent.
func (db *DB) GetDevice(deviceID, gatewayID string) (*DeviceRow, error) {
	row := db.conn.QueryRow(`
		SELECT device_id, gateway_id, device_type, location, status, last_seen, metadata
		FROM devices WHERE device_id = ? AND gateway_id = ?
	`, deviceID, gatewayID)
	var d DeviceRow
	if err := row.Scan(&d.DeviceID, &d.GatewayID, &d.DeviceType, &d.Location, &d.Status, &d.LastSeen, &d.Metadata); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// SetDeviceStatus updates a device's status and last_seen together, used by
// ingest's status normalization and the liveness sweep alike.
func (db *DB) SetDeviceStatus(deviceID, gatewayID, status string, lastSeen time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE devices SET status = ?, last_seen = ?, updated_at = CURRENT_TIMESTAMP
		WHERE device_id = ? AND gateway_id = ?
	`, status, lastSeen, deviceID, gatewayID)
	return err
}

// DevicesForGateway lists every device row belonging to a gateway, used by
// the liveness detector's offline cascade.
func (db *DB) DevicesForGateway(gatewayID string) ([]DeviceRow, error) {
	rows, err := db.conn.Query(`
		SELECT device_id, gateway_id, device_type, location, status, last_seen, metadata
		FROM devices WHERE gateway_id = ?
	`, gatewayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		var d DeviceRow
		if err := rows.Scan(&d.DeviceID, &d.GatewayID, &d.DeviceType, &d.Location, &d.Status, &d.LastSeen, &d.Metadata); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StaleOnlineDevices returns devices currently marked online whose
// last_seen is older than cutoff.
func (db *DB) StaleOnlineDevices(cutoff time.Time) ([]DeviceRow, error) {
	rows, err := db.conn.Query(`
		SELECT device_id, gateway_id, device_type, location, status, last_seen, metadata
		FROM devices WHERE status = 'online' AND (last_seen IS NULL OR last_seen < ?)
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		var d DeviceRow
		if err := rows.Scan(&d.DeviceID, &d.GatewayID, &d.DeviceType, &d.Location, &d.Status, &d.LastSeen, &d.Metadata); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDeviceUser looks up the user_id that owns a device via its gateway.
func (db *DB) ResolveDeviceUser(deviceID, gatewayID string) (string, error) {
	var userID string
	err := db.conn.QueryRow(`SELECT user_id FROM gateways WHERE gateway_id = ?`, gatewayID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if deviceID == "" {
		return userID, err
	}
	return userID, err
}

// InsertTelemetry appends one telemetry sample.
func (db *DB) InsertTelemetry(t time.Time, deviceID, gatewayID, userID string, temperature, humidity *float64, metadata map[string]string) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(`
		INSERT INTO telemetry_samples (time, device_id, gateway_id, user_id, temperature, humidity, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t, deviceID, gatewayID, userID, temperature, humidity, meta)
	return err
}

// InsertAccessLog appends one access log row.
func (db *DB) InsertAccessLog(t time.Time, deviceID, gatewayID, userID, method, result, passwordID, rfidUID, denyReason string, metadata map[string]string) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(`
		INSERT INTO access_logs (time, device_id, gateway_id, user_id, method, result, password_id, rfid_uid, deny_reason, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t, deviceID, gatewayID, userID, method, result, nullIfEmpty(passwordID), nullIfEmpty(rfidUID), nullIfEmpty(denyReason), meta)
	return err
}

// TouchCredentialLastUsed advances last_used on whichever credential table
// granted access: passwords by password_id or rfid_cards by uid.
func (db *DB) TouchCredentialLastUsed(passwordID, rfidUID string, t time.Time) error {
	if passwordID != "" {
		_, err := db.conn.Exec(`UPDATE passwords SET last_used = ? WHERE password_id = ?`, t, passwordID)
		return err
	}
	if rfidUID != "" {
		_, err := db.conn.Exec(`UPDATE rfid_cards SET last_used = ? WHERE uid = ?`, t, rfidUID)
		return err
	}
	return nil
}

// InsertSystemLog appends one system log row.
func (db *DB) InsertSystemLog(t time.Time, gatewayID, deviceID, userID, logType, event, severity, message string, value, threshold *float64, metadata map[string]string) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(`
		INSERT INTO system_logs (time, gateway_id, device_id, user_id, log_type, event, severity, message, value, threshold, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t, gatewayID, nullIfEmpty(deviceID), nullIfEmpty(userID), logType, event, severity, message, value, threshold, meta)
	return err
}

// InsertCommandLog appends one command_logs row recording a command's
// initial dispatch.
func (db *DB) InsertCommandLog(t time.Time, commandID, source, deviceID, gatewayID, userID, commandType string, params map[string]any) error {
	p, err := marshalMetadata(params)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(`
		INSERT INTO command_logs (time, command_id, source, device_id, gateway_id, user_id, command_type, status, params)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'sent', ?)
	`, t, commandID, source, deviceID, gatewayID, nullIfEmpty(userID), commandType, p)
	return err
}

// CompleteCommandLog transitions the most recent sent row for a command_id
// to its terminal status, recording the result and completion time.
func (db *DB) CompleteCommandLog(commandID, status, result string, completedAt time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE command_logs SET status = ?, result = ?, completed_at = ?
		WHERE command_id = ? AND status = 'sent'
	`, status, result, completedAt, commandID)
	return err
}

// ExpireStaleCommandLogs transitions any 'sent' command older than cutoff to
// 'expired', mirroring the gateway router's own pending-command sweep so the
// cloud-side record converges even if the completion notice never arrives.
func (db *DB) ExpireStaleCommandLogs(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(`
		UPDATE command_logs SET status = 'expired', completed_at = ?
		WHERE status = 'sent' AND time < ?
	`, cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SyncSnapshot assembles the credential set a gateway should hold, in the
// same shapes internal/credstore hashes, so DatabaseVersion computed on
// either side of the sync wire agrees byte-for-byte.
func (db *DB) SyncSnapshot(gatewayID string) (devices map[string]*credstore.Device, cards map[string]*credstore.RFIDCard, passwords map[string]*credstore.Password, err error) {
	devices = make(map[string]*credstore.Device)
	cards = make(map[string]*credstore.RFIDCard)
	passwords = make(map[string]*credstore.Password)

	var userID string
	if err = db.conn.QueryRow(`SELECT user_id FROM gateways WHERE gateway_id = ?`, gatewayID).Scan(&userID); err != nil {
		return nil, nil, nil, fmt.Errorf("resolving gateway owner: %w", err)
	}

	rows, err := db.conn.Query(`
		SELECT device_id, device_type, status, last_seen, metadata, updated_at
		FROM devices WHERE gateway_id = ?
	`, gatewayID)
	if err != nil {
		return nil, nil, nil, err
	}
	for rows.Next() {
		var id string
		var d credstore.Device
		var lastSeen sql.NullTime
		var metaJSON sql.NullString
		if err = rows.Scan(&id, &d.DeviceType, &d.Status, &lastSeen, &metaJSON, &d.LastUpdate); err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		if lastSeen.Valid {
			d.LastSeen = &lastSeen.Time
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &d.Metadata)
		}
		devices[id] = &d
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	cardRows, err := db.conn.Query(`
		SELECT uid, active, card_type, description, registered_at, last_used, expires_at, deactivated_at, deactivation_reason, updated_at
		FROM rfid_cards WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	for cardRows.Next() {
		var uid string
		var c credstore.RFIDCard
		var cardType, description, deactivationReason sql.NullString
		var lastUsed, expiresAt, deactivatedAt sql.NullTime
		if err = cardRows.Scan(&uid, &c.Active, &cardType, &description, &c.RegisteredAt, &lastUsed, &expiresAt, &deactivatedAt, &deactivationReason, &c.UpdatedAt); err != nil {
			cardRows.Close()
			return nil, nil, nil, err
		}
		c.CardType = cardType.String
		c.Description = description.String
		c.DeactivationReason = deactivationReason.String
		if lastUsed.Valid {
			c.LastUsed = &lastUsed.Time
		}
		if expiresAt.Valid {
			c.ExpiresAt = &expiresAt.Time
		}
		if deactivatedAt.Valid {
			c.DeactivatedAt = &deactivatedAt.Time
		}
		cards[uid] = &c
	}
	cardRows.Close()
	if err = cardRows.Err(); err != nil {
		return nil, nil, nil, err
	}

	pwRows, err := db.conn.Query(`
		SELECT password_id, hash, name, active, created_at, last_used, expires_at, updated_at
		FROM passwords WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer pwRows.Close()
	for pwRows.Next() {
		var id string
		var p credstore.Password
		var lastUsed, expiresAt sql.NullTime
		if err = pwRows.Scan(&id, &p.Hash, &p.Name, &p.Active, &p.CreatedAt, &lastUsed, &expiresAt, &p.UpdatedAt); err != nil {
			return nil, nil, nil, err
		}
		if lastUsed.Valid {
			p.LastUsed = &lastUsed.Time
		}
		if expiresAt.Valid {
			p.ExpiresAt = &expiresAt.Time
		}
		passwords[id] = &p
	}
	return devices, cards, passwords, pwRows.Err()
}

func marshalMetadata(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
