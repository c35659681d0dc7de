// Package credstore implements the gateway's local credential cache (C3):
// an in-memory mapping of passwords, RFID cards and devices read-through
// cached from the cloud, persisted atomically to JSON files under a data
// directory. The cloud database is the sole owner of these entities; this
// package only ever holds a snapshot.
package credstore

import "time"

// Password is a cached password credential.
type Password struct {
	Hash      string     `json:"hash"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RFIDCard is a cached RFID card credential.
type RFIDCard struct {
	Name               string     `json:"name"`
	Active             bool       `json:"active"`
	CardType           string     `json:"card_type,omitempty"`
	Description        string     `json:"description,omitempty"`
	RegisteredAt       time.Time  `json:"registered_at"`
	LastUsed           *time.Time `json:"last_used,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Device is a cached device record.
type Device struct {
	DeviceType string            `json:"device_type"`
	Status     string            `json:"status"`
	LastSeen   *time.Time        `json:"last_seen,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	LastUpdate time.Time         `json:"last_update"`
}

// AccessRule is a time-windowed access policy. A window with Start > End
// wraps midnight (e.g. 22:00-06:00 covers overnight).
type AccessRule struct {
	Name             string   `json:"name"`
	Enabled          bool     `json:"enabled"`
	StartTime        string   `json:"start_time"` // "HH:MM"
	EndTime          string   `json:"end_time"`
	AllowedMethods   []string `json:"allowed_methods"`
	RestrictedUsers  []string `json:"restricted_users"`
}

// AutomationSettings controls the temperature-driven fan automation.
type AutomationSettings struct {
	AutoFanEnabled      bool    `json:"auto_fan_enabled"`
	AutoFanTempThreshold float64 `json:"auto_fan_temp_threshold"`
}

// LastAccess records the most recent access-granting event, used to drive
// home-occupied state.
type LastAccess struct {
	Method      string    `json:"method"`
	Timestamp   time.Time `json:"timestamp"`
	UID         string    `json:"uid,omitempty"`
	PasswordID  string    `json:"password_id,omitempty"`
}

// SyncInfo tracks the gateway's last applied snapshot version.
type SyncInfo struct {
	LastSyncServer string `json:"last_sync_server"`
	DatabaseVersion string `json:"database_version"`
}

// devicesFile is the on-disk shape of devices.json.
type devicesFile struct {
	Devices   map[string]*Device   `json:"devices"`
	RFIDCards map[string]*RFIDCard `json:"rfid_cards"`
	Passwords map[string]*Password `json:"passwords"`
}

// settingsFile is the on-disk shape of settings.json.
type settingsFile struct {
	Automation   AutomationSettings    `json:"automation"`
	AccessRules  []AccessRule          `json:"access_rules"`
	HomeOccupied bool                  `json:"home_occupied"`
	LastAccess   *LastAccess           `json:"last_access,omitempty"`
	Sync         SyncInfo              `json:"sync"`
}

func defaultDevicesFile() *devicesFile {
	return &devicesFile{
		Devices:   make(map[string]*Device),
		RFIDCards: make(map[string]*RFIDCard),
		Passwords: make(map[string]*Password),
	}
}

func defaultSettingsFile() *settingsFile {
	return &settingsFile{
		Automation: AutomationSettings{AutoFanEnabled: true, AutoFanTempThreshold: 28.0},
		Sync:       SyncInfo{LastSyncServer: "1970-01-01T00:00:00Z"},
	}
}

// LogEntry is one row in the bounded local logs.json mirror kept for
// operator debugging between syncs.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// maxLogEntries bounds logs.json to the most recent entries.
const maxLogEntries = 500
