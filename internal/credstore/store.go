package credstore

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	devicesFilename  = "devices.json"
	settingsFilename = "settings.json"
	logsFilename     = "logs.json"
)

// Store owns the gateway's local credential snapshot. All public methods
// acquire the relevant lock internally; callers never see a lock. Devices,
// RFID cards and passwords share one lock (they are persisted together in
// devices.json); settings has its own, matching the donor database's
// devices_lock/settings_lock split.
type Store struct {
	dir string

	devicesMu sync.Mutex
	devices   *devicesFile

	settingsMu sync.Mutex
	settings   *settingsFile

	logsMu sync.Mutex
	logs   []LogEntry

	now func() time.Time
}

// Open loads (or initializes) the credential store rooted at dir.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:      dir,
		devices:  defaultDevicesFile(),
		settings: defaultSettingsFile(),
		now:      time.Now,
	}

	if err := loadJSON(dir, devicesFilename, s.devices); err != nil {
		return nil, fmt.Errorf("loading credential store: %w", err)
	}
	if s.devices.Devices == nil {
		s.devices.Devices = make(map[string]*Device)
	}
	if s.devices.RFIDCards == nil {
		s.devices.RFIDCards = make(map[string]*RFIDCard)
	}
	if s.devices.Passwords == nil {
		s.devices.Passwords = make(map[string]*Password)
	}

	if err := loadJSON(dir, settingsFilename, s.settings); err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	var logs []LogEntry
	if err := loadJSON(dir, logsFilename, &logs); err == nil {
		s.logs = logs
	}

	log.Printf("credstore: loaded %d devices, %d rfid cards, %d passwords",
		len(s.devices.Devices), len(s.devices.RFIDCards), len(s.devices.Passwords))

	return s, nil
}

func (s *Store) saveDevicesLocked() error {
	return saveJSON(s.dir, devicesFilename, s.devices)
}

func (s *Store) saveSettingsLocked() error {
	return saveJSON(s.dir, settingsFilename, s.settings)
}

// SaveAll force-persists every file, used on graceful shutdown.
func (s *Store) SaveAll() error {
	s.devicesMu.Lock()
	devErr := s.saveDevicesLocked()
	s.devicesMu.Unlock()

	s.settingsMu.Lock()
	setErr := s.saveSettingsLocked()
	s.settingsMu.Unlock()

	s.logsMu.Lock()
	logErr := saveJSON(s.dir, logsFilename, s.logs)
	s.logsMu.Unlock()

	if devErr != nil {
		return devErr
	}
	if setErr != nil {
		return setErr
	}
	return logErr
}

// AppendLog records a local debugging event, bounded to the most recent
// maxLogEntries rows.
func (s *Store) AppendLog(kind, message string, fields map[string]string) {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()

	s.logs = append(s.logs, LogEntry{Time: s.now(), Kind: kind, Message: message, Fields: fields})
	if len(s.logs) > maxLogEntries {
		s.logs = s.logs[len(s.logs)-maxLogEntries:]
	}
}

// --- RFID authentication ---

// AuthenticateRFID reports whether uid is active. On success it updates
// LastUsed eagerly and persists.
func (s *Store) AuthenticateRFID(uid string) bool {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()

	card, ok := s.devices.RFIDCards[uid]
	if !ok {
		return false
	}
	if !card.Active {
		return false
	}
	if card.ExpiresAt != nil && !card.ExpiresAt.After(s.now()) {
		return false
	}

	t := s.now()
	card.LastUsed = &t
	if err := s.saveDevicesLocked(); err != nil {
		log.Printf("credstore: error saving after rfid auth: %v", err)
	}
	return true
}

// --- Password authentication ---

// AuthenticatePasskey searches for an active, non-expired password whose
// hash matches exactly. It returns the matching password_id on success.
func (s *Store) AuthenticatePasskey(hash string) (bool, string) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()

	for id, pw := range s.devices.Passwords {
		if pw.Hash != hash || !pw.Active {
			continue
		}
		if pw.ExpiresAt != nil && !pw.ExpiresAt.After(s.now()) {
			continue
		}
		t := s.now()
		pw.LastUsed = &t
		if err := s.saveDevicesLocked(); err != nil {
			log.Printf("credstore: error saving after passkey auth: %v", err)
		}
		return true, id
	}
	return false, ""
}

// --- Device management ---

// GetDevice returns a copy of the device record, or nil if unknown.
func (s *Store) GetDevice(deviceID string) *Device {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()

	d, ok := s.devices.Devices[deviceID]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// UpsertDevice records deviceID's type/status/last_seen, creating the
// record if it does not yet exist.
func (s *Store) UpsertDevice(deviceID string, deviceType string, status string) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()

	d, ok := s.devices.Devices[deviceID]
	if !ok {
		d = &Device{}
		s.devices.Devices[deviceID] = d
	}
	if deviceType != "" {
		d.DeviceType = deviceType
	}
	if status != "" {
		d.Status = status
	}
	now := s.now()
	d.LastSeen = &now
	d.LastUpdate = now

	if err := s.saveDevicesLocked(); err != nil {
		log.Printf("credstore: error saving after device upsert: %v", err)
	}
}

// --- Settings ---

// AutomationSettings returns a copy of the current automation settings.
func (s *Store) AutomationSettings() AutomationSettings {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.settings.Automation
}

// UpdateAutomationSettings replaces the automation settings.
func (s *Store) UpdateAutomationSettings(a AutomationSettings) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings.Automation = a
	return s.saveSettingsLocked()
}

// UpdateHomeState records the most recent access-granting event and the
// resulting occupied flag.
func (s *Store) UpdateHomeState(occupied bool, access LastAccess) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings.HomeOccupied = occupied
	s.settings.LastAccess = &access
	return s.saveSettingsLocked()
}

// SyncInfo returns a copy of the current sync bookkeeping.
func (s *Store) SyncInfo() SyncInfo {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.settings.Sync
}

// UpdateSyncInfo records the last-applied snapshot version and server sync
// timestamp.
func (s *Store) UpdateSyncInfo(version, lastSyncServer string) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings.Sync.DatabaseVersion = version
	s.settings.Sync.LastSyncServer = lastSyncServer
	return s.saveSettingsLocked()
}

// CurrentVersion computes the content hash of the current credential
// snapshot.
func (s *Store) CurrentVersion() (string, error) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()
	return DatabaseVersion(s.devices.Devices, s.devices.RFIDCards, s.devices.Passwords)
}

// Stats summarizes the store's contents, used by health reporting.
type Stats struct {
	DeviceCount   int
	RFIDCardCount int
	PasswordCount int
	HomeOccupied  bool
}

func (s *Store) Stats() Stats {
	s.devicesMu.Lock()
	dc, rc, pc := len(s.devices.Devices), len(s.devices.RFIDCards), len(s.devices.Passwords)
	s.devicesMu.Unlock()

	s.settingsMu.Lock()
	occ := s.settings.HomeOccupied
	s.settingsMu.Unlock()

	return Stats{DeviceCount: dc, RFIDCardCount: rc, PasswordCount: pc, HomeOccupied: occ}
}
