package credstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stats := s.Stats()
	if stats.DeviceCount != 0 || stats.RFIDCardCount != 0 || stats.PasswordCount != 0 {
		t.Fatalf("expected empty store, got %+v", stats)
	}
	auto := s.AutomationSettings()
	if !auto.AutoFanEnabled || auto.AutoFanTempThreshold != 28.0 {
		t.Fatalf("unexpected default automation settings: %+v", auto)
	}
}

func TestAuthenticateRFIDActiveCard(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.devices.RFIDCards["uid-1"] = &RFIDCard{Name: "front door fob", Active: true, RegisteredAt: time.Now()}

	if !s.AuthenticateRFID("uid-1") {
		t.Fatal("expected active card to authenticate")
	}
	if s.AuthenticateRFID("uid-missing") {
		t.Fatal("expected unknown uid to fail")
	}

	s.devices.RFIDCards["uid-2"] = &RFIDCard{Name: "deactivated fob", Active: false}
	if s.AuthenticateRFID("uid-2") {
		t.Fatal("expected inactive card to fail")
	}

	past := time.Now().Add(-time.Hour)
	s.devices.RFIDCards["uid-3"] = &RFIDCard{Name: "expired fob", Active: true, ExpiresAt: &past}
	if s.AuthenticateRFID("uid-3") {
		t.Fatal("expected expired card to fail")
	}
}

func TestAuthenticatePasskeyMatch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.devices.Passwords["pw-1"] = &Password{Hash: "deadbeef", Active: true}

	ok, id := s.AuthenticatePasskey("deadbeef")
	if !ok || id != "pw-1" {
		t.Fatalf("expected match on pw-1, got ok=%v id=%q", ok, id)
	}

	if ok, _ := s.AuthenticatePasskey("nomatch"); ok {
		t.Fatal("expected no match for unknown hash")
	}
}

func TestSaveAllAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.devices.Devices["dev-1"] = &Device{DeviceType: "rfid_gate", Status: "online"}
	if err := s.SaveAll(); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	d := reopened.GetDevice("dev-1")
	if d == nil || d.Status != "online" {
		t.Fatalf("expected persisted device, got %+v", d)
	}
}

func TestOpenFallsBackToBackupOnCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.devices.Devices["dev-1"] = &Device{DeviceType: "rfid_gate", Status: "online"}
	if err := s.SaveAll(); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	// Write a second generation so devices.json.backup now holds the
	// good snapshot with dev-1.
	s.devices.Devices["dev-2"] = &Device{DeviceType: "motion_indoor", Status: "online"}
	if err := s.SaveAll(); err != nil {
		t.Fatalf("second SaveAll: %v", err)
	}

	// Corrupt the primary file.
	if err := os.WriteFile(filepath.Join(dir, devicesFilename), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupting primary: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("expected fallback to backup, got error: %v", err)
	}
	if reopened.GetDevice("dev-1") == nil {
		t.Fatal("expected dev-1 to survive via backup recovery")
	}
}

func TestUpdateHomeState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	access := LastAccess{Method: "rfid", Timestamp: time.Now(), UID: "uid-1"}
	if err := s.UpdateHomeState(true, access); err != nil {
		t.Fatalf("UpdateHomeState: %v", err)
	}
	if !s.Stats().HomeOccupied {
		t.Fatal("expected home_occupied=true")
	}
}

func TestDatabaseVersionDeterministic(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.devices.Passwords["pw-1"] = &Password{Hash: "abc", Active: true}

	v1, err := s.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	v2, err := s.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("expected deterministic version, got %q vs %q", v1, v2)
	}
	if len(v1) != 16 {
		t.Fatalf("expected 16-char version, got %q (%d chars)", v1, len(v1))
	}

	s.devices.Passwords["pw-2"] = &Password{Hash: "def", Active: true}
	v3, err := s.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v3 == v1 {
		t.Fatal("expected version to change after mutation")
	}
}

func TestApplySyncChangesPreservesNewerLocalLastUsed(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	localUsed := time.Now()
	s.devices.RFIDCards["uid-1"] = &RFIDCard{Name: "fob", Active: true, LastUsed: &localUsed}

	staleServerUsed := localUsed.Add(-time.Hour)
	incoming := map[string]*RFIDCard{
		"uid-1": {Name: "fob", Active: true, LastUsed: &staleServerUsed, Description: "synced"},
	}
	if err := s.ApplySyncChanges(nil, incoming, nil); err != nil {
		t.Fatalf("ApplySyncChanges: %v", err)
	}

	card := s.devices.RFIDCards["uid-1"]
	if card.Description != "synced" {
		t.Fatalf("expected incoming fields to apply, got %+v", card)
	}
	if card.LastUsed == nil || !card.LastUsed.Equal(localUsed) {
		t.Fatalf("expected locally-newer last_used to be preserved, got %v", card.LastUsed)
	}
}

func TestApplySyncChangesAcceptsServerLastUsedWhenNewer(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	localUsed := time.Now().Add(-time.Hour)
	s.devices.Passwords["pw-1"] = &Password{Hash: "abc", Active: true, LastUsed: &localUsed}

	serverUsed := time.Now()
	incoming := map[string]*Password{
		"pw-1": {Hash: "abc", Active: true, LastUsed: &serverUsed},
	}
	if err := s.ApplySyncChanges(nil, nil, incoming); err != nil {
		t.Fatalf("ApplySyncChanges: %v", err)
	}

	pw := s.devices.Passwords["pw-1"]
	if pw.LastUsed == nil || !pw.LastUsed.Equal(serverUsed) {
		t.Fatalf("expected server's newer last_used to win, got %v", pw.LastUsed)
	}
}

func TestEvaluateAccessDefaultAllow(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	allowed, reason := s.EvaluateAccess("rfid", "uid-1", time.Now())
	if !allowed || reason != "" {
		t.Fatalf("expected default allow, got allowed=%v reason=%q", allowed, reason)
	}
}

func TestEvaluateAccessRestrictedUserAndMethod(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.settings.AccessRules = []AccessRule{
		{
			Name:            "business_hours",
			Enabled:         true,
			StartTime:       "00:00",
			EndTime:         "23:59",
			AllowedMethods:  []string{"rfid"},
			RestrictedUsers: []string{"uid-banned"},
		},
	}

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if allowed, reason := s.EvaluateAccess("passkey", "uid-1", now); allowed || reason == "" {
		t.Fatalf("expected passkey to be disallowed by rule, got allowed=%v reason=%q", allowed, reason)
	}
	if allowed, reason := s.EvaluateAccess("rfid", "uid-banned", now); allowed || reason == "" {
		t.Fatalf("expected restricted user to be denied, got allowed=%v reason=%q", allowed, reason)
	}
	if allowed, _ := s.EvaluateAccess("rfid", "uid-1", now); !allowed {
		t.Fatal("expected allowed method and unrestricted user to pass")
	}
}

func TestEvaluateAccessMidnightWrap(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.settings.AccessRules = []AccessRule{
		{
			Name:           "overnight_lockdown",
			Enabled:        true,
			StartTime:      "22:00",
			EndTime:        "06:00",
			AllowedMethods: []string{},
		},
	}

	lateNight := time.Date(2026, 8, 1, 23, 30, 0, 0, time.UTC)
	if allowed, _ := s.EvaluateAccess("rfid", "uid-1", lateNight); allowed {
		t.Fatal("expected overnight window to block rfid")
	}

	midday := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)
	if allowed, _ := s.EvaluateAccess("rfid", "uid-1", midday); !allowed {
		t.Fatal("expected midday to fall outside overnight window and default-allow")
	}
}

func TestEvaluateAccessMalformedWindowFailsOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.settings.AccessRules = []AccessRule{
		{Name: "broken", Enabled: true, StartTime: "not-a-time", EndTime: "06:00"},
	}
	allowed, reason := s.EvaluateAccess("rfid", "uid-1", time.Now())
	if !allowed {
		t.Fatalf("expected fail-open on malformed rule, got allowed=%v reason=%q", allowed, reason)
	}
}

func TestAppendLogBounded(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < maxLogEntries+10; i++ {
		s.AppendLog("info", "tick", nil)
	}
	if len(s.logs) != maxLogEntries {
		t.Fatalf("expected logs bounded to %d, got %d", maxLogEntries, len(s.logs))
	}
}
