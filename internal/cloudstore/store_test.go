package cloudstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cloud.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertGatewayInsertsThenUpdatesWithoutClobbering(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertGateway("gw-1", "user-1", "Front Gate", "Driveway"); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	g, err := db.GetGateway("gw-1")
	if err != nil {
		t.Fatalf("GetGateway: %v", err)
	}
	if g == nil || g.Name != "Front Gate" || g.Status != "offline" {
		t.Fatalf("unexpected gateway row: %+v", g)
	}

	// Re-upsert with an empty name should not clobber the existing one.
	if err := db.UpsertGateway("gw-1", "user-1", "", "Back Lot"); err != nil {
		t.Fatalf("UpsertGateway (re-upsert): %v", err)
	}
	g, err = db.GetGateway("gw-1")
	if err != nil {
		t.Fatalf("GetGateway: %v", err)
	}
	if g.Name != "Front Gate" || g.Location != "Back Lot" {
		t.Fatalf("expected name preserved and location updated, got %+v", g)
	}
}

func TestGetGatewayMissingReturnsNilNotError(t *testing.T) {
	db := openTestDB(t)

	g, err := db.GetGateway("does-not-exist")
	if err != nil {
		t.Fatalf("GetGateway: %v", err)
	}
	if g != nil {
		t.Fatalf("expected nil for missing gateway, got %+v", g)
	}
}

func TestStaleOnlineGatewaysOnlyReturnsOnlinePastCutoff(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := db.UpsertGateway("gw-stale", "user-1", "Stale", ""); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := db.TouchGatewayHeartbeat("gw-stale", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("TouchGatewayHeartbeat: %v", err)
	}

	if err := db.UpsertGateway("gw-fresh", "user-1", "Fresh", ""); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := db.TouchGatewayHeartbeat("gw-fresh", now); err != nil {
		t.Fatalf("TouchGatewayHeartbeat: %v", err)
	}

	stale, err := db.StaleOnlineGateways(now.Add(-90 * time.Second))
	if err != nil {
		t.Fatalf("StaleOnlineGateways: %v", err)
	}
	if len(stale) != 1 || stale[0].GatewayID != "gw-stale" {
		t.Fatalf("expected only gw-stale, got %+v", stale)
	}
}

func TestMarkGatewayOfflineExcludesFromFutureSweeps(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := db.UpsertGateway("gw-1", "user-1", "G1", ""); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := db.TouchGatewayHeartbeat("gw-1", now.Add(-time.Hour)); err != nil {
		t.Fatalf("TouchGatewayHeartbeat: %v", err)
	}
	if err := db.MarkGatewayOffline("gw-1"); err != nil {
		t.Fatalf("MarkGatewayOffline: %v", err)
	}

	stale, err := db.StaleOnlineGateways(now)
	if err != nil {
		t.Fatalf("StaleOnlineGateways: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected offline gateway excluded from sweep, got %+v", stale)
	}
}

func TestUpsertDeviceEmptyStatusPreservesExisting(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := db.UpsertGateway("gw-1", "user-1", "G1", ""); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := db.UpsertDevice("dev-1", "gw-1", "rfid_gate", "", "online", now); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := db.UpsertDevice("dev-1", "gw-1", "rfid_gate", "Front", "", now); err != nil {
		t.Fatalf("UpsertDevice (status omitted): %v", err)
	}

	d, err := db.GetDevice("dev-1", "gw-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.Status != "online" || d.Location != "Front" {
		t.Fatalf("expected status preserved and location updated, got %+v", d)
	}
}

func TestCompleteCommandLogOnlyTransitionsSentRows(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := db.InsertCommandLog(now, "cmd-1", "user", "dev-1", "gw-1", "user-1", "unlock", nil); err != nil {
		t.Fatalf("InsertCommandLog: %v", err)
	}
	if err := db.CompleteCommandLog("cmd-1", "completed", "unlocked", now.Add(time.Second)); err != nil {
		t.Fatalf("CompleteCommandLog: %v", err)
	}
	// Second completion attempt should affect zero rows (already terminal).
	if err := db.CompleteCommandLog("cmd-1", "completed", "unlocked", now.Add(2*time.Second)); err != nil {
		t.Fatalf("CompleteCommandLog (second): %v", err)
	}

	rows, err := db.Query(`SELECT status, result FROM command_logs WHERE command_id = ?`, "cmd-1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer rows.Close()
	if !rows.Next() {
		t.Fatal("expected one command_logs row")
	}
	var status, result string
	if err := rows.Scan(&status, &result); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if status != "completed" || result != "unlocked" {
		t.Fatalf("unexpected row: status=%q result=%q", status, result)
	}
}

func TestExpireStaleCommandLogsOnlyAffectsSentPastCutoff(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := db.InsertCommandLog(now.Add(-time.Minute), "cmd-old", "user", "dev-1", "gw-1", "user-1", "unlock", nil); err != nil {
		t.Fatalf("InsertCommandLog: %v", err)
	}
	if err := db.InsertCommandLog(now, "cmd-new", "user", "dev-1", "gw-1", "user-1", "unlock", nil); err != nil {
		t.Fatalf("InsertCommandLog: %v", err)
	}

	n, err := db.ExpireStaleCommandLogs(now.Add(-30 * time.Second))
	if err != nil {
		t.Fatalf("ExpireStaleCommandLogs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one expired row, got %d", n)
	}
}

func TestSyncSnapshotReconstructsCredstoreShapes(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := db.UpsertGateway("gw-1", "user-1", "G1", ""); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := db.UpsertDevice("dev-1", "gw-1", "rfid_gate", "", "online", now); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if _, err := db.conn.Exec(`INSERT INTO rfid_cards (uid, user_id, active, registered_at, updated_at) VALUES (?, ?, 1, ?, ?)`,
		"card-1", "user-1", now, now); err != nil {
		t.Fatalf("inserting rfid card: %v", err)
	}
	if _, err := db.conn.Exec(`INSERT INTO passwords (password_id, user_id, hash, active, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		"pw-1", "user-1", "deadbeef", now, now); err != nil {
		t.Fatalf("inserting password: %v", err)
	}

	devices, cards, passwords, err := db.SyncSnapshot("gw-1")
	if err != nil {
		t.Fatalf("SyncSnapshot: %v", err)
	}
	if _, ok := devices["dev-1"]; !ok {
		t.Fatalf("expected device in snapshot, got %+v", devices)
	}
	if _, ok := cards["card-1"]; !ok {
		t.Fatalf("expected rfid card in snapshot, got %+v", cards)
	}
	if pw, ok := passwords["pw-1"]; !ok || pw.Hash != "deadbeef" {
		t.Fatalf("expected password in snapshot, got %+v", passwords)
	}
}
