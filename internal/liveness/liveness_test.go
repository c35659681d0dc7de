package liveness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agsys/gateway/internal/cloudstore"
	"github.com/agsys/gateway/internal/fanout"
)

func newTestStore(t *testing.T) *cloudstore.DB {
	t.Helper()
	db, err := cloudstore.Open(filepath.Join(t.TempDir(), "cloud.db"))
	if err != nil {
		t.Fatalf("cloudstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func noAuth(string) (string, bool) { return "", false }

func TestTickCascadesOfflineGatewayOntoItsDevicesBeforeDeviceSweep(t *testing.T) {
	store := newTestStore(t)
	hub := fanout.New(noAuth)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.UpsertGateway("gw-1", "user-1", "G1", ""); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := store.TouchGatewayHeartbeat("gw-1", now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("TouchGatewayHeartbeat: %v", err)
	}
	// Device last_seen is recent — it would survive the standalone device
	// sweep on its own, but must still be cascaded offline because its
	// gateway just went offline.
	if err := store.UpsertDevice("dev-1", "gw-1", "rfid_gate", "", "online", now.Add(-time.Second)); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	d := New(DefaultConfig(), store, hub, func() time.Time { return now })
	d.Tick(now)

	dev, err := store.GetDevice("dev-1", "gw-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev.Status != "offline" {
		t.Fatalf("expected device cascaded offline, got status=%q", dev.Status)
	}

	gw, err := store.GetGateway("gw-1")
	if err != nil {
		t.Fatalf("GetGateway: %v", err)
	}
	if gw.Status != "offline" {
		t.Fatalf("expected gateway offline, got status=%q", gw.Status)
	}
}

func TestTickStandaloneDeviceSweepLeavesOnlineGatewayDevicesAlone(t *testing.T) {
	store := newTestStore(t)
	hub := fanout.New(noAuth)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.UpsertGateway("gw-1", "user-1", "G1", ""); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := store.TouchGatewayHeartbeat("gw-1", now); err != nil {
		t.Fatalf("TouchGatewayHeartbeat: %v", err)
	}
	if err := store.UpsertDevice("dev-stale", "gw-1", "rfid_gate", "", "online", now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := store.UpsertDevice("dev-fresh", "gw-1", "relay_fan", "", "online", now); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	d := New(DefaultConfig(), store, hub, func() time.Time { return now })
	d.Tick(now)

	stale, err := store.GetDevice("dev-stale", "gw-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if stale.Status != "offline" {
		t.Fatalf("expected stale device timed out, got %q", stale.Status)
	}

	fresh, err := store.GetDevice("dev-fresh", "gw-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if fresh.Status != "online" {
		t.Fatalf("expected fresh device to remain online, got %q", fresh.Status)
	}
}

func TestForceCheckDeviceRespectsTimeoutWindow(t *testing.T) {
	store := newTestStore(t)
	hub := fanout.New(noAuth)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.UpsertGateway("gw-1", "user-1", "G1", ""); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := store.UpsertDevice("dev-1", "gw-1", "rfid_gate", "", "online", now.Add(-time.Second)); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	d := New(DefaultConfig(), store, hub, func() time.Time { return now })
	went, err := d.ForceCheckDevice("dev-1", "gw-1")
	if err != nil {
		t.Fatalf("ForceCheckDevice: %v", err)
	}
	if went {
		t.Fatal("expected recently-seen device to survive force check")
	}

	if err := store.SetDeviceStatus("dev-1", "gw-1", "online", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("SetDeviceStatus: %v", err)
	}
	went, err = d.ForceCheckDevice("dev-1", "gw-1")
	if err != nil {
		t.Fatalf("ForceCheckDevice: %v", err)
	}
	if !went {
		t.Fatal("expected stale device to go offline on force check")
	}
}
