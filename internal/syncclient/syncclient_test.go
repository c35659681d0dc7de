package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agsys/gateway/internal/credstore"
)

func TestSyncOnceAppliesChangesWhenNeeded(t *testing.T) {
	var gotVersionHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersionHeader = r.Header.Get("X-DB-Version")
		resp := snapshotResponse{
			NeedsUpdate: true,
			Version:     "abc123",
			Timestamp:   "2026-08-01T00:00:00Z",
			Database: &snapshotPayload{
				Passwords: map[string]*credstore.Password{
					"pw-1": {Hash: "deadbeef", Active: true},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := credstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg := DefaultConfig("gw-1", srv.URL)
	client := New(cfg, store)

	client.syncOnce(context.Background())

	if gotVersionHeader == "" {
		t.Fatal("expected X-DB-Version header to be set")
	}
	ok, id := store.AuthenticatePasskey("deadbeef")
	if !ok || id != "pw-1" {
		t.Fatalf("expected synced password to authenticate, got ok=%v id=%q", ok, id)
	}
	info := store.SyncInfo()
	if info.DatabaseVersion != "abc123" {
		t.Fatalf("expected sync info updated, got %+v", info)
	}
}

func TestSyncOnceNoopWhenUpToDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(snapshotResponse{NeedsUpdate: false})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := credstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := store.SyncInfo()

	client := New(DefaultConfig("gw-1", srv.URL), store)
	client.syncOnce(context.Background())

	after := store.SyncInfo()
	if before != after {
		t.Fatalf("expected no change on needs_update=false, got %+v -> %+v", before, after)
	}
}

func TestTriggerDoesNotBlockWhenFull(t *testing.T) {
	store, err := credstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client := New(DefaultConfig("gw-1", "http://example.invalid"), store)

	done := make(chan struct{})
	go func() {
		client.Trigger()
		client.Trigger()
		client.Trigger()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Trigger blocked")
	}
}
