// Package syncclient implements C4: periodic pull of the gateway's
// credential snapshot from the cloud REST sync endpoint, with an
// out-of-band MQTT trigger channel that runs a sync at once and restarts the
// poll interval, mirroring the donor gateway's
// auto_sync/request_sync_from_server split (interval check, then request).
package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/agsys/gateway/internal/credstore"
)

// Config controls sync timing and the server to pull from.
type Config struct {
	GatewayID    string
	BaseURL      string
	Interval     time.Duration
	HTTPClient   *http.Client
}

// DefaultConfig returns sync client defaults; callers override fields as
// needed.
func DefaultConfig(gatewayID, baseURL string) Config {
	return Config{
		GatewayID:  gatewayID,
		BaseURL:    baseURL,
		Interval:   5 * time.Second,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// snapshotResponse is the wire shape of GET /api/sync/database/{gateway_id}.
type snapshotResponse struct {
	NeedsUpdate bool             `json:"needs_update"`
	Version     string           `json:"version"`
	Timestamp   string           `json:"timestamp"`
	Database    *snapshotPayload `json:"database,omitempty"`
}

// snapshotPayload is the nested credential snapshot sent only when
// needs_update is true.
type snapshotPayload struct {
	Devices   map[string]*credstore.Device   `json:"devices"`
	RFIDCards map[string]*credstore.RFIDCard `json:"rfid_cards"`
	Passwords map[string]*credstore.Password `json:"passwords"`
}

// Client polls the cloud sync endpoint on an interval and on demand via
// Trigger, applying any changes to the local credential store.
type Client struct {
	cfg   Config
	store *credstore.Store

	trigger chan struct{}
}

// New constructs a sync client bound to store.
func New(cfg Config, store *credstore.Store) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		store:   store,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests an immediate sync on the next Run loop tick, without
// blocking if one is already pending. Called from the MQTT subscriber on
// gateway/{id}/sync/trigger.
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, polling at cfg.Interval or whenever Trigger fires, until ctx
// is canceled.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncOnce(ctx)
		case <-c.trigger:
			c.syncOnce(ctx)
			ticker.Reset(c.cfg.Interval)
		}
	}
}

func (c *Client) syncOnce(ctx context.Context) {
	version, err := c.store.CurrentVersion()
	if err != nil {
		log.Printf("syncclient: computing local version: %v", err)
		return
	}

	resp, err := c.fetch(ctx, version)
	if err != nil {
		log.Printf("syncclient: fetch failed: %v", err)
		return
	}

	if !resp.NeedsUpdate {
		log.Printf("syncclient: no changes from server (version %s)", version)
		return
	}
	if resp.Database == nil {
		log.Printf("syncclient: needs_update=true but database missing, skipping")
		return
	}

	if err := c.store.ApplySyncChanges(resp.Database.Devices, resp.Database.RFIDCards, resp.Database.Passwords); err != nil {
		log.Printf("syncclient: applying changes: %v", err)
		return
	}
	if err := c.store.UpdateSyncInfo(resp.Version, resp.Timestamp); err != nil {
		log.Printf("syncclient: updating sync info: %v", err)
	}

	log.Printf("syncclient: applied snapshot version %s", resp.Version)
}

func (c *Client) fetch(ctx context.Context, localVersion string) (*snapshotResponse, error) {
	url := fmt.Sprintf("%s/api/sync/database/%s", c.cfg.BaseURL, c.cfg.GatewayID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building sync request: %w", err)
	}
	req.Header.Set("X-DB-Version", localVersion)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sync endpoint returned %d: %s", resp.StatusCode, body)
	}

	var out snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding sync response: %w", err)
	}
	return &out, nil
}

// Heartbeat sends the optional fallback heartbeat POST, used when MQTT
// status publication is unavailable.
func (c *Client) Heartbeat(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/sync/heartbeat/%s", c.cfg.BaseURL, c.cfg.GatewayID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat endpoint returned %d", resp.StatusCode)
	}
	return nil
}
