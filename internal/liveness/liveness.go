// Package liveness implements the cloud daemon's offline sweeper (C9): a
// periodic loop that marks stale gateways and devices offline, cascading a
// gateway's own offline transition onto its devices before the standalone
// device sweep runs.
package liveness

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agsys/gateway/internal/cloudstore"
	"github.com/agsys/gateway/internal/fanout"
)

// Config holds the sweep interval and per-entity timeouts. Both timeouts
// default to roughly 3x the devices' 30 s heartbeat interval.
type Config struct {
	Interval       time.Duration
	DeviceTimeout  time.Duration
	GatewayTimeout time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		DeviceTimeout:  90 * time.Second,
		GatewayTimeout: 90 * time.Second,
	}
}

// Detector owns the sweep loop.
type Detector struct {
	cfg   Config
	store *cloudstore.DB
	hub   *fanout.Hub
	now   func() time.Time
}

// New constructs a Detector. now defaults to time.Now; tests may override it.
func New(cfg Config, store *cloudstore.DB, hub *fanout.Hub, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = 90 * time.Second
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 90 * time.Second
	}
	return &Detector{cfg: cfg, store: store, hub: hub, now: now}
}

// Run ticks the sweep loop until ctx is canceled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(d.now())
		}
	}
}

// Tick runs one full sweep: gateway sweep, cascade, then device sweep, in
// that order so cascaded device transitions are visible before the
// standalone pass evaluates the same devices again.
func (d *Detector) Tick(now time.Time) {
	offlined, err := d.sweepGateways(now)
	if err != nil {
		log.Printf("liveness: gateway sweep failed: %v", err)
	}
	for _, gatewayID := range offlined {
		if err := d.cascade(gatewayID, now); err != nil {
			log.Printf("liveness: cascading gateway %s offline failed: %v", gatewayID, err)
		}
	}
	if err := d.sweepDevices(now); err != nil {
		log.Printf("liveness: device sweep failed: %v", err)
	}
}

func (d *Detector) sweepGateways(now time.Time) ([]string, error) {
	cutoff := now.Add(-d.cfg.GatewayTimeout)
	stale, err := d.store.StaleOnlineGateways(cutoff)
	if err != nil {
		return nil, err
	}

	var offlined []string
	for _, gw := range stale {
		if err := d.store.MarkGatewayOffline(gw.GatewayID); err != nil {
			log.Printf("liveness: marking gateway %s offline failed: %v", gw.GatewayID, err)
			continue
		}
		if err := d.store.InsertSystemLog(now, gw.GatewayID, "", gw.UserID, "gateway_offline", "gateway_offline", "warning",
			fmt.Sprintf("gateway %s timed out after %s", gw.GatewayID, d.cfg.GatewayTimeout), nil, nil, nil); err != nil {
			log.Printf("liveness: logging gateway_offline failed: %v", err)
		}
		d.hub.Publish(fanout.Event{
			UserID: gw.UserID,
			Type:   "device_status",
			Data:   map[string]any{"gateway_id": gw.GatewayID, "status": "offline", "time": now},
		})
		offlined = append(offlined, gw.GatewayID)
	}
	return offlined, nil
}

// cascade forces every non-offline device of a just-offlined gateway to
// offline, reason gateway_offline.
func (d *Detector) cascade(gatewayID string, now time.Time) error {
	devices, err := d.store.DevicesForGateway(gatewayID)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if dev.Status == "offline" {
			continue
		}
		userID, _ := d.store.ResolveDeviceUser(dev.DeviceID, gatewayID)
		if err := d.store.SetDeviceStatus(dev.DeviceID, gatewayID, "offline", now); err != nil {
			log.Printf("liveness: cascading device %s offline failed: %v", dev.DeviceID, err)
			continue
		}
		if err := d.store.InsertSystemLog(now, gatewayID, dev.DeviceID, userID, "device_offline", "device_offline", "warning",
			fmt.Sprintf("device %s forced offline: gateway_offline", dev.DeviceID), nil, nil, nil); err != nil {
			log.Printf("liveness: logging cascaded device_offline failed: %v", err)
		}
		d.hub.Publish(fanout.Event{
			UserID: userID,
			Type:   "device_status",
			Data:   map[string]any{"device_id": dev.DeviceID, "gateway_id": gatewayID, "status": "offline", "reason": "gateway_offline", "time": now},
		})
	}
	return nil
}

func (d *Detector) sweepDevices(now time.Time) error {
	cutoff := now.Add(-d.cfg.DeviceTimeout)
	stale, err := d.store.StaleOnlineDevices(cutoff)
	if err != nil {
		return err
	}

	for _, dev := range stale {
		userID, _ := d.store.ResolveDeviceUser(dev.DeviceID, dev.GatewayID)
		if err := d.store.SetDeviceStatus(dev.DeviceID, dev.GatewayID, "offline", now); err != nil {
			log.Printf("liveness: marking device %s offline failed: %v", dev.DeviceID, err)
			continue
		}
		if err := d.store.InsertSystemLog(now, dev.GatewayID, dev.DeviceID, userID, "device_offline", "device_offline", "warning",
			fmt.Sprintf("device %s timed out after %s", dev.DeviceID, d.cfg.DeviceTimeout), nil, nil, nil); err != nil {
			log.Printf("liveness: logging device_offline failed: %v", err)
		}
		d.hub.Publish(fanout.Event{
			UserID: userID,
			Type:   "device_status",
			Data:   map[string]any{"device_id": dev.DeviceID, "gateway_id": dev.GatewayID, "status": "offline", "reason": "timeout", "time": now},
		})
	}
	return nil
}

// ForceCheckGateway evaluates a single gateway on demand using the same
// timeout policy as the periodic sweep.
func (d *Detector) ForceCheckGateway(gatewayID string) (wentOffline bool, err error) {
	now := d.now()
	gw, err := d.store.GetGateway(gatewayID)
	if err != nil || gw == nil {
		return false, err
	}
	if gw.Status != "online" {
		return false, nil
	}
	cutoff := now.Add(-d.cfg.GatewayTimeout)
	if gw.LastSeen.Valid && gw.LastSeen.Time.After(cutoff) {
		return false, nil
	}
	if err := d.store.MarkGatewayOffline(gatewayID); err != nil {
		return false, err
	}
	if err := d.store.InsertSystemLog(now, gatewayID, "", gw.UserID, "gateway_offline", "gateway_offline", "warning",
		fmt.Sprintf("gateway %s force-checked offline", gatewayID), nil, nil, nil); err != nil {
		log.Printf("liveness: logging forced gateway_offline failed: %v", err)
	}
	return true, d.cascade(gatewayID, now)
}

// ForceCheckDevice evaluates a single device on demand using the same
// timeout policy as the periodic sweep.
func (d *Detector) ForceCheckDevice(deviceID, gatewayID string) (wentOffline bool, err error) {
	now := d.now()
	dev, err := d.store.GetDevice(deviceID, gatewayID)
	if err != nil || dev == nil {
		return false, err
	}
	if dev.Status != "online" {
		return false, nil
	}
	cutoff := now.Add(-d.cfg.DeviceTimeout)
	if dev.LastSeen.Valid && dev.LastSeen.Time.After(cutoff) {
		return false, nil
	}
	userID, _ := d.store.ResolveDeviceUser(deviceID, gatewayID)
	if err := d.store.SetDeviceStatus(deviceID, gatewayID, "offline", now); err != nil {
		return false, err
	}
	if err := d.store.InsertSystemLog(now, gatewayID, deviceID, userID, "device_offline", "device_offline", "warning",
		fmt.Sprintf("device %s force-checked offline", deviceID), nil, nil, nil); err != nil {
		log.Printf("liveness: logging forced device_offline failed: %v", err)
	}
	d.hub.Publish(fanout.Event{
		UserID: userID,
		Type:   "device_status",
		Data:   map[string]any{"device_id": deviceID, "gateway_id": gatewayID, "status": "offline", "reason": "timeout", "time": now},
	})
	return true, nil
}
