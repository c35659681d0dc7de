// Package command implements the cloud-side half of the command path
// (C11): authenticated command submission, ownership validation,
// command_id issuance, and the command_logs bookkeeping that records
// dispatch and, later, completion.
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/gateway/internal/cloudstore"
)

// Publisher is the subset of an MQTT broker client command submission
// needs: a single best-effort publish to the gateway's command topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Dispatcher submits commands to gateways and records their lifecycle.
type Dispatcher struct {
	store     *cloudstore.DB
	publisher Publisher
	now       func() time.Time
}

// New constructs a Dispatcher. now defaults to time.Now; tests may
// override it.
func New(store *cloudstore.DB, publisher Publisher, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{store: store, publisher: publisher, now: now}
}

// OwnershipError indicates the requesting user does not own the target
// device's gateway.
type OwnershipError struct {
	UserID, DeviceID, GatewayID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("user %s does not own device %s on gateway %s", e.UserID, e.DeviceID, e.GatewayID)
}

// wirePayload is the exact shape published to gateway/{gid}/command/{did},
// matching §4.10 step 4. device_id is carried in the topic, not here.
type wirePayload struct {
	CommandID string         `json:"command_id"`
	Cmd       string         `json:"cmd"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp string         `json:"timestamp"`
	UserID    string         `json:"user_id"`
}

// Submit validates that userID owns deviceID's gateway, issues a command_id,
// records the command_logs row with status 'sent', and publishes the
// command to the gateway. It returns the issued command_id.
func (d *Dispatcher) Submit(userID, deviceID, gatewayID, cmdType string, params map[string]any) (string, error) {
	gw, err := d.store.GetGateway(gatewayID)
	if err != nil {
		return "", fmt.Errorf("looking up gateway: %w", err)
	}
	if gw == nil || gw.UserID != userID {
		return "", &OwnershipError{UserID: userID, DeviceID: deviceID, GatewayID: gatewayID}
	}

	commandID := uuid.NewString()
	now := d.now()

	if err := d.store.InsertCommandLog(now, commandID, "rest", deviceID, gatewayID, userID, cmdType, params); err != nil {
		return "", fmt.Errorf("recording command log: %w", err)
	}

	payload, err := json.Marshal(wirePayload{
		CommandID: commandID,
		Cmd:       cmdType,
		Params:    params,
		Timestamp: now.Format(time.RFC3339),
		UserID:    userID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding command payload: %w", err)
	}

	topic := fmt.Sprintf("gateway/%s/command/%s", gatewayID, deviceID)
	if err := d.publisher.Publish(topic, payload); err != nil {
		return "", fmt.Errorf("publishing command: %w", err)
	}
	return commandID, nil
}

// ExpireStale transitions any command left in 'sent' for longer than window
// (§4.10 step 7 uses 30 s) to 'expired', mirroring the gateway router's own pending-command
// sweep so the cloud record converges even without a completion ack.
func (d *Dispatcher) ExpireStale(window time.Duration) (int64, error) {
	cutoff := d.now().Add(-window)
	return d.store.ExpireStaleCommandLogs(cutoff)
}
