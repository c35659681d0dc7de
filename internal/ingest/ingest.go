// Package ingest implements the cloud daemon's MQTT ingest pipeline (C8):
// subscribes the broker-wide gateway/# topic tree, normalizes each
// message's vendor-specific shape into the §3 schema, and writes through to
// internal/cloudstore while enqueueing internal/fanout broadcasts for
// anything a connected UI cares about in real time.
package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/agsys/gateway/internal/cloudstore"
	"github.com/agsys/gateway/internal/fanout"
)

// maxClockDrift is the largest gap, in seconds, between a device-reported
// timestamp and the server clock before the server clock wins (§4.7).
const maxClockDrift = 300 * time.Second

// Config configures the ingest subscriber's broker connection.
type Config struct {
	BrokerURL string
	ClientID  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
}

// Ingest owns the broker subscription and the dispatch table that turns
// inbound gateway/# messages into cloudstore writes and fanout broadcasts.
type Ingest struct {
	cfg   Config
	store *cloudstore.DB
	hub   *fanout.Hub
	now   func() time.Time

	client mqtt.Client
}

// New constructs an Ingest. now defaults to time.Now; tests may override it.
func New(cfg Config, store *cloudstore.DB, hub *fanout.Hub, now func() time.Time) *Ingest {
	if now == nil {
		now = time.Now
	}
	return &Ingest{cfg: cfg, store: store, hub: hub, now: now}
}

// Connect dials the broker and subscribes gateway/#. Messages arrive on the
// paho client's own goroutine and are handled inline, matching §5's policy
// that ingest does DB writes and broadcast enqueues directly on the
// callback rather than hopping through a worker pool.
func (in *Ingest) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(in.cfg.BrokerURL).
		SetClientID(in.cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			in.handle(msg.Topic(), msg.Payload())
		})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe("gateway/#", 1, nil); token.Wait() && token.Error() != nil {
			log.Printf("ingest: subscribe failed: %v", token.Error())
		} else {
			log.Println("ingest: subscribed gateway/#")
		}
	})

	in.client = mqtt.NewClient(opts)
	token := in.client.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect cleanly closes the broker connection.
func (in *Ingest) Disconnect() {
	if in.client != nil {
		in.client.Disconnect(250)
	}
}

// Publish sends payload to topic over the same broker connection ingest
// consumes from, used by internal/command to deliver gateway/{gid}/command/{did}
// without a second connection to the broker.
func (in *Ingest) Publish(topic string, payload []byte) error {
	token := in.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

// topicParts is the parsed shape of a gateway/{gid}/{kind}/{entity} topic.
// Entity is the fourth segment (e.g. the device_id, or "gateway" for
// gateway/{gid}/status/gateway) and is empty for three-segment topics; only
// topics with fewer than 3 segments fail to parse.
type topicParts struct {
	GatewayID string
	Kind      string
	Entity    string
}

func parseTopic(topic string) (topicParts, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "gateway" {
		return topicParts{}, false
	}
	tp := topicParts{GatewayID: parts[1], Kind: parts[2]}
	if len(parts) >= 4 {
		tp.Entity = parts[3]
	}
	return tp, true
}

func (in *Ingest) handle(topic string, payload []byte) {
	tp, ok := parseTopic(topic)
	if !ok {
		log.Printf("ingest: ignoring unparseable topic %q", topic)
		return
	}

	var err error
	switch {
	case tp.Kind == "telemetry":
		err = in.handleTelemetry(tp, payload)
	case tp.Kind == "access":
		err = in.handleAccess(tp, payload)
	case tp.Kind == "status" && tp.Entity == "gateway":
		err = in.handleGatewayStatus(tp, payload)
	case tp.Kind == "status":
		err = in.handleDeviceStatus(tp, payload)
	default:
		log.Printf("ingest: unrecognized kind %q on topic %q", tp.Kind, topic)
		return
	}
	if err != nil {
		log.Printf("ingest: handling %q failed: %v", topic, err)
	}
}

// resolveTime parses a device-supplied RFC3339 timestamp, substituting the
// server clock (and logging) if it is missing, unparseable, or drifts more
// than maxClockDrift from now.
func (in *Ingest) resolveTime(raw string) time.Time {
	now := in.now()
	if raw == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Printf("ingest: unparseable timestamp %q, substituting server time", raw)
		return now
	}
	drift := now.Sub(t)
	if drift < 0 {
		drift = -drift
	}
	if drift > maxClockDrift {
		log.Printf("ingest: timestamp %q drifts %s from server clock, substituting", raw, drift)
		return now
	}
	return t
}

type telemetryPayload struct {
	DeviceID    string            `json:"device_id"`
	Temperature *float64          `json:"temperature"`
	Humidity    *float64          `json:"humidity"`
	Timestamp   string            `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (in *Ingest) handleTelemetry(tp topicParts, payload []byte) error {
	var p telemetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding telemetry payload: %w", err)
	}
	deviceID := p.DeviceID
	if deviceID == "" {
		deviceID = tp.Entity
	}

	userID, err := in.store.ResolveDeviceUser(deviceID, tp.GatewayID)
	if err != nil {
		return fmt.Errorf("resolving device owner: %w", err)
	}

	t := in.resolveTime(p.Timestamp)
	if err := in.store.InsertTelemetry(t, deviceID, tp.GatewayID, userID, p.Temperature, p.Humidity, p.Metadata); err != nil {
		return fmt.Errorf("inserting telemetry: %w", err)
	}
	if err := in.store.SetDeviceStatus(deviceID, tp.GatewayID, "online", t); err != nil {
		return fmt.Errorf("updating device last_seen: %w", err)
	}

	in.hub.Publish(fanout.Event{
		UserID: userID,
		Type:   "telemetry",
		Data: map[string]any{
			"device_id":   deviceID,
			"gateway_id":  tp.GatewayID,
			"temperature": p.Temperature,
			"humidity":    p.Humidity,
			"time":        t,
		},
	})
	return nil
}

type accessPayload struct {
	DeviceID   string            `json:"device_id"`
	Method     string            `json:"method"`
	Result     string            `json:"result"`
	PasswordID string            `json:"password_id,omitempty"`
	RFIDUID    string            `json:"rfid_uid,omitempty"`
	DenyReason string            `json:"deny_reason,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (in *Ingest) handleAccess(tp topicParts, payload []byte) error {
	var p accessPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding access payload: %w", err)
	}
	deviceID := p.DeviceID
	if deviceID == "" {
		deviceID = tp.Entity
	}

	userID, err := in.store.ResolveDeviceUser(deviceID, tp.GatewayID)
	if err != nil {
		return fmt.Errorf("resolving device owner: %w", err)
	}

	t := in.resolveTime(p.Timestamp)
	if err := in.store.InsertAccessLog(t, deviceID, tp.GatewayID, userID, p.Method, p.Result, p.PasswordID, p.RFIDUID, p.DenyReason, p.Metadata); err != nil {
		return fmt.Errorf("inserting access log: %w", err)
	}

	if p.Result == "granted" && (p.Method == "passkey" || p.Method == "rfid") {
		if err := in.store.TouchCredentialLastUsed(p.PasswordID, p.RFIDUID, t); err != nil {
			log.Printf("ingest: updating credential last_used failed: %v", err)
		}
	}

	in.hub.Publish(fanout.Event{
		UserID: userID,
		Type:   "access_event",
		Data: map[string]any{
			"device_id":  deviceID,
			"gateway_id": tp.GatewayID,
			"method":     p.Method,
			"result":     p.Result,
			"time":       t,
		},
	})
	return nil
}

// normalizeDeviceState maps a vendor-reported status word onto the two
// canonical device states per §4.7's table.
func normalizeDeviceState(raw string) string {
	switch strings.ToLower(raw) {
	case "on", "online", "locked", "unlocked", "opened", "closed", "active", "ready", "alive":
		return "online"
	case "off", "offline", "error", "disconnected":
		return "offline"
	default:
		log.Printf("ingest: unrecognized device state %q, defaulting to online", raw)
		return "online"
	}
}

type statusPayload struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
	CommandID string `json:"command_id,omitempty"`
	Result    string `json:"result,omitempty"`
}

func (in *Ingest) handleDeviceStatus(tp topicParts, payload []byte) error {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding status payload: %w", err)
	}
	deviceID := tp.Entity
	state := normalizeDeviceState(p.State)
	t := in.resolveTime(p.Timestamp)

	if err := in.store.SetDeviceStatus(deviceID, tp.GatewayID, state, t); err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}

	if p.CommandID != "" {
		result := p.Result
		if result == "" {
			result = state
		}
		if err := in.store.CompleteCommandLog(p.CommandID, "completed", result, t); err != nil {
			log.Printf("ingest: completing command log %s failed: %v", p.CommandID, err)
		}
	}

	userID, err := in.store.ResolveDeviceUser(deviceID, tp.GatewayID)
	if err != nil {
		return fmt.Errorf("resolving device owner: %w", err)
	}
	if err := in.store.InsertSystemLog(t, tp.GatewayID, deviceID, userID, "device_status_change", "device_status_change", "info",
		fmt.Sprintf("device %s reported %s, normalized to %s", deviceID, p.State, state), nil, nil, nil); err != nil {
		log.Printf("ingest: appending system log failed: %v", err)
	}

	in.hub.Publish(fanout.Event{
		UserID: userID,
		Type:   "device_status",
		Data: map[string]any{
			"device_id":  deviceID,
			"gateway_id": tp.GatewayID,
			"status":     state,
			"time":       t,
		},
	})
	return nil
}

type gatewayStatusPayload struct {
	Timestamp string `json:"timestamp"`
}

func (in *Ingest) handleGatewayStatus(tp topicParts, payload []byte) error {
	var p gatewayStatusPayload
	_ = json.Unmarshal(payload, &p) // best-effort; absent timestamp just uses server time
	t := in.resolveTime(p.Timestamp)
	return in.store.TouchGatewayHeartbeat(tp.GatewayID, t)
}
