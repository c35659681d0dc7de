// Package router implements C7: the event router that drains LoRa frames,
// local MQTT messages, and cloud commands from bounded ingress queues and
// dispatches each to the authentication pipeline, automation logic, or the
// appropriate outbound transport.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agsys/gateway/internal/credstore"
	"github.com/agsys/gateway/internal/ioerrs"
	"github.com/agsys/gateway/internal/mqtttransport"
	"github.com/agsys/gateway/internal/protocol"
	"github.com/agsys/gateway/internal/security"
)

// Config controls queue sizing and automation parameters.
type Config struct {
	GatewayID            string
	TemperatureDeviceID  string
	FanDeviceID          string
	LoRaQueueSize        int
	LocalMQTTQueueSize   int
	CloudCommandQueueSize int
	PendingSweepInterval time.Duration
	PendingExpiry        time.Duration
}

// DefaultConfig mirrors the donor's queue sizing (lora=10, mqtt=50,
// aws=120) scaled to this module's three-queue split, and §4.6's
// 60s-sweep/30s-expiry pending command table.
func DefaultConfig(gatewayID string) Config {
	return Config{
		GatewayID:             gatewayID,
		LoRaQueueSize:         10,
		LocalMQTTQueueSize:    50,
		CloudCommandQueueSize: 50,
		PendingSweepInterval:  60 * time.Second,
		PendingExpiry:         30 * time.Second,
	}
}

// CloudPublisher is the subset of mqtttransport.CloudClient the router
// needs, so tests can substitute a fake.
type CloudPublisher interface {
	Publish(topic string, payload []byte)
}

// LocalCommander is the subset of mqtttransport.LocalClient the router
// needs to send commands to local devices.
type LocalCommander interface {
	PublishCommand(deviceID string, payload []byte) error
}

// LoRaSender is the subset of loratransport.Link the router needs to reply
// to devices on the radio link.
type LoRaSender interface {
	Send(address uint16, body string) error
}

// Router owns the ingress queues and all dispatch state.
type Router struct {
	cfg      Config
	store    *credstore.Store
	security *security.Core
	cloud    CloudPublisher
	local    LocalCommander
	lora     LoRaSender

	loraFrames   chan *protocol.Frame
	localMsgs    chan mqtttransport.Message
	cloudCmds    chan mqtttransport.Message

	pendingMu sync.Mutex
	pending   map[string]pendingCommand

	stats Stats
	mu    sync.Mutex
}

type pendingCommand struct {
	DeviceID  string
	IssuedAt  time.Time
}

// Stats tracks router-level counters for the health snapshot.
type Stats struct {
	TelemetryRouted int
	RequestsHandled int
	StatusRouted    int
	CommandsRouted  int
	CommandsExpired int
	Errors          int
}

// New constructs a router. cloud/local/lora may individually be nil, in
// which case dispatch paths that need them skip that step (used in tests
// that only exercise a subset of dispatch logic).
func New(cfg Config, store *credstore.Store, sec *security.Core, cloud CloudPublisher, local LocalCommander, lora LoRaSender) *Router {
	if cfg.LoRaQueueSize <= 0 {
		cfg.LoRaQueueSize = 10
	}
	if cfg.LocalMQTTQueueSize <= 0 {
		cfg.LocalMQTTQueueSize = 50
	}
	if cfg.CloudCommandQueueSize <= 0 {
		cfg.CloudCommandQueueSize = 50
	}
	if cfg.PendingSweepInterval <= 0 {
		cfg.PendingSweepInterval = 60 * time.Second
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = 30 * time.Second
	}

	return &Router{
		cfg:        cfg,
		store:      store,
		security:   sec,
		cloud:      cloud,
		local:      local,
		lora:       lora,
		loraFrames: make(chan *protocol.Frame, cfg.LoRaQueueSize),
		localMsgs:  make(chan mqtttransport.Message, cfg.LocalMQTTQueueSize),
		cloudCmds:  make(chan mqtttransport.Message, cfg.CloudCommandQueueSize),
		pending:    make(map[string]pendingCommand),
	}
}

// LoRaFrames returns the ingress channel for received LoRa frames.
func (r *Router) LoRaFrames() chan<- *protocol.Frame { return r.loraFrames }

// LocalMessages returns the ingress channel for local MQTT messages.
func (r *Router) LocalMessages() chan<- mqtttransport.Message { return r.localMsgs }

// CloudCommands returns the ingress channel for cloud-originated commands.
func (r *Router) CloudCommands() chan<- mqtttransport.Message { return r.cloudCmds }

// Stats returns a copy of the router's counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Router) incr(field *int) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

// Run drains all three ingress queues and the pending-command sweeper
// until ctx is canceled.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-r.loraFrames:
				r.handleLoRaFrame(f)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-r.localMsgs:
				r.handleLocalMessage(m)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-r.cloudCmds:
				r.handleCloudCommand(m)
			}
		}
	}()

	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()

	wg.Wait()
}

// handleLoRaFrame processes an RFID scan frame per §4.2's LoRa path: no
// HMAC (the radio link is the physical-layer authenticator), card lookup
// plus access-rule check, reply GRANT or DENY5.
func (r *Router) handleLoRaFrame(f *protocol.Frame) {
	if f.Header.MsgType != protocol.MsgTypeRFIDScan {
		r.store.UpsertDevice(fmt.Sprintf("%d", f.Header.DeviceType), protocol.DeviceTypeName(f.Header.DeviceType), "online")
		return
	}

	if r.security.IsLockedOut(fmt.Sprintf("device-%d", f.Header.DeviceType)) {
		r.replyLoRa(f.Header.DeviceType, "DENY5")
		return
	}

	uid := f.DecodedPayload()
	authenticated := r.store.AuthenticateRFID(uid)
	if !authenticated {
		r.security.RecordFailedAttempt(fmt.Sprintf("device-%d", f.Header.DeviceType))
		r.replyLoRa(f.Header.DeviceType, "DENY5")
		r.logAccess(uid, "rfid", "denied", string(ioerrs.ReasonInvalidCard))
		return
	}

	allowed, reason := r.store.EvaluateAccess("rfid", uid, time.Now())
	if !allowed {
		r.security.RecordFailedAttempt(fmt.Sprintf("device-%d", f.Header.DeviceType))
		r.replyLoRa(f.Header.DeviceType, "DENY5")
		r.logAccess(uid, "rfid", "denied", reason)
		return
	}

	r.security.RecordSuccess(fmt.Sprintf("device-%d", f.Header.DeviceType))
	r.replyLoRa(f.Header.DeviceType, "GRANT")
	r.store.UpdateHomeState(true, credstore.LastAccess{Method: "rfid", Timestamp: time.Now(), UID: uid})
	r.logAccess(uid, "rfid", "granted", "")
}

func (r *Router) replyLoRa(deviceType uint8, body string) {
	if r.lora == nil {
		return
	}
	if err := r.lora.Send(uint16(deviceType), body); err != nil {
		log.Printf("router: lora reply failed: %v", err)
		r.incr(&r.stats.Errors)
	}
}

func (r *Router) logAccess(userID, method, result, reason string) {
	r.store.AppendLog("access", fmt.Sprintf("%s %s: %s", method, result, userID), map[string]string{
		"method": method, "result": result, "reason": reason,
	})
	if r.cloud != nil {
		payload, _ := json.Marshal(map[string]any{
			"method": method, "result": result, "reason": reason,
			"user_id": userID, "time": time.Now().UTC().Format(time.RFC3339),
		})
		r.cloud.Publish(fmt.Sprintf("gateway/%s/access/%s", r.cfg.GatewayID, userID), payload)
	}
}

// handleLocalMessage dispatches based on the MQTT topic suffix
// (telemetry/request/status), per §4.6.
func (r *Router) handleLocalMessage(m mqtttransport.Message) {
	deviceID, kind, ok := parseLocalTopic(m.Topic)
	if !ok {
		log.Printf("router: unrecognized local topic %q", m.Topic)
		return
	}

	switch kind {
	case "telemetry":
		r.handleTelemetry(deviceID, m.Payload)
	case "request":
		r.handleRequest(deviceID, m.Payload)
	case "status":
		r.handleStatus(deviceID, m.Payload)
	default:
		log.Printf("router: unknown local topic kind %q", kind)
	}
}

func (r *Router) handleTelemetry(deviceID string, payload []byte) {
	r.incr(&r.stats.TelemetryRouted)

	if r.cloud != nil {
		r.cloud.Publish(fmt.Sprintf("gateway/%s/telemetry/%s", r.cfg.GatewayID, deviceID), payload)
	}

	if deviceID != r.cfg.TemperatureDeviceID {
		return
	}

	var reading struct {
		Temperature float64 `json:"temperature"`
	}
	if err := json.Unmarshal(payload, &reading); err != nil {
		log.Printf("router: bad telemetry payload from %s: %v", deviceID, err)
		return
	}

	r.applyAutomation(reading.Temperature)
}

func (r *Router) applyAutomation(temperature float64) {
	auto := r.store.AutomationSettings()
	if !auto.AutoFanEnabled || r.cfg.FanDeviceID == "" {
		return
	}

	fan := r.store.GetDevice(r.cfg.FanDeviceID)
	currentStatus := "unknown"
	if fan != nil {
		currentStatus = fan.Status
	}

	var command string
	if temperature >= auto.AutoFanTempThreshold && currentStatus != "on" {
		command = "fan_on"
	} else if temperature < auto.AutoFanTempThreshold && currentStatus == "on" {
		command = "fan_off"
	} else {
		return
	}

	if r.local != nil {
		payload, _ := json.Marshal(map[string]any{"command": command})
		if err := r.local.PublishCommand(r.cfg.FanDeviceID, payload); err != nil {
			log.Printf("router: automation command failed: %v", err)
			r.incr(&r.stats.Errors)
			return
		}
	}
	r.store.UpsertDevice(r.cfg.FanDeviceID, "relay_fan", map[string]string{"fan_on": "on", "fan_off": "off"}[command])

	if r.cloud != nil {
		payload, _ := json.Marshal(map[string]any{
			"event": "automation_threshold_crossed", "command": command,
			"temperature": temperature, "threshold": auto.AutoFanTempThreshold,
		})
		r.cloud.Publish(fmt.Sprintf("gateway/%s/alert/%s", r.cfg.GatewayID, r.cfg.FanDeviceID), payload)
	}
}

// requestEnvelope is the wire shape of a device request per §6.
type requestEnvelope struct {
	Body string `json:"body"`
	HMAC string `json:"hmac"`
}

type requestBody struct {
	Cmd      string `json:"cmd"`
	Pw       string `json:"pw"`
	Ts       int64  `json:"ts"`
	Nonce    int64  `json:"nonce"`
	ClientID string `json:"client_id"`
}

// handleRequest runs the full authentication pipeline from §4.2 against a
// device request on home/devices/{id}/request.
func (r *Router) handleRequest(deviceID string, payload []byte) {
	r.incr(&r.stats.RequestsHandled)

	if r.security.IsLockedOut(deviceID) {
		r.replyLocal(deviceID, "LOCK", string(ioerrs.ReasonLockedOut))
		return
	}

	var env requestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Body == "" || env.HMAC == "" {
		r.security.RecordFailedAttempt(deviceID)
		r.replyLocal(deviceID, "LOCK", string(ioerrs.ReasonInvalidFormat))
		return
	}

	if !r.security.VerifyHMAC(env.Body, env.HMAC) {
		r.security.RecordFailedAttempt(deviceID)
		r.replyLocal(deviceID, "LOCK", string(ioerrs.ReasonInvalidSignature))
		r.emitSecurityAlert(deviceID, string(ioerrs.ReasonInvalidSignature))
		return
	}

	var body requestBody
	if err := json.Unmarshal([]byte(env.Body), &body); err != nil {
		r.security.RecordFailedAttempt(deviceID)
		r.replyLocal(deviceID, "LOCK", string(ioerrs.ReasonInvalidJSON))
		return
	}

	if !r.security.ValidateTimestamp(body.Ts) {
		r.security.RecordFailedAttempt(deviceID)
		r.replyLocal(deviceID, "LOCK", string(ioerrs.ReasonInvalidTimestamp))
		return
	}

	if !r.security.ValidateNonce(body.Nonce) {
		r.security.RecordFailedAttempt(deviceID)
		r.replyLocal(deviceID, "LOCK", string(ioerrs.ReasonReplayAttack))
		r.emitSecurityAlert(deviceID, string(ioerrs.ReasonReplayAttack))
		return
	}

	switch body.Cmd {
	case "unlock_request":
		r.handleUnlockRequest(deviceID, body)
	default:
		r.security.RecordFailedAttempt(deviceID)
		r.replyLocal(deviceID, "LOCK", "unknown_command")
	}
}

func (r *Router) handleUnlockRequest(deviceID string, body requestBody) {
	ok, passwordID := r.store.AuthenticatePasskey(body.Pw)
	if !ok {
		r.security.RecordFailedAttempt(deviceID)
		r.replyLocal(deviceID, "LOCK", string(ioerrs.ReasonInvalidPassword))
		r.logAccess(body.ClientID, "passkey", "denied", string(ioerrs.ReasonInvalidPassword))
		return
	}

	allowed, reason := r.store.EvaluateAccess("passkey", passwordID, time.Now())
	if !allowed {
		r.security.RecordFailedAttempt(deviceID)
		r.replyLocal(deviceID, "LOCK", reason)
		r.logAccess(passwordID, "passkey", "denied", reason)
		return
	}

	r.security.RecordSuccess(deviceID)
	r.replyLocal(deviceID, "OPEN", "")
	r.store.UpdateHomeState(true, credstore.LastAccess{Method: "passkey", Timestamp: time.Now(), PasswordID: passwordID})
	r.logAccess(passwordID, "passkey", "granted", "")
}

func (r *Router) replyLocal(deviceID, result, reason string) {
	if r.local == nil {
		return
	}
	reply := map[string]string{"cmd": result}
	if reason != "" {
		reply["reason"] = reason
	}
	payload, _ := json.Marshal(reply)
	if err := r.local.PublishCommand(deviceID, payload); err != nil {
		log.Printf("router: local reply to %s failed: %v", deviceID, err)
		r.incr(&r.stats.Errors)
	}
}

func (r *Router) emitSecurityAlert(deviceID, reason string) {
	if r.cloud == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event": "security_alert", "reason": reason, "time": time.Now().UTC().Format(time.RFC3339),
	})
	r.cloud.Publish(fmt.Sprintf("gateway/%s/alert/%s", r.cfg.GatewayID, deviceID), payload)
}

// statusPayload carries an optional command_id linking a status report
// back to a pending cloud-issued command.
type statusPayload struct {
	CommandID string `json:"command_id,omitempty"`
}

func (r *Router) handleStatus(deviceID string, payload []byte) {
	r.incr(&r.stats.StatusRouted)

	if r.cloud != nil {
		r.cloud.Publish(fmt.Sprintf("gateway/%s/status/%s", r.cfg.GatewayID, deviceID), payload)
	}

	var st statusPayload
	if err := json.Unmarshal(payload, &st); err != nil || st.CommandID == "" {
		return
	}
	r.completeCommand(st.CommandID, deviceID, "completed")
}

// cloudCommandPayload is the wire shape of gateway/{gw}/command/{did};
// device_id is carried in the topic, not the payload.
type cloudCommandPayload struct {
	CommandID string          `json:"command_id"`
	Cmd       string          `json:"cmd"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp string          `json:"timestamp"`
	UserID    string          `json:"user_id"`
}

// handleCloudCommand validates and translates a command from the cloud,
// per §4.6's device-known/online check and transport translation.
func (r *Router) handleCloudCommand(m mqtttransport.Message) {
	deviceID, ok := parseCloudCommandTopic(m.Topic)
	if !ok {
		log.Printf("router: unrecognized cloud command topic %q", m.Topic)
		return
	}

	var cmd cloudCommandPayload
	if err := json.Unmarshal(m.Payload, &cmd); err != nil || cmd.CommandID == "" {
		log.Printf("router: malformed cloud command on %s: %v", m.Topic, err)
		r.incr(&r.stats.Errors)
		return
	}

	device := r.store.GetDevice(deviceID)
	if device == nil || device.Status != "online" {
		log.Printf("router: command for unknown/offline device %s dropped", deviceID)
		r.incr(&r.stats.Errors)
		return
	}

	r.pendingMu.Lock()
	r.pending[cmd.CommandID] = pendingCommand{DeviceID: deviceID, IssuedAt: time.Now()}
	r.pendingMu.Unlock()

	r.store.AppendLog("command", fmt.Sprintf("dispatch %s to %s", cmd.Cmd, deviceID), map[string]string{
		"command_id": cmd.CommandID,
	})

	switch device.DeviceType {
	case "rfid_gate":
		body := "GRANT"
		if cmd.Cmd == "lock" {
			body = "DENY5"
		}
		r.replyLoRa(protocol.DeviceTypeRFIDGate, body)
	default:
		payload, _ := json.Marshal(map[string]any{"cmd": cmd.Cmd, "params": cmd.Params, "command_id": cmd.CommandID})
		if r.local != nil {
			if err := r.local.PublishCommand(deviceID, payload); err != nil {
				log.Printf("router: cloud command dispatch to %s failed: %v", deviceID, err)
				r.incr(&r.stats.Errors)
				return
			}
		}
	}

	r.incr(&r.stats.CommandsRouted)
}

// parseCloudCommandTopic extracts {did} from gateway/{gw}/command/{did}.
func parseCloudCommandTopic(topic string) (deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "gateway" || parts[2] != "command" {
		return "", false
	}
	return parts[3], true
}

func (r *Router) completeCommand(commandID, deviceID, outcome string) {
	r.pendingMu.Lock()
	_, existed := r.pending[commandID]
	delete(r.pending, commandID)
	r.pendingMu.Unlock()

	if !existed {
		return
	}

	if r.cloud != nil {
		payload, _ := json.Marshal(map[string]string{"command_id": commandID, "outcome": outcome})
		r.cloud.Publish(fmt.Sprintf("gateway/command/response/%s", deviceID), payload)
	}
}

// sweepLoop expires pending commands older than cfg.PendingExpiry every
// cfg.PendingSweepInterval, per §4.6.
func (r *Router) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PendingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpired(time.Now())
		}
	}
}

func (r *Router) sweepExpired(now time.Time) {
	var expired []string

	r.pendingMu.Lock()
	for id, cmd := range r.pending {
		if now.Sub(cmd.IssuedAt) > r.cfg.PendingExpiry {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()

	for _, id := range expired {
		r.incr(&r.stats.CommandsExpired)
		r.store.AppendLog("command", fmt.Sprintf("command %s expired", id), nil)
	}
}

// parseLocalTopic extracts {device_id} and {kind} from
// home/devices/{device_id}/{kind}.
func parseLocalTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "home" || parts[1] != "devices" {
		return "", "", false
	}
	return parts[2], parts[3], true
}
