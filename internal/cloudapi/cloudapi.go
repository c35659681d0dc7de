// Package cloudapi implements the cloud daemon's sole HTTP surface: the
// §4.4 sync endpoints gateways poll against, the optional fallback
// heartbeat, authenticated command submission (C11), and the C10 WebSocket
// upgrade route. User-facing REST/CRUD (auth, dashboards) is out of scope.
package cloudapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/agsys/gateway/internal/cloudstore"
	"github.com/agsys/gateway/internal/command"
	"github.com/agsys/gateway/internal/credstore"
	"github.com/agsys/gateway/internal/fanout"
)

// Authenticator resolves a bearer token to the user_id it authorizes. It is
// the same contract fanout.Authenticator uses, duplicated here so this
// package does not need to import fanout's internals beyond the Hub type.
type Authenticator func(token string) (userID string, ok bool)

// Server wires the sync/heartbeat handlers, the command-submission
// endpoint, and the fan-out hub behind one http.Handler.
type Server struct {
	store      *cloudstore.DB
	hub        *fanout.Hub
	dispatcher *command.Dispatcher
	auth       Authenticator
	now        func() time.Time
	mux        *http.ServeMux
}

// New constructs the cloud HTTP surface.
func New(store *cloudstore.DB, hub *fanout.Hub, dispatcher *command.Dispatcher, auth Authenticator, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	s := &Server{store: store, hub: hub, dispatcher: dispatcher, auth: auth, now: now, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/sync/database/", s.handleSyncDatabase)
	s.mux.HandleFunc("/api/sync/heartbeat/", s.handleHeartbeat)
	s.mux.HandleFunc("/api/command/", s.handleCommand)
	s.mux.HandleFunc("/ws", hub.ServeHTTP)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// syncResponse mirrors internal/syncclient's snapshotResponse wire shape.
type syncResponse struct {
	NeedsUpdate bool            `json:"needs_update"`
	Version     string          `json:"version"`
	Timestamp   string          `json:"timestamp"`
	Database    *syncDatabase   `json:"database,omitempty"`
}

type syncDatabase struct {
	Devices   map[string]*credstore.Device   `json:"devices"`
	RFIDCards map[string]*credstore.RFIDCard `json:"rfid_cards"`
	Passwords map[string]*credstore.Password `json:"passwords"`
}

func (s *Server) handleSyncDatabase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	gatewayID := strings.TrimPrefix(r.URL.Path, "/api/sync/database/")
	if gatewayID == "" {
		http.Error(w, "missing gateway_id", http.StatusBadRequest)
		return
	}

	devices, cards, passwords, err := s.store.SyncSnapshot(gatewayID)
	if err != nil {
		log.Printf("cloudapi: building sync snapshot for %s failed: %v", gatewayID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	version, err := credstore.DatabaseVersion(devices, cards, passwords)
	if err != nil {
		log.Printf("cloudapi: hashing sync snapshot for %s failed: %v", gatewayID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := s.now()
	clientVersion := r.Header.Get("X-DB-Version")
	resp := syncResponse{Version: version, Timestamp: now.Format(time.RFC3339)}
	if clientVersion == version {
		resp.NeedsUpdate = false
	} else {
		resp.NeedsUpdate = true
		resp.Database = &syncDatabase{Devices: devices, RFIDCards: cards, Passwords: passwords}
		if err := s.store.SetGatewayDatabaseVersion(gatewayID, version); err != nil {
			log.Printf("cloudapi: recording database_version for %s failed: %v", gatewayID, err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("cloudapi: encoding sync response failed: %v", err)
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	gatewayID := strings.TrimPrefix(r.URL.Path, "/api/sync/heartbeat/")
	if gatewayID == "" {
		http.Error(w, "missing gateway_id", http.StatusBadRequest)
		return
	}
	if err := s.store.TouchGatewayHeartbeat(gatewayID, s.now()); err != nil {
		log.Printf("cloudapi: heartbeat for %s failed: %v", gatewayID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// commandRequest is the body of POST /api/command/{gateway_id}/{device_id}.
type commandRequest struct {
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
}

// handleCommand implements C11 steps 1-4: authenticate the caller, validate
// device ownership, issue a command_id and dispatch. Path shape:
// /api/command/{gateway_id}/{device_id}.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, ok := s.auth(bearerToken(r))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/command/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "path must be /api/command/{gateway_id}/{device_id}", http.StatusBadRequest)
		return
	}
	gatewayID, deviceID := parts[0], parts[1]

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cmd == "" {
		http.Error(w, "body must be {cmd, params}", http.StatusBadRequest)
		return
	}

	commandID, err := s.dispatcher.Submit(userID, deviceID, gatewayID, req.Cmd, req.Params)
	if err != nil {
		var ownErr *command.OwnershipError
		if errors.As(err, &ownErr) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		log.Printf("cloudapi: command submission failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commandResponse{CommandID: commandID})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}
