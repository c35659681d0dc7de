// Command agsys-cloud is the cloud daemon: it ingests gateway/# telemetry
// and access/status reports (C8), sweeps stale gateways and devices
// offline (C9), fans events out to connected UIs over WebSocket (C10), and
// serves the sync/heartbeat REST endpoints gateways poll (§4.4) plus
// authenticated command submission (C11).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/gateway/internal/cloudapi"
	"github.com/agsys/gateway/internal/cloudstore"
	"github.com/agsys/gateway/internal/command"
	"github.com/agsys/gateway/internal/fanout"
	"github.com/agsys/gateway/internal/ingest"
	"github.com/agsys/gateway/internal/liveness"
)

// Config is the cloud daemon's on-disk YAML configuration.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	ListenAddr   string `yaml:"listen_addr"`

	Broker struct {
		URL      string `yaml:"url"`
		ClientID string `yaml:"client_id"`
		TLSCA    string `yaml:"tls_ca"`
		TLSCert  string `yaml:"tls_cert"`
		TLSKey   string `yaml:"tls_key"`
	} `yaml:"broker"`

	Liveness struct {
		IntervalS       int `yaml:"interval_s"`
		DeviceTimeoutS  int `yaml:"device_timeout_s"`
		GatewayTimeoutS int `yaml:"gateway_timeout_s"`
	} `yaml:"liveness"`

	// Tokens maps a bearer token to the user_id it authorizes. User
	// registration and login flows are out of scope; tokens are
	// provisioned out-of-band and loaded here as a static table.
	Tokens map[string]string `yaml:"tokens"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "agsys-cloud",
		Short: "Cloud ingestion, liveness and fan-out daemon",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the cloud daemon",
		RunE:  runCloud,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the cloud daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agsys-cloud dev")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agsys/cloud.yaml", "path to cloud daemon config file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// mqttPublisher adapts ingest's own broker connection for command.Publisher,
// so command submission reuses the single connection ingest already holds
// rather than opening a second one.
type mqttPublisher struct {
	in *ingest.Ingest
}

func (p mqttPublisher) Publish(topic string, payload []byte) error {
	return p.in.Publish(topic, payload)
}

func runCloud(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	if cfg.DatabasePath == "" {
		return fmt.Errorf("config error: database_path: required")
	}
	if cfg.Broker.URL == "" {
		return fmt.Errorf("config error: broker.url: required")
	}

	store, err := cloudstore.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening cloud database: %w", err)
	}
	defer store.Close()

	tokens := cfg.Tokens
	hub := fanout.New(func(token string) (string, bool) {
		userID, ok := tokens[token]
		return userID, ok
	})

	in := ingest.New(ingest.Config{
		BrokerURL: cfg.Broker.URL,
		ClientID:  cfg.Broker.ClientID,
		TLSCA:     cfg.Broker.TLSCA,
		TLSCert:   cfg.Broker.TLSCert,
		TLSKey:    cfg.Broker.TLSKey,
	}, store, hub, nil)

	livenessCfg := liveness.DefaultConfig()
	if cfg.Liveness.IntervalS > 0 {
		livenessCfg.Interval = secondsToDuration(cfg.Liveness.IntervalS)
	}
	if cfg.Liveness.DeviceTimeoutS > 0 {
		livenessCfg.DeviceTimeout = secondsToDuration(cfg.Liveness.DeviceTimeoutS)
	}
	if cfg.Liveness.GatewayTimeoutS > 0 {
		livenessCfg.GatewayTimeout = secondsToDuration(cfg.Liveness.GatewayTimeoutS)
	}
	detector := liveness.New(livenessCfg, store, hub, nil)

	dispatcher := command.New(store, mqttPublisher{in: in}, nil)

	if err := in.Connect(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer in.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go detector.Run(ctx)

	api := cloudapi.New(store, hub, dispatcher, func(token string) (string, bool) {
		userID, ok := tokens[token]
		return userID, ok
	}, nil)
	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8443"
	}
	srv := &http.Server{Addr: listenAddr, Handler: api}
	go func() {
		log.Printf("agsys-cloud: HTTP surface listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("agsys-cloud: HTTP server error: %v", err)
		}
	}()

	log.Println("agsys-cloud: running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("agsys-cloud: shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("agsys-cloud: error during HTTP shutdown: %v", err)
	}
	log.Println("agsys-cloud: shutdown complete")
	return nil
}
