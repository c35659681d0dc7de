// Command agsys-gateway is the edge daemon: it bridges the LoRa radio and
// the on-premises MQTT broker to the cloud broker, running the full C1-C7
// and C11 pipeline behind one process.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/gateway/internal/credstore"
	"github.com/agsys/gateway/internal/loratransport"
	"github.com/agsys/gateway/internal/mqtttransport"
	"github.com/agsys/gateway/internal/router"
	"github.com/agsys/gateway/internal/security"
	"github.com/agsys/gateway/internal/syncclient"
)

// Config is the gateway daemon's on-disk YAML configuration.
type Config struct {
	GatewayID string `yaml:"gateway_id"`
	DataDir   string `yaml:"data_dir"`

	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`

	LocalBroker struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Pass     string `yaml:"pass"`
		TLSCA    string `yaml:"tls_ca"`
		ClientID string `yaml:"client_id"`
	} `yaml:"local_broker"`

	CloudBroker struct {
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
		TLSCA   string `yaml:"tls_ca"`
		TLSCert string `yaml:"tls_cert"`
		TLSKey  string `yaml:"tls_key"`
	} `yaml:"cloud_broker"`

	CloudAPI struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"cloud_api"`

	Security struct {
		HMACKeyHex          string `yaml:"hmac_key_hex"`
		TimestampToleranceS int64  `yaml:"ts_tolerance_s"`
		NonceCacheSize      int    `yaml:"nonce_cache_size"`
		MaxFailedAttempts   int    `yaml:"max_failed_attempts"`
		LockoutDurationS    int64  `yaml:"lockout_duration_s"`
	} `yaml:"security"`

	Automation struct {
		TemperatureDeviceID string `yaml:"temperature_device_id"`
		FanDeviceID         string `yaml:"fan_device_id"`
	} `yaml:"automation"`

	SyncIntervalS int `yaml:"sync_interval_s"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "agsys-gateway",
		Short: "Edge gateway bridging LoRa and local MQTT devices to the cloud",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway daemon",
		RunE:  runGateway,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agsys-gateway dev")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agsys/gateway.yaml", "path to gateway config file")
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

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	if cfg.GatewayID == "" {
		return fmt.Errorf("config error: gateway_id: required")
	}
	if cfg.Serial.Port == "" {
		return fmt.Errorf("config error: serial.port: required")
	}
	if cfg.Security.HMACKeyHex == "" {
		return fmt.Errorf("config error: security.hmac_key_hex: required")
	}

	key := []byte(cfg.Security.HMACKeyHex)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	store, err := credstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	secCfg := security.DefaultConfig(key)
	if cfg.Security.TimestampToleranceS > 0 {
		secCfg.TimestampToleranceS = cfg.Security.TimestampToleranceS
	}
	if cfg.Security.NonceCacheSize > 0 {
		secCfg.NonceCacheSize = cfg.Security.NonceCacheSize
	}
	if cfg.Security.MaxFailedAttempts > 0 {
		secCfg.MaxFailedAttempts = cfg.Security.MaxFailedAttempts
	}
	if cfg.Security.LockoutDurationS > 0 {
		secCfg.LockoutDurationS = cfg.Security.LockoutDurationS
	}
	sec := security.New(secCfg, nil)

	serialCfg := loratransport.DefaultConfig(cfg.Serial.Port)
	if cfg.Serial.Baud > 0 {
		serialCfg.Baud = cfg.Serial.Baud
	}
	lora, err := loratransport.New(serialCfg)
	if err != nil {
		return fmt.Errorf("opening lora link: %w", err)
	}

	routerCfg := router.DefaultConfig(cfg.GatewayID)
	routerCfg.TemperatureDeviceID = cfg.Automation.TemperatureDeviceID
	routerCfg.FanDeviceID = cfg.Automation.FanDeviceID

	// rt and sync are assigned below, after the clients they feed into are
	// built; the clients' callbacks close over the variables, not their (not
	// yet set) values, so the forward references resolve once they are
	// assigned.
	var rt *router.Router
	var sync *syncclient.Client

	cloudCfg := mqtttransport.DefaultCloudConfig()
	cloudCfg.Host = cfg.CloudBroker.Host
	cloudCfg.Port = cfg.CloudBroker.Port
	cloudCfg.GatewayID = cfg.GatewayID
	cloudCfg.TLSCA = cfg.CloudBroker.TLSCA
	cloudCfg.TLSCert = cfg.CloudBroker.TLSCert
	cloudCfg.TLSKey = cfg.CloudBroker.TLSKey

	cloudClient, err := mqtttransport.NewCloud(cloudCfg, func(m mqtttransport.Message) {
		if m.Topic == fmt.Sprintf("gateway/%s/sync/trigger", cfg.GatewayID) {
			sync.Trigger()
			return
		}
		rt.CloudCommands() <- m
	})
	if err != nil {
		return fmt.Errorf("building cloud broker client: %w", err)
	}

	localCfg := mqtttransport.LocalConfig{
		Host:     cfg.LocalBroker.Host,
		Port:     cfg.LocalBroker.Port,
		User:     cfg.LocalBroker.User,
		Pass:     cfg.LocalBroker.Pass,
		TLSCA:    cfg.LocalBroker.TLSCA,
		ClientID: cfg.LocalBroker.ClientID,
	}
	localClient, err := mqtttransport.NewLocal(localCfg, func(m mqtttransport.Message) {
		rt.LocalMessages() <- m
	})
	if err != nil {
		return fmt.Errorf("building local broker client: %w", err)
	}

	rt = router.New(routerCfg, store, sec, cloudClient, localClient, lora)

	syncCfg := syncclient.DefaultConfig(cfg.GatewayID, cfg.CloudAPI.BaseURL)
	if cfg.SyncIntervalS > 0 {
		syncCfg.Interval = secondsToDuration(cfg.SyncIntervalS)
	}
	sync = syncclient.New(syncCfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := localClient.Connect(); err != nil {
		return fmt.Errorf("connecting to local broker: %w", err)
	}
	if err := cloudClient.Connect(); err != nil {
		return fmt.Errorf("connecting to cloud broker: %w", err)
	}
	if err := lora.Start(ctx); err != nil {
		return fmt.Errorf("starting lora link: %w", err)
	}

	go func() {
		for frame := range lora.Frames() {
			rt.LoRaFrames() <- frame
		}
	}()

	go rt.Run(ctx)
	go sync.Run(ctx)

	log.Printf("agsys-gateway: gateway %s running", cfg.GatewayID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("agsys-gateway: shutting down")
	cancel()
	lora.Stop()
	localClient.Disconnect()
	cloudClient.Disconnect()
	if err := store.SaveAll(); err != nil {
		log.Printf("agsys-gateway: error persisting credential store on exit: %v", err)
	}
	log.Println("agsys-gateway: shutdown complete")
	return nil
}
