// Package mqtttransport implements C5's local broker link and C6's cloud
// broker link with its store-and-forward buffer, both as thin wrappers
// around paho.mqtt.golang clients.
package mqtttransport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// LocalConfig configures the gateway's link to the on-premises broker.
type LocalConfig struct {
	Host     string
	Port     int
	User     string
	Pass     string
	TLSCA    string
	ClientID string
}

// Message is an inbound MQTT message handed to a subscriber callback.
type Message struct {
	Topic   string
	Payload []byte
}

// LocalClient subscribes to device telemetry/request/status topics and
// publishes commands back to devices.
type LocalClient struct {
	cfg     LocalConfig
	client  mqtt.Client
	handler func(Message)
}

// NewLocal builds (but does not connect) a local broker client. handler is
// invoked for every message on a subscribed topic.
func NewLocal(cfg LocalConfig, handler func(Message)) (*LocalClient, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.User).
		SetPassword(cfg.Pass).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if cfg.TLSCA != "" {
		tlsConf, err := buildTLSConfig(cfg.TLSCA, "", "")
		if err != nil {
			return nil, fmt.Errorf("building local broker tls config: %w", err)
		}
		opts.SetTLSConfig(tlsConf)
	}

	lc := &LocalClient{cfg: cfg, handler: handler}
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		lc.handler(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	opts.SetOnConnectHandler(lc.onConnect)

	lc.client = mqtt.NewClient(opts)
	return lc, nil
}

// Connect dials the local broker and subscribes to the device topics.
func (c *LocalClient) Connect() error {
	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect cleanly closes the local broker connection.
func (c *LocalClient) Disconnect() {
	c.client.Disconnect(250)
}

func (c *LocalClient) onConnect(client mqtt.Client) {
	topics := map[string]byte{
		"home/devices/+/telemetry": 1,
		"home/devices/+/request":   1,
		"home/devices/+/status":    1,
	}
	if token := client.SubscribeMultiple(topics, nil); token.Wait() && token.Error() != nil {
		log.Printf("mqtttransport: local subscribe failed: %v", token.Error())
	} else {
		log.Println("mqtttransport: local broker connected and subscribed")
	}
}

// PublishCommand sends a command to a device on the local broker.
func (c *LocalClient) PublishCommand(deviceID string, payload []byte) error {
	topic := fmt.Sprintf("home/devices/%s/command", deviceID)
	token := c.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func buildTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	conf := &tls.Config{}

	if caPath != "" {
		caCert, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert %s: %w", caPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parsing CA cert %s", caPath)
		}
		conf.RootCAs = pool
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client cert/key: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	return conf, nil
}
