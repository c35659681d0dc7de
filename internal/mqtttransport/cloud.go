package mqtttransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// CloudConfig configures the gateway's mTLS link to the cloud broker.
type CloudConfig struct {
	Host      string
	Port      int
	GatewayID string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	BufferMax int
	FlushRate int // messages per second during store-and-forward drain
}

// DefaultCloudConfig fills in the buffer size and flush rate from §4.6.
func DefaultCloudConfig() CloudConfig {
	return CloudConfig{BufferMax: 1000, FlushRate: 20}
}

// CloudClient publishes gateway events to the cloud broker, buffering them
// in memory while disconnected and flushing in enqueue order on reconnect.
type CloudClient struct {
	cfg    CloudConfig
	client mqtt.Client
	buffer *forwardBuffer

	onCommand func(Message)

	flushing int32 // atomic flag, 1 while a flush is in progress
}

// NewCloud builds (but does not connect) a cloud broker client. onCommand
// is invoked for messages on gateway/{id}/command/# and
// gateway/{id}/sync/trigger.
func NewCloud(cfg CloudConfig, onCommand func(Message)) (*CloudClient, error) {
	if cfg.BufferMax <= 0 {
		cfg.BufferMax = 1000
	}
	if cfg.FlushRate <= 0 {
		cfg.FlushRate = 20
	}

	tlsConf, err := buildTLSConfig(cfg.TLSCA, cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("building cloud tls config: %w", err)
	}

	cc := &CloudClient{
		cfg:       cfg,
		buffer:    newForwardBuffer(cfg.BufferMax),
		onCommand: onCommand,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(fmt.Sprintf("gateway-%s", cfg.GatewayID)).
		SetTLSConfig(tlsConf).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		cc.onCommand(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	opts.SetOnConnectHandler(cc.onConnect)

	cc.client = mqtt.NewClient(opts)
	return cc, nil
}

// Connect dials the cloud broker.
func (c *CloudClient) Connect() error {
	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect cleanly closes the cloud broker connection.
func (c *CloudClient) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected reports the live MQTT connection state.
func (c *CloudClient) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *CloudClient) onConnect(client mqtt.Client) {
	topics := map[string]byte{
		fmt.Sprintf("gateway/%s/command/#", c.cfg.GatewayID):  1,
		fmt.Sprintf("gateway/%s/sync/trigger", c.cfg.GatewayID): 1,
	}
	if token := client.SubscribeMultiple(topics, nil); token.Wait() && token.Error() != nil {
		log.Printf("mqtttransport: cloud subscribe failed: %v", token.Error())
	}
	log.Println("mqtttransport: cloud broker connected")

	go c.flush()
}

// Publish sends payload to topic, buffering it locally if the connection
// is currently down.
func (c *CloudClient) Publish(topic string, payload []byte) {
	if !c.client.IsConnected() {
		c.buffer.Enqueue(bufferedMessage{Topic: topic, Payload: payload})
		return
	}

	token := c.client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("mqtttransport: cloud publish to %s failed, buffering: %v", topic, err)
		c.buffer.Enqueue(bufferedMessage{Topic: topic, Payload: payload})
	}
}

// PublishRetained sends a retained message, used for gateway/{id}/status/gateway.
func (c *CloudClient) PublishRetained(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, true, payload)
	token.Wait()
	return token.Error()
}

// BufferLen reports how many messages are currently queued for delivery.
func (c *CloudClient) BufferLen() int {
	return c.buffer.Len()
}

// flush drains the store-and-forward buffer at cfg.FlushRate messages per
// second, marking each replayed payload with _flushed:true. Concurrent
// flushes are serialized: a second call while one is in progress returns
// immediately so two flushes never interleave on the wire.
func (c *CloudClient) flush() {
	if !atomic.CompareAndSwapInt32(&c.flushing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.flushing, 0)

	pending := c.buffer.Drain()
	if len(pending) == 0 {
		return
	}

	interval := time.Second / time.Duration(c.cfg.FlushRate)
	log.Printf("mqtttransport: flushing %d buffered messages", len(pending))

	for i, msg := range pending {
		if !c.client.IsConnected() {
			// Connection dropped again mid-flush; re-buffer the remainder
			// and stop so order is preserved on the next flush.
			for _, rest := range pending[i:] {
				c.buffer.Enqueue(rest)
			}
			return
		}

		payload := markFlushed(msg.Payload)
		token := c.client.Publish(msg.Topic, 1, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("mqtttransport: flush publish to %s failed, re-buffering: %v", msg.Topic, err)
			c.buffer.Enqueue(msg)
		}
		time.Sleep(interval)
	}
}

// markFlushed injects "_flushed":true into a JSON object payload so
// consumers can distinguish a replayed message from a live one. Payloads
// that are not JSON objects are sent unchanged.
func markFlushed(payload []byte) []byte {
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	obj["_flushed"] = true
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

// TriggerFlush runs the flush routine and waits until it finishes or ctx is
// canceled.
func (c *CloudClient) TriggerFlush(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.flush()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
