// Package loratransport implements the serial half of C5: a gateway-side
// link to the LoRa radio over a UART, framing raw bytes through
// internal/protocol's streaming decoder and exposing received frames and a
// send method to the event router.
package loratransport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/agsys/gateway/internal/protocol"
)

// Config names the serial port and baud rate of the attached LoRa radio.
type Config struct {
	Port string
	Baud int
}

// DefaultConfig uses the radio's 9600-baud UART setting.
func DefaultConfig(port string) Config {
	return Config{Port: port, Baud: 9600}
}

// port is the subset of serial.Port this package depends on, so tests can
// substitute an in-memory pipe instead of opening real hardware.
type port interface {
	io.ReadWriteCloser
}

// Link owns the serial port and the streaming frame decoder layered on
// top of it. Received frames are delivered on Frames(); malformed
// candidates are logged and dropped rather than surfaced to callers.
type Link struct {
	cfg  Config
	port port

	frames chan *protocol.Frame

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New opens the serial port at cfg.Port/cfg.Baud. The caller must call
// Start to begin the read loop.
func New(cfg Config) (*Link, error) {
	mode := &serial.Mode{BaudRate: cfg.Baud}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Port, err)
	}
	if err := p.SetReadTimeout(250 * time.Millisecond); err != nil {
		p.Close()
		return nil, fmt.Errorf("setting read timeout on %s: %w", cfg.Port, err)
	}

	return newWithPort(cfg, p), nil
}

// newWithPort builds a Link over an already-open port, used by New and by
// tests wiring an in-memory pipe.
func newWithPort(cfg Config, p port) *Link {
	return &Link{
		cfg:    cfg,
		port:   p,
		frames: make(chan *protocol.Frame, 100),
		stop:   make(chan struct{}),
	}
}

// Frames returns the channel of successfully decoded frames.
func (l *Link) Frames() <-chan *protocol.Frame {
	return l.frames
}

// Start begins the read loop in a background goroutine.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("lora link already running")
	}
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readLoop(ctx)

	log.Printf("lora: serial link open on %s at %d baud", l.cfg.Port, l.cfg.Baud)
	return nil
}

// Stop signals the read loop to exit and waits up to 5s for it to drain,
// matching the gateway's shared shutdown budget.
func (l *Link) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.mu.Unlock()

	close(l.stop)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("lora: read loop did not exit within 5s")
	}

	return l.port.Close()
}

// Send encodes header/payload into an outbound frame and writes it.
func (l *Link) Send(address uint16, body string) error {
	data := protocol.EncodeOutbound(address, body)
	_, err := l.port.Write(data)
	if err != nil {
		return fmt.Errorf("writing to %s: %w", l.cfg.Port, err)
	}
	return nil
}

func (l *Link) readLoop(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.frames)

	reader := protocol.NewStreamReader()
	buf := make([]byte, 256)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		default:
		}

		n, err := l.port.Read(buf)
		if err != nil {
			log.Printf("lora: serial read error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		reader.Feed(buf[:n])
		for {
			frame, ferr, ok := reader.Next()
			if !ok {
				break
			}
			if ferr != nil {
				log.Printf("lora: dropping malformed frame: %v", ferr)
				continue
			}
			select {
			case l.frames <- frame:
			default:
				log.Println("lora: receive queue full, dropping frame")
			}
		}
	}
}
