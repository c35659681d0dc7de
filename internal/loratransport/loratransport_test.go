package loratransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/agsys/gateway/internal/protocol"
)

func TestLinkReceivesFramesFromPort(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	link := newWithPort(DefaultConfig("test"), server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := link.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frameBytes := protocol.Encode(protocol.Header{
		Version:    1,
		MsgType:    protocol.MsgTypeRFIDScan,
		DeviceType: protocol.DeviceTypeRFIDGate,
		Sequence:   1,
		Timestamp:  1700000000,
	}, []byte{0xAB, 0xCD})

	go func() {
		client.Write(frameBytes)
	}()

	select {
	case frame := <-link.Frames():
		if frame.Header.MsgType != protocol.MsgTypeRFIDScan {
			t.Fatalf("unexpected msg type: %v", frame.Header.MsgType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestLinkSendWritesOutboundFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	link := newWithPort(DefaultConfig("test"), server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := link.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		readDone <- buf[:n]
	}()

	if err := link.Send(1, "GRANT"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-readDone:
		want := protocol.EncodeOutbound(1, "GRANT")
		if string(got) != string(want) {
			t.Fatalf("got %x, want %x", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestLinkStopExitsReadLoop(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	link := newWithPort(DefaultConfig("test"), server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := link.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- link.Stop() }()

	select {
	case <-done:
	case <-time.After(8 * time.Second):
		t.Fatal("Stop did not return within budget")
	}
}
