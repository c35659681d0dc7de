package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		payload []byte
	}{
		{
			name: "rfid scan",
			header: Header{
				Version: 1, MsgType: MsgTypeRFIDScan, DeviceType: DeviceTypeRFIDGate,
				Sequence: 1, Timestamp: 1700000000,
			},
			payload: []byte{0xa1, 0xb2, 0xc3, 0xd4},
		},
		{
			name: "gate status",
			header: Header{
				Version: 1, MsgType: MsgTypeGateStatus, DeviceType: DeviceTypeRFIDGate,
				Sequence: 42, Timestamp: 1700000042,
			},
			payload: []byte("closed"),
		},
		{
			name: "empty payload",
			header: Header{
				Version: 1, MsgType: MsgTypeAck, DeviceType: DeviceTypeGateway,
				Sequence: 0, Timestamp: 0,
			},
			payload: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.header, tt.payload)
			frame, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if frame.Header != tt.header {
				t.Errorf("got header %+v, want %+v", frame.Header, tt.header)
			}
			if !bytes.Equal(frame.Payload, tt.payload) && len(frame.Payload)+len(tt.payload) != 0 {
				t.Errorf("got payload %x, want %x", frame.Payload, tt.payload)
			}
		})
	}
}

func TestCRCDetectsBitFlips(t *testing.T) {
	encoded := Encode(Header{Version: 1, MsgType: MsgTypeRFIDScan, DeviceType: DeviceTypeRFIDGate, Sequence: 1, Timestamp: 100}, []byte{0x01, 0x02, 0x03})

	// flip every bit from byte 3 (start of header) through the byte before CRC.
	crcStart := len(encoded) - CRCSize
	for i := 3; i < crcStart; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(encoded))
			copy(corrupted, encoded)
			corrupted[i] ^= 1 << uint(bit)

			_, err := Decode(corrupted)
			if err == nil {
				t.Fatalf("byte %d bit %d: expected CRC failure, got none", i, bit)
			}
			fe, ok := err.(*FrameError)
			if !ok || fe.Kind != FrameBadCRC {
				t.Fatalf("byte %d bit %d: got error %v, want FrameBadCRC", i, bit, err)
			}
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind FrameErrorKind
	}{
		{"empty", nil, FrameTooShort},
		{"too short", []byte{0x00, 0x02, 0x17, 0x01}, FrameTooShort},
		{"bad magic", append([]byte{0x00, 0x02, 0x18}, make([]byte, 13)...), FrameBadMagic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatalf("expected error, got none")
			}
			fe, ok := err.(*FrameError)
			if !ok {
				t.Fatalf("got error %T, want *FrameError", err)
			}
			if fe.Kind != tt.kind {
				t.Errorf("got kind %v, want %v", fe.Kind, tt.kind)
			}
		})
	}
}

func TestDecodedPayload(t *testing.T) {
	tests := []struct {
		name    string
		msgType uint8
		payload []byte
		want    string
	}{
		{"rfid hex", MsgTypeRFIDScan, []byte{0xa1, 0xb2, 0xc3, 0xd4}, "a1b2c3d4"},
		{"gate status ascii", MsgTypeGateStatus, []byte("closed"), "closed"},
		{"door status ascii", MsgTypeDoorStatus, []byte("open"), "open"},
		{"temp update raw hex", MsgTypeTempUpdate, []byte{0x01, 0x02}, "0102"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Frame{Header: Header{MsgType: tt.msgType}, Payload: tt.payload}
			if got := f.DecodedPayload(); got != tt.want {
				t.Errorf("DecodedPayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeOutbound(t *testing.T) {
	got := EncodeOutbound(uint16(DeviceTypeRFIDGate), "GRANT")
	want := []byte{0xC0, 0x00, 0x00, 0x00, 0x01, 23, 5, 'G', 'R', 'A', 'N', 'T'}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeOutbound() = %x, want %x", got, want)
	}
}

func TestMsgTypeAndDeviceTypeNames(t *testing.T) {
	if got := MsgTypeName(MsgTypeRFIDScan); got != "rfid_scan" {
		t.Errorf("MsgTypeName(RFIDScan) = %q, want rfid_scan", got)
	}
	if got := MsgTypeName(0x99); got != "unknown" {
		t.Errorf("MsgTypeName(0x99) = %q, want unknown", got)
	}
	if got := DeviceTypeName(DeviceTypeTempSensor); got != "temp_sensor" {
		t.Errorf("DeviceTypeName(TempSensor) = %q, want temp_sensor", got)
	}
}
