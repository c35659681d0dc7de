// Package protocol implements the gateway's LoRa binary frame format: the
// wire layout exchanged with RFID gate, temperature, motion and relay
// devices over a 9600-baud serial LoRa radio link, along with the CRC32
// variant the radio firmware expects.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Magic is the 3-byte frame preamble every inbound frame begins with.
var Magic = [3]byte{0x00, 0x02, 0x17}

// HeaderSize is the number of bytes from the end of Magic through the
// payload-length byte, inclusive (byte0, byte1, sequence, timestamp, len).
const HeaderSize = 9

// CRCSize is the size in bytes of the trailing CRC32 field.
const CRCSize = 4

// Message types (byte0 bits[7:4]).
const (
	MsgTypeRFIDScan     uint8 = 0x01
	MsgTypeTempUpdate   uint8 = 0x02
	MsgTypeMotion       uint8 = 0x03
	MsgTypeRelayControl uint8 = 0x04
	MsgTypePasskey      uint8 = 0x05
	MsgTypeGateStatus   uint8 = 0x06
	MsgTypeSystemStatus uint8 = 0x07
	MsgTypeDoorStatus   uint8 = 0x08
	MsgTypeAck          uint8 = 0x80
	MsgTypeError        uint8 = 0xFF
)

// Device types (byte1 bits[3:0]).
const (
	DeviceTypeRFIDGate      uint8 = 0x01
	DeviceTypeRelayFan      uint8 = 0x02
	DeviceTypeTempSensor    uint8 = 0x03
	DeviceTypeGateway       uint8 = 0x04
	DeviceTypePasskey       uint8 = 0x05
	DeviceTypeMotionOutdoor uint8 = 0x07
	DeviceTypeMotionIndoor  uint8 = 0x08
)

var msgTypeNames = map[uint8]string{
	MsgTypeRFIDScan:     "rfid_scan",
	MsgTypeTempUpdate:   "temp_update",
	MsgTypeMotion:       "motion_detect",
	MsgTypeRelayControl: "relay_control",
	MsgTypePasskey:      "passkey",
	MsgTypeGateStatus:   "gate_status",
	MsgTypeSystemStatus: "system_status",
	MsgTypeDoorStatus:   "door_status",
	MsgTypeAck:          "ack",
	MsgTypeError:        "error",
}

// MsgTypeName returns the human-readable name for a message type, or
// "unknown" if it is not one of the defined constants.
func MsgTypeName(t uint8) string {
	if n, ok := msgTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

var deviceTypeNames = map[uint8]string{
	DeviceTypeRFIDGate:      "rfid_gate",
	DeviceTypeRelayFan:      "relay_fan",
	DeviceTypeTempSensor:    "temp_sensor",
	DeviceTypeGateway:       "gateway",
	DeviceTypePasskey:       "passkey",
	DeviceTypeMotionOutdoor: "motion_outdoor",
	DeviceTypeMotionIndoor:  "motion_indoor",
}

// DeviceTypeName returns the human-readable name for a device type, or
// "unknown" if it is not one of the defined constants.
func DeviceTypeName(t uint8) string {
	if n, ok := deviceTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Header holds the decoded fixed fields of a frame, excluding the magic
// preamble (which is implicit once a frame has been located in a stream).
type Header struct {
	Version    uint8
	MsgType    uint8
	DeviceType uint8
	Flags      uint8
	Sequence   uint16
	Timestamp  uint32
}

// Frame is a fully decoded and CRC-verified LoRa message.
type Frame struct {
	Header  Header
	Payload []byte
	CRC     uint32
}

// Encode serializes a complete frame: magic, header, payload and CRC, ready
// for transmission over the serial link.
func Encode(h Header, payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, 3+HeaderSize+n+CRCSize)
	copy(buf[0:3], Magic[:])

	buf[3] = (h.MsgType << 4) | (h.Version & 0x0F)
	buf[4] = (h.Flags << 4) | (h.DeviceType & 0x0F)
	binary.LittleEndian.PutUint16(buf[5:7], h.Sequence)
	binary.LittleEndian.PutUint32(buf[7:11], h.Timestamp)
	buf[11] = uint8(n)
	copy(buf[12:12+n], payload)

	crc := CRC32(buf[3 : 12+n])
	binary.LittleEndian.PutUint32(buf[12+n:12+n+4], crc)
	return buf
}

// Decode parses a single complete frame (magic through CRC, with no
// trailing bytes) and verifies its CRC. data must start with Magic.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 3+HeaderSize+CRCSize {
		return nil, &FrameError{Kind: FrameTooShort, Detail: fmt.Sprintf("%d bytes", len(data))}
	}
	if data[0] != Magic[0] || data[1] != Magic[1] || data[2] != Magic[2] {
		return nil, &FrameError{Kind: FrameBadMagic}
	}

	raw := data[3:]
	byte0 := raw[0]
	byte1 := raw[1]

	h := Header{
		Version:    byte0 & 0x0F,
		MsgType:    (byte0 >> 4) & 0x0F,
		DeviceType: byte1 & 0x0F,
		Flags:      (byte1 >> 4) & 0x0F,
		Sequence:   binary.LittleEndian.Uint16(raw[2:4]),
		Timestamp:  binary.LittleEndian.Uint32(raw[4:8]),
	}

	// The CRC is checked over everything between Magic and the trailing 4
	// bytes before the length byte is trusted, so a corrupted length byte is
	// reported as a CRC failure like any other bit flip.
	crcData := raw[:len(raw)-CRCSize]
	crcReceived := binary.LittleEndian.Uint32(raw[len(raw)-CRCSize:])
	crcCalculated := CRC32(crcData)
	if crcCalculated != crcReceived {
		return nil, &FrameError{Kind: FrameBadCRC, Detail: fmt.Sprintf("calculated=%#08x received=%#08x", crcCalculated, crcReceived)}
	}

	n := int(raw[8])
	expected := HeaderSize + n + CRCSize
	if len(raw) < expected {
		return nil, &FrameError{Kind: FrameTooShort, Detail: fmt.Sprintf("need %d have %d", expected, len(raw))}
	}
	if len(raw) > expected {
		return nil, &FrameError{Kind: FrameLengthOverflow, Detail: fmt.Sprintf("%d trailing bytes", len(raw)-expected)}
	}

	payload := raw[HeaderSize : HeaderSize+n]

	payloadCopy := make([]byte, n)
	copy(payloadCopy, payload)

	return &Frame{Header: h, Payload: payloadCopy, CRC: crcReceived}, nil
}

// DecodedPayload renders the frame payload according to its message type's
// decoding rule: rfid_scan decodes to a lowercase hex UID string,
// gate_status/door_status decode to their UTF-8 status word, everything
// else is rendered as raw hex.
func (f *Frame) DecodedPayload() string {
	switch f.Header.MsgType {
	case MsgTypeRFIDScan:
		return hex.EncodeToString(f.Payload)
	case MsgTypeGateStatus, MsgTypeDoorStatus:
		return string(f.Payload)
	default:
		return hex.EncodeToString(f.Payload)
	}
}
