package protocol

import "encoding/binary"

// OutboundHeader is the fixed 3-byte preamble of a gateway-to-device reply
// frame. It is distinct from Magic, which only appears on device-to-gateway
// frames.
var OutboundHeader = [3]byte{0xC0, 0x00, 0x00}

// OutboundChannel is the radio channel every outbound reply is sent on.
const OutboundChannel = 23

// EncodeOutbound builds a gateway-to-device reply frame: the fixed
// 0xC0 0x00 0x00 header, a 2-byte big-endian address, a 1-byte channel, a
// 1-byte length and the ASCII body. address is conventionally the numeric
// device type the reply targets (e.g. DeviceTypeRFIDGate for a gate ACK).
func EncodeOutbound(address uint16, body string) []byte {
	b := []byte(body)
	buf := make([]byte, 3+2+1+1+len(b))
	copy(buf[0:3], OutboundHeader[:])
	binary.BigEndian.PutUint16(buf[3:5], address)
	buf[5] = OutboundChannel
	buf[6] = uint8(len(b))
	copy(buf[7:], b)
	return buf
}
