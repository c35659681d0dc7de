package protocol

import "bytes"

// StreamReader incrementally reassembles frames out of bytes arriving from
// an unreliable serial source. Feed it bytes as they arrive with Feed, then
// drain complete frames with Next until it returns ok=false.
//
// Buffer growth is bounded: whenever the magic cannot be found, everything
// before the last len(Magic)-1 bytes is discarded, since no earlier byte
// can be part of a still-forming magic sequence.
type StreamReader struct {
	buf []byte
}

// NewStreamReader returns an empty StreamReader.
func NewStreamReader() *StreamReader {
	return &StreamReader{}
}

// Feed appends newly received bytes to the internal buffer.
func (r *StreamReader) Feed(data []byte) {
	r.buf = append(r.buf, data...)
}

// Next attempts to extract and decode the next complete frame from the
// buffer. It returns (frame, nil, true) on success, (nil, err, true) if a
// complete candidate frame was present but failed to decode (the candidate
// is still consumed so the reader can make progress), or (nil, nil, false)
// if no complete frame is available yet.
func (r *StreamReader) Next() (*Frame, error, bool) {
	idx := bytes.Index(r.buf, Magic[:])
	if idx == -1 {
		if len(r.buf) > len(Magic) {
			r.buf = r.buf[len(r.buf)-(len(Magic)-1):]
		}
		return nil, nil, false
	}
	if idx > 0 {
		r.buf = r.buf[idx:]
	}

	if len(r.buf) < 3+HeaderSize {
		return nil, nil, false
	}

	n := int(r.buf[3+8])
	total := 3 + HeaderSize + n + CRCSize
	if len(r.buf) < total {
		return nil, nil, false
	}

	candidate := r.buf[:total]
	r.buf = r.buf[total:]

	frame, err := Decode(candidate)
	if err != nil {
		return nil, err, true
	}
	return frame, nil, true
}

// Pending reports the number of unconsumed bytes currently buffered.
func (r *StreamReader) Pending() int {
	return len(r.buf)
}
