// Package proto implements the length-prefixed JSON frame format that
// quicadapter's stream channels speak on the wire (memadapter passes whole
// messages in process and does not frame them): a 4-byte big-endian length prefix
// followed by one JSON-shaped payload (spec.md §4.1's "opaque JSON-shaped
// payloads").
package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the hard ceiling no frame may exceed, regardless of
	// message type — a guard against a misbehaving peer claiming an
	// unbounded length prefix.
	MaxFrameSize = 1 << 20
	// SoftMaxFrameSize is the threshold above which ReadFrameWithTypeCap
	// bothers sniffing a message's type before deciding whether to accept
	// it; frames at or below this size are read unconditionally. Namespace
	// registry broadcasts (internal/namespace.Registry) are the one peerns
	// message type that routinely exceeds it, since a registry's size
	// scales with the peer count in the namespace.
	SoftMaxFrameSize = 64 << 10
	// TypeSniffBytes bounds how much of an oversized frame is read before
	// its declared "type" field is known, so a single huge claimed length
	// cannot force an unbounded read before the cap is even checked.
	TypeSniffBytes = 512
)

// EncodeFrame prepends a 4-byte big-endian length to payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// ReadFrame reads one length-prefixed frame unconditionally up to
// MaxFrameSize. Used for framing that carries no JSON "type" field to sniff
// — quicadapter's handshake frame naming the claimed endpoint, for
// instance — and for any caller that doesn't need a softer, type-aware cap.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrameWithTypeCap reads one frame, but for anything over softMax bytes
// it first sniffs the payload's JSON "type" field from its first
// TypeSniffBytes and asks typeCap for that type's own ceiling before
// committing to read the rest. This lets quicadapter accept a namespace
// registry broadcast — which legitimately grows with the peer count — at a
// far larger size than it would tolerate from, say, an oversized session
// hello, without trusting every message type at MaxFrameSize.
//
// typeCap returning <= 0 for a type falls back to treating it as
// unconstrained (still bounded by MaxFrameSize); a frame whose type cannot
// be sniffed at all is rejected rather than silently read as if it passed.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	if softMax <= 0 || int(n) <= softMax {
		payload := make([]byte, int(n))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	prefixLen := int(n)
	if prefixLen > TypeSniffBytes {
		prefixLen = TypeSniffBytes
	}
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	msgType, ok := extractType(prefix)
	if !ok {
		return nil, fmt.Errorf("message too large for type sniff")
	}
	maxSize := 0
	if typeCap != nil {
		maxSize = typeCap(msgType)
	}
	if maxSize > 0 && int(n) > maxSize {
		return nil, fmt.Errorf("payload too large for type %s", msgType)
	}

	payload := make([]byte, int(n))
	copy(payload, prefix)
	if _, err := io.ReadFull(r, payload[len(prefix):]); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame encodes and writes payload, retrying short writes.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// extractType pulls a top-level JSON "type" string out of prefix, which may
// be a truncated slice of a larger document. It tries a real decode first
// (the common case: prefix already holds the whole object) and falls back
// to a manual scan for the literal `"type":"..."` substring, which still
// works when prefix cuts off mid-object as long as the type field itself
// came first on the wire.
func extractType(prefix []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
	}
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if err := dec.Decode(&hdr); err == nil && hdr.Type != "" {
		return hdr.Type, true
	}
	needle := []byte(`"type"`)
	idx := bytes.Index(prefix, needle)
	if idx == -1 {
		return "", false
	}
	rest := prefix[idx+len(needle):]
	colon := bytes.IndexByte(rest, ':')
	if colon == -1 {
		return "", false
	}
	rest = rest[colon+1:]
	rest = bytes.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return string(rest[:end]), true
}
