package proto

import (
	"bytes"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"hello","friendlyName":"alice"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameWithTypeCapAllowsSmallFrames(t *testing.T) {
	payload := []byte(`{"type":"ping"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrameWithTypeCap(bytes.NewReader(frame), 64<<10, func(string) int { return 1 })
	if err != nil {
		t.Fatalf("ReadFrameWithTypeCap failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameWithTypeCapAllowsOversizedKnownType(t *testing.T) {
	body := strings.Repeat("a", 1024)
	payload := []byte(`{"type":"registry","peers":"` + body + `"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrameWithTypeCap(bytes.NewReader(frame), 16, func(msgType string) int {
		if msgType == "registry" {
			return 1 << 20
		}
		return 64
	})
	if err != nil {
		t.Fatalf("ReadFrameWithTypeCap failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameWithTypeCapRejectsFrameOverTypeCap(t *testing.T) {
	body := strings.Repeat("a", 1024)
	payload := []byte(`{"type":"hello","content":"` + body + `"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(bytes.NewReader(frame), 16, func(msgType string) int { return 64 }); err == nil {
		t.Fatalf("expected ReadFrameWithTypeCap to reject a frame over its type's cap")
	}
}
