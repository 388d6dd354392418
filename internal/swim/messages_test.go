package swim

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrame_RoundTrip(t *testing.T) {
	orig := &AliveMessage{
		Node:        "node-a",
		Incarnation: 7,
		Host:        "10.0.0.1",
		Port:        7946,
		Metadata:    map[string]string{"zone": "us-east"},
	}

	frame, err := encodeFrame(orig)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	decoded, consumed, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if consumed != len(frame) {
		t.Errorf("consumed = %d, want %d", consumed, len(frame))
	}

	got, ok := decoded.(*AliveMessage)
	if !ok {
		t.Fatalf("decoded type = %T, want *AliveMessage", decoded)
	}
	if got.Node != orig.Node || got.Incarnation != orig.Incarnation || got.Host != orig.Host || got.Port != orig.Port {
		t.Errorf("decoded = %+v, want %+v", got, orig)
	}
	if got.Metadata["zone"] != "us-east" {
		t.Errorf("decoded metadata = %v, want zone=us-east", got.Metadata)
	}
}

func TestDecodeAllFrames_ConcatenatedDatagram(t *testing.T) {
	f1, err := encodeFrame(&PingMessage{Seq: 1, Target: "b", Sender: "a"})
	if err != nil {
		t.Fatal(err)
	}
	f2, err := encodeFrame(&AckMessage{Seq: 1, Sender: "b"})
	if err != nil {
		t.Fatal(err)
	}

	buf := append(append([]byte{}, f1...), f2...)
	msgs, err := decodeAllFrames(buf)
	if err != nil {
		t.Fatalf("decodeAllFrames: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if _, ok := msgs[0].(*PingMessage); !ok {
		t.Errorf("msgs[0] type = %T, want *PingMessage", msgs[0])
	}
	if _, ok := msgs[1].(*AckMessage); !ok {
		t.Errorf("msgs[1] type = %T, want *AckMessage", msgs[1])
	}
}

func TestDecodeAllFrames_StopsAtFirstCorruptFrame(t *testing.T) {
	good, err := encodeFrame(&AckMessage{Seq: 1, Sender: "a"})
	if err != nil {
		t.Fatal(err)
	}
	corrupt := []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}
	buf := append(append([]byte{}, good...), corrupt...)

	msgs, err := decodeAllFrames(buf)
	if err == nil {
		t.Fatal("expected error decoding corrupt trailing frame")
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 (frames before the corrupt one are kept)", len(msgs))
	}
}

func TestDecodeFrame_RejectsShortBuffer(t *testing.T) {
	_, _, err := decodeFrame([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error decoding a buffer shorter than the frame header")
	}
}

func TestDecodeFrame_RejectsUnsupportedVersion(t *testing.T) {
	frame, err := encodeFrame(&AckMessage{Seq: 1, Sender: "a"})
	if err != nil {
		t.Fatal(err)
	}
	frame[5] = wireVersion + 1

	_, _, err = decodeFrame(frame)
	if err == nil {
		t.Fatal("expected error decoding a frame with an unsupported wire version")
	}
}

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	orig := &SyncMessage{Nodes: []SyncNodeEntry{
		{Node: "a", Host: "127.0.0.1", Port: 7946, Incarnation: 3, Status: StatusAlive},
	}}

	if err := writeFrame(&buf, orig); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	decoded, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	got, ok := decoded.(*SyncMessage)
	if !ok {
		t.Fatalf("decoded type = %T, want *SyncMessage", decoded)
	}
	if len(got.Nodes) != 1 || got.Nodes[0].Node != "a" {
		t.Errorf("decoded = %+v, want one entry named a", got.Nodes)
	}
}

func TestKindOf_PanicsOnUnregisteredType(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for an unregistered message type")
		}
	}()
	kindOf(42)
}
