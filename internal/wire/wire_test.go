package wire

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/duskcast/streamhost/internal/herr"
)

func TestMediaCodecRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	codec, err := NewMediaCodec(1, key)
	if err != nil {
		t.Fatalf("NewMediaCodec: %v", err)
	}

	h := MediaHeader{
		Flags:     FlagKeyframe,
		Sequence:  7,
		Timestamp: 90000,
		FragIndex: 0,
		FragTotal: EncodeFragTotal(8, 2),
	}
	payload := []byte("a fake encoded video fragment")

	packet, err := codec.Encode(h, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) != MediaHeaderSize+len(payload) {
		t.Fatalf("packet length = %d, want %d", len(packet), MediaHeaderSize+len(payload))
	}

	got, err := codec.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, payload)
	}
	if got.Header.Sequence != h.Sequence || got.Header.Timestamp != h.Timestamp {
		t.Fatalf("header mismatch: got %+v", got.Header)
	}
	if got.Header.SourceShards() != 8 || got.Header.ParityShards() != 2 {
		t.Fatalf("FEC shape mismatch: got %d/%d", got.Header.SourceShards(), got.Header.ParityShards())
	}
}

func TestMediaCodecRejectsTamperedHeader(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	codec, _ := NewMediaCodec(2, key)

	packet, _ := codec.Encode(MediaHeader{Sequence: 1}, []byte("payload"))
	packet[4] ^= 0xFF // flip a header byte covered by AD

	if _, err := codec.Decode(packet); err == nil {
		t.Fatal("expected decode to fail on tampered header")
	}
}

func TestMediaCodecShortPacket(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	codec, _ := NewMediaCodec(2, key)
	if _, err := codec.Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding short packet")
	}
}

func TestInputPacketRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x55}, 32)
	codec, err := NewInputCodec(key)
	if err != nil {
		t.Fatalf("NewInputCodec: %v", err)
	}

	p := InputPacket{
		Sequence:   42,
		Timestamp:  123456,
		Controller: 1,
		ButtonMask: 0xDEAD,
		AxisLX:     -12000,
		AxisLY:     8000,
		PointerX:   100,
		PointerY:   -200,
		AccelX:     1500,
		AccelY:     -2250,
	}
	buf, err := codec.Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != InputPacketSize {
		t.Fatalf("encoded size = %d, want %d", len(buf), InputPacketSize)
	}

	got, err := codec.Decode(buf[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestInputPacketWrongSize(t *testing.T) {
	key := bytes.Repeat([]byte{0x55}, 32)
	codec, _ := NewInputCodec(key)
	if _, err := codec.Decode(make([]byte, 10)); err == nil {
		t.Fatal("expected error for wrong-size input packet")
	}
}

func TestInputCodecRejectsTamperedPacket(t *testing.T) {
	key := bytes.Repeat([]byte{0x66}, 32)
	codec, _ := NewInputCodec(key)

	buf, _ := codec.Encode(InputPacket{Sequence: 1, Controller: 0, ButtonMask: 1})
	buf[10] ^= 0xFF // flip a byte covered by the auth tag

	if _, err := codec.Decode(buf[:]); err == nil {
		t.Fatal("expected decode to fail on tampered input packet")
	}
}

func TestControlConnRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x77}, 32)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := NewControlConn(clientConn, key)
	if err != nil {
		t.Fatalf("NewControlConn client: %v", err)
	}
	server, err := NewControlConn(serverConn, key)
	if err != nil {
		t.Fatalf("NewControlConn server: %v", err)
	}

	type payload struct {
		Bitrate int `json:"bitrate"`
	}

	done := make(chan error, 1)
	go func() {
		done <- client.Send("set_bitrate", payload{Bitrate: 15000})
	}()

	msg, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Type != "set_bitrate" {
		t.Fatalf("msg.Type = %q, want set_bitrate", msg.Type)
	}
	if msg.Seq != 1 {
		t.Fatalf("msg.Seq = %d, want 1", msg.Seq)
	}
}

func TestControlConnRejectsReplay(t *testing.T) {
	key := bytes.Repeat([]byte{0x99}, 32)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client, _ := NewControlConn(clientConn, key)
	server, _ := NewControlConn(serverConn, key)

	go client.Send("ping", struct{}{})
	first, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv first: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", first.Seq)
	}

	client.sendSeq.Store(0) // resend with an already-seen sequence number
	go client.Send("ping", struct{}{})
	if _, err := server.Recv(); !errors.Is(err, herr.ErrSequenceReplay) {
		t.Fatalf("Recv replayed frame: err = %v, want ErrSequenceReplay", err)
	}
}
