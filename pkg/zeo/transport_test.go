package zeo

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func TestFrameConnWriteReadRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := newFrameConn(clientConn, 0)
	server := newFrameConn(serverConn, 0)

	payload := []byte("hello frame")
	errCh := make(chan error, 1)
	go func() { errCh <- client.writeRaw(context.Background(), payload, 0) }()

	got, err := server.readRaw(context.Background(), 0)
	if err != nil {
		t.Fatalf("readRaw: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeRaw: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestFrameConnReadRespectsContextCancellation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := newFrameConn(serverConn, 0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { _, err := server.readRaw(ctx, 0); errCh <- err }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("readRaw did not return after context cancellation")
	}
}

func TestParseReadSizeRejectsOversizedFrame(t *testing.T) {
	c := newFrameConn(nil, 16)
	sizeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBuf, 17)
	if _, err := c.parseReadSize(sizeBuf); err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}

func TestParseReadSizeRejectsNegativeSize(t *testing.T) {
	c := newFrameConn(nil, 1<<20)
	sizeBuf := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := c.parseReadSize(sizeBuf); err == nil {
		t.Fatal("expected an error for a negative frame size")
	}
}

func TestParseReadSizeDetectsTLSAlert(t *testing.T) {
	c := newFrameConn(nil, 4)
	// A TLS alert record begins with content type 21 (alert) followed by
	// a two-byte version; 0x03,0x03 is TLS 1.2.
	sizeBuf := []byte{21, 0x03, 0x03, 0x00}
	_, err := c.parseReadSize(sizeBuf)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := err.Error(); !contains(got, "TLS") {
		t.Fatalf("expected a TLS-alert hint in the error, got: %s", got)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
