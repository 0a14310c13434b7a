package zeo

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// frameConn wraps a net.Conn with length-prefixed (4-byte big-endian
// size + payload) framing, context-aware read/write deadlines, and
// a maximum-frame-size guard. Adapted from the teacher's
// brokerCxn.writeConn/readConn/parseReadSize.
type frameConn struct {
	conn        net.Conn
	maxReadSize int32

	writing, reading uint32 // atomic, 0/1
}

func newFrameConn(conn net.Conn, maxReadSize int32) *frameConn {
	if maxReadSize <= 0 {
		maxReadSize = 64 << 20
	}
	return &frameConn{conn: conn, maxReadSize: maxReadSize}
}

func (c *frameConn) writeRaw(ctx context.Context, buf []byte, timeout time.Duration) error {
	atomic.StoreUint32(&c.writing, 1)
	defer atomic.StoreUint32(&c.writing, 0)

	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	sizeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBuf, uint32(len(buf)))

	done := make(chan error, 1)
	go func() {
		if _, err := c.conn.Write(sizeBuf); err != nil {
			done <- &errDeadConn{err}
			return
		}
		if _, err := c.conn.Write(buf); err != nil {
			done <- &errDeadConn{err}
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.conn.SetWriteDeadline(time.Now())
		<-done
		return ctx.Err()
	}
}

func (c *frameConn) readRaw(ctx context.Context, timeout time.Duration) ([]byte, error) {
	atomic.StoreUint32(&c.reading, 1)
	defer atomic.StoreUint32(&c.reading, 0)

	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	defer c.conn.SetReadDeadline(time.Time{})

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sizeBuf := make([]byte, 4)
		if _, err := io.ReadFull(c.conn, sizeBuf); err != nil {
			done <- result{nil, &errDeadConn{err}}
			return
		}
		size, err := c.parseReadSize(sizeBuf)
		if err != nil {
			done <- result{nil, err}
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			done <- result{nil, &errDeadConn{err}}
			return
		}
		done <- result{buf, nil}
	}()
	select {
	case r := <-done:
		return r.buf, r.err
	case <-ctx.Done():
		c.conn.SetReadDeadline(time.Now())
		<-done
		return nil, ctx.Err()
	}
}

// parseReadSize enforces the maximum frame size and, on an oversized
// size prefix, heuristically reports whether the bytes look like a TLS
// alert record (a common symptom of a plaintext client talking to a TLS
// endpoint) — adapted verbatim in spirit from the teacher's
// brokerCxn.parseReadSize.
func (c *frameConn) parseReadSize(sizeBuf []byte) (int32, error) {
	size := int32(binary.BigEndian.Uint32(sizeBuf))
	if size < 0 {
		return 0, fmt.Errorf("zeo: invalid negative frame size %d", size)
	}
	if size > c.maxReadSize {
		tlsVersion := uint16(sizeBuf[1])<<8 | uint16(sizeBuf[2])
		if sizeBuf[0] == 21 && tlsVersion&0x0300 != 0 {
			guess := fmt.Sprintf("unknown TLS version (hex %x)", tlsVersion)
			for _, g := range []struct {
				num  uint16
				text string
			}{
				{tls.VersionSSL30, "SSL v3"},
				{tls.VersionTLS10, "TLS v1.0"},
				{tls.VersionTLS11, "TLS v1.1"},
				{tls.VersionTLS12, "TLS v1.2"},
				{tls.VersionTLS13, "TLS v1.3"},
			} {
				if tlsVersion == g.num {
					guess = g.text
				}
			}
			return 0, fmt.Errorf("zeo: frame size %d exceeds limit %d; first bytes look like a %s alert record; plaintext talking to a TLS endpoint?", size, c.maxReadSize, guess)
		}
		return 0, fmt.Errorf("zeo: frame size %d exceeds limit %d", size, c.maxReadSize)
	}
	return size, nil
}

func (c *frameConn) close() error { return c.conn.Close() }

// dialFunc opens a network connection, optionally TLS-wrapped.
// Set with WithDialFunc (defaultDial otherwise); TLS-handshake details are stdlib
// crypto/tls, out of scope per spec.md §1.
type dialFunc func(ctx context.Context, addr Addr, tlsConf *tls.Config) (net.Conn, error)

func defaultDial(ctx context.Context, addr Addr, tlsConf *tls.Config) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("zeo: dial %s: %w", addr, err)
	}
	if tlsConf != nil && addr.Network() == "tcp" {
		tlsConn := tls.Client(conn, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("zeo: tls handshake %s: %w", addr, err)
		}
		return tlsConn, nil
	}
	return conn, nil
}
