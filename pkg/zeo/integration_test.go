package zeo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/1-Hash/ZEO/pkg/zeo/memcache"
)

func recvFrame(fc *frameConn) (Frame, error) {
	raw, err := fc.readRaw(context.Background(), 5*time.Second)
	if err != nil {
		return Frame{}, err
	}
	return (GobCodec{}).Decode(raw)
}

func sendFrame(fc *frameConn, f Frame) error {
	raw, err := (GobCodec{}).Encode(f)
	if err != nil {
		return err
	}
	return fc.writeRaw(context.Background(), raw, 5*time.Second)
}

// testEmbedder records the events an embedding application would observe,
// for assertions; unhandled callbacks fall back to NopEmbedder.
type testEmbedder struct {
	NopEmbedder
	connected    chan map[string]interface{}
	disconnected chan struct{}
}

func newTestEmbedder() *testEmbedder {
	return &testEmbedder{
		connected:    make(chan map[string]interface{}, 8),
		disconnected: make(chan struct{}, 8),
	}
}

func (e *testEmbedder) NotifyConnected(info map[string]interface{}) { e.connected <- info }
func (e *testEmbedder) NotifyDisconnected()                         { e.disconnected <- struct{}{} }

// TestRunnerEndToEndHappyPath drives a Runner through handshake, a
// registration carrying the server's current Tid, "empty cache"
// verification, and one ordinary call, against a scripted fake server —
// spec.md §8's baseline scenario.
func TestRunnerEndToEndHappyPath(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	serverFC := newFrameConn(serverConn, 0)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- func() error {
			if err := serverFC.writeRaw(context.Background(), []byte(V4), 5*time.Second); err != nil {
				return fmt.Errorf("send version tag: %w", err)
			}
			echoed, err := serverFC.readRaw(context.Background(), 5*time.Second)
			if err != nil {
				return fmt.Errorf("recv echoed version: %w", err)
			}
			if VersionTag(echoed) != V4 {
				return fmt.Errorf("echoed version = %q, want %q", echoed, V4)
			}

			regReq, err := recvFrame(serverFC)
			if err != nil {
				return fmt.Errorf("recv register: %w", err)
			}
			if regReq.Method != "register" {
				return fmt.Errorf("method = %q, want register", regReq.Method)
			}
			regReply, err := (GobCodec{}).EncodeArgs(struct {
				Tid    Tid
				HasTid bool
			}{Tid: 100, HasTid: true})
			if err != nil {
				return err
			}
			if err := sendFrame(serverFC, Frame{MsgID: regReq.MsgID, Method: replyMethod, Args: regReply}); err != nil {
				return fmt.Errorf("send register reply: %w", err)
			}

			infoReq, err := recvFrame(serverFC)
			if err != nil {
				return fmt.Errorf("recv get_info: %w", err)
			}
			if infoReq.Method != "get_info" {
				return fmt.Errorf("method = %q, want get_info", infoReq.Method)
			}
			infoReply, err := (GobCodec{}).EncodeArgs(map[string]interface{}{"name": "teststore"})
			if err != nil {
				return err
			}
			if err := sendFrame(serverFC, Frame{MsgID: infoReq.MsgID, Method: replyMethod, Args: infoReply}); err != nil {
				return fmt.Errorf("send get_info reply: %w", err)
			}

			echoReq, err := recvFrame(serverFC)
			if err != nil {
				return fmt.Errorf("recv echo: %w", err)
			}
			if echoReq.Method != "echo" {
				return fmt.Errorf("method = %q, want echo", echoReq.Method)
			}
			echoReply, err := (GobCodec{}).EncodeArgs("ping")
			if err != nil {
				return err
			}
			return sendFrame(serverFC, Frame{MsgID: echoReq.MsgID, Method: replyMethod, Args: echoReply})
		}()
	}()

	dialOnce := make(chan net.Conn, 1)
	dialOnce <- clientConn
	embedder := newTestEmbedder()

	runner, err := NewRunner(
		WithAddrs(TCPAddr("fake", 0)),
		WithDialFunc(func(ctx context.Context, addr Addr, tlsConf *tls.Config) (net.Conn, error) {
			select {
			case c := <-dialOnce:
				return c, nil
			default:
				return nil, errors.New("fake dialer exhausted")
			}
		}),
		WithCache(memcache.New()),
		WithEmbedder(embedder),
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer runner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	select {
	case info := <-embedder.connected:
		if info["name"] != "teststore" {
			t.Fatalf("NotifyConnected info = %+v", info)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for NotifyConnected")
	}

	v, err := runner.Call(ctx, "echo", "ping")
	if err != nil {
		t.Fatalf("Call(echo): %v", err)
	}
	raw, ok := v.([]byte)
	if !ok {
		t.Fatalf("Call(echo) result type = %T, want []byte", v)
	}
	var got string
	if err := (GobCodec{}).DecodeArgs(raw, &got); err != nil {
		t.Fatalf("decode echo reply: %v", err)
	}
	if got != "ping" {
		t.Fatalf("echo reply = %q, want ping", got)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("fake server: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fake server script never finished")
	}
}

// TestProtocolLoadBeforeCoalescesIdenticalKey exercises the coalesced-read
// path directly at the Protocol level: two load_before calls for the same
// (oid, tid) share one pending Completion and put only one frame on the
// wire (spec.md §4.1's "coalesced read").
func TestProtocolLoadBeforeCoalescesIdenticalKey(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	cl := &Client{cfg: &cfg{codec: GobCodec{}, logger: nopLogger{}}}
	p := newProtocol(cl, TCPAddr("fake", 0))
	p.conn = newFrameConn(clientConn, 0)

	serverFC := newFrameConn(serverConn, 0)
	reqCh := make(chan Frame, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		f, err := recvFrame(serverFC)
		if err != nil {
			recvErrCh <- err
			return
		}
		reqCh <- f
	}()

	c1 := p.LoadBefore(5, 10)
	c2 := p.LoadBefore(5, 10)
	if c1 != c2 {
		t.Fatal("expected LoadBefore to coalesce identical (oid, tid) requests into one Completion")
	}

	var req Frame
	select {
	case req = <-reqCh:
	case err := <-recvErrCh:
		t.Fatalf("server recv: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server never received the coalesced loadBefore frame")
	}
	if req.Method != "loadBefore" {
		t.Fatalf("method = %q, want loadBefore", req.Method)
	}

	revPayload, err := (GobCodec{}).EncodeArgs(Revision{Data: []byte("rev-data"), Start: 1})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- sendFrame(serverFC, Frame{MsgID: req.MsgID, Method: replyMethod, Args: revPayload})
	}()

	raw, err := p.conn.readRaw(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("client read reply: %v", err)
	}
	if err := <-sendErrCh; err != nil {
		t.Fatalf("server send reply: %v", err)
	}
	replyFrame, err := (GobCodec{}).Decode(raw)
	if err != nil {
		t.Fatalf("client decode reply: %v", err)
	}
	p.onFrame(replyFrame)

	v1, err := c1.Wait()
	if err != nil {
		t.Fatalf("c1.Wait: %v", err)
	}
	rev := decodeRevision(GobCodec{}, v1.([]byte))
	if string(rev.Data) != "rev-data" {
		t.Fatalf("rev.Data = %q, want rev-data", rev.Data)
	}
}
