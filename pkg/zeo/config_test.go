package zeo

import (
	"testing"
	"time"
)

func TestDefaultCfg(t *testing.T) {
	c := defaultCfg()
	if c.readOnly != ReadWrite {
		t.Fatalf("default readOnly = %v, want ReadWrite", c.readOnly)
	}
	if c.maxVersion != MaxVersion {
		t.Fatalf("default maxVersion = %v, want %v", c.maxVersion, MaxVersion)
	}
	if _, ok := c.codec.(GobCodec); !ok {
		t.Fatalf("default codec = %T, want GobCodec", c.codec)
	}
	if c.blobCodecName != "none" {
		t.Fatalf("default blobCodecName = %q, want none", c.blobCodecName)
	}
	if _, ok := c.logger.(nopLogger); !ok {
		t.Fatalf("default logger = %T, want nopLogger", c.logger)
	}
	if _, ok := c.embedder.(NopEmbedder); !ok {
		t.Fatalf("default embedder = %T, want NopEmbedder", c.embedder)
	}
}

func TestClientOptsOverrideDefaults(t *testing.T) {
	c := defaultCfg()
	addrs := []Addr{TCPAddr("h", 1), UnixAddr("/p")}
	opts := []ClientOpt{
		WithAddrs(addrs...),
		WithStorageKey("k"),
		WithReadOnly(Fallback),
		WithMaxVersion(V2),
		WithConnectPoll(time.Second),
		WithRegisterFailedPoll(2 * time.Second),
		WithHeartbeatInterval(3 * time.Second),
		WithConnIdleTimeout(4 * time.Second),
		WithMaxPrefetch(9),
		WithBlobCodec("s2"),
		WithSeededRand(42),
		WithDefaultCallTimeout(5 * time.Second),
		WithRunnerQueueDepth(7),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.addrs) != 2 || c.addrs[0] != addrs[0] {
		t.Fatalf("addrs not applied: %+v", c.addrs)
	}
	if c.storageKey != "k" {
		t.Fatalf("storageKey = %q", c.storageKey)
	}
	if c.readOnly != Fallback {
		t.Fatalf("readOnly = %v", c.readOnly)
	}
	if c.maxVersion != V2 {
		t.Fatalf("maxVersion = %v", c.maxVersion)
	}
	if c.connectPoll != time.Second {
		t.Fatalf("connectPoll = %v", c.connectPoll)
	}
	if c.registerFailedPoll != 2*time.Second {
		t.Fatalf("registerFailedPoll = %v", c.registerFailedPoll)
	}
	if c.heartbeatInterval != 3*time.Second {
		t.Fatalf("heartbeatInterval = %v", c.heartbeatInterval)
	}
	if c.connIdleTimeout != 4*time.Second {
		t.Fatalf("connIdleTimeout = %v", c.connIdleTimeout)
	}
	if c.maxPrefetch != 9 {
		t.Fatalf("maxPrefetch = %v", c.maxPrefetch)
	}
	if c.blobCodecName != "s2" {
		t.Fatalf("blobCodecName = %v", c.blobCodecName)
	}
	if !c.seededRNG || c.rngSeed != 42 {
		t.Fatalf("seeded rand not applied: seeded=%v seed=%v", c.seededRNG, c.rngSeed)
	}
	if c.defaultCallTimeout != 5*time.Second {
		t.Fatalf("defaultCallTimeout = %v", c.defaultCallTimeout)
	}
	if c.runnerQueueDepth != 7 {
		t.Fatalf("runnerQueueDepth = %v", c.runnerQueueDepth)
	}
}
