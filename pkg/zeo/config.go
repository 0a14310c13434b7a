package zeo

import (
	"crypto/tls"
	"time"
)

// cfg holds every Client-wide setting, filled in by ClientOpt functions
// passed to NewClient — the same functional-options shape the teacher
// uses for kgo.NewClient(opts ...Opt).
type cfg struct {
	addrs      []Addr
	storageKey string
	readOnly   ReadOnlyMode

	tlsConfig *tls.Config
	dialFn    dialFunc
	codec     Codec

	maxVersion VersionTag

	connectPoll        time.Duration
	registerFailedPoll time.Duration
	heartbeatInterval  time.Duration
	connIdleTimeout    time.Duration
	maxReadFrameBytes  int32

	maxPrefetch int64 // semaphore weight for Client.Prefetch fan-out

	blobCodecName string

	defaultCallTimeout time.Duration // Runner.Call fallback when ctx has no deadline
	runnerQueueDepth   int

	logger Logger
	hooks  hookList

	rngSeed   int64
	seededRNG bool

	cache    Cache
	embedder Embedder
}

func defaultCfg() *cfg {
	return &cfg{
		readOnly:           ReadWrite,
		dialFn:             defaultDial,
		codec:              GobCodec{},
		maxVersion:         MaxVersion,
		connectPoll:        3 * time.Second,
		registerFailedPoll: 3 * time.Second,
		heartbeatInterval:  60 * time.Second,
		connIdleTimeout:    2 * time.Minute,
		maxReadFrameBytes:  64 << 20,
		maxPrefetch:        32,
		blobCodecName:      "none",
		defaultCallTimeout: 30 * time.Second,
		runnerQueueDepth:   256,
		logger:             nopLogger{},
		embedder:           NopEmbedder{},
	}
}

// ClientOpt configures a Client at construction time.
type ClientOpt func(*cfg)

// WithAddrs sets the candidate addresses raced during connect.
func WithAddrs(addrs ...Addr) ClientOpt { return func(c *cfg) { c.addrs = addrs } }

// WithStorageKey sets the credential passed to register().
func WithStorageKey(key string) ClientOpt { return func(c *cfg) { c.storageKey = key } }

// WithReadOnly sets the client-wide write preference.
func WithReadOnly(mode ReadOnlyMode) ClientOpt { return func(c *cfg) { c.readOnly = mode } }

// WithTLS enables TLS for TCP addresses.
func WithTLS(conf *tls.Config) ClientOpt { return func(c *cfg) { c.tlsConfig = conf } }

// WithDialFunc overrides how connections are opened; used by tests to
// connect to an in-process fake server.
func WithDialFunc(fn dialFunc) ClientOpt { return func(c *cfg) { c.dialFn = fn } }

// WithCodec overrides the wire codec (see Codec).
func WithCodec(codec Codec) ClientOpt { return func(c *cfg) { c.codec = codec } }

// WithMaxVersion caps the protocol version this client advertises.
func WithMaxVersion(v VersionTag) ClientOpt { return func(c *cfg) { c.maxVersion = v } }

// WithConnectPoll sets the base retry delay after a failed connect
// attempt (spec.md §4.1: "connect_poll + U[0,1)").
func WithConnectPoll(d time.Duration) ClientOpt { return func(c *cfg) { c.connectPoll = d } }

// WithRegisterFailedPoll sets the base retry delay after every
// candidate Protocol fails registration (spec.md §4.2).
func WithRegisterFailedPoll(d time.Duration) ClientOpt {
	return func(c *cfg) { c.registerFailedPoll = d }
}

// WithHeartbeatInterval sets how often a Protocol emits its keepalive
// frame.
func WithHeartbeatInterval(d time.Duration) ClientOpt {
	return func(c *cfg) { c.heartbeatInterval = d }
}

// WithConnIdleTimeout sets the interval at which Runner.reapConnectionsLoop
// sweeps redundant candidate connections.
func WithConnIdleTimeout(d time.Duration) ClientOpt {
	return func(c *cfg) { c.connIdleTimeout = d }
}

// WithMaxPrefetch bounds concurrent fire-and-forget prefetch loads.
func WithMaxPrefetch(n int64) ClientOpt { return func(c *cfg) { c.maxPrefetch = n } }

// WithBlobCodec selects a BlobCodec by name: "none", "s2", "snappy", or
// "lz4".
func WithBlobCodec(name string) ClientOpt { return func(c *cfg) { c.blobCodecName = name } }

// WithLogger installs a Logger; the default discards everything.
func WithLogger(l Logger) ClientOpt { return func(c *cfg) { c.logger = l } }

// WithHooks installs observability hooks (see Hook).
func WithHooks(hooks ...Hook) ClientOpt { return func(c *cfg) { c.hooks = append(c.hooks, hooks...) } }

// WithSeededRand pins the jitter RNG seed, for deterministic tests
// (spec.md §4.1: "random jitter from a dedicated generator to allow
// seeded tests").
func WithSeededRand(seed int64) ClientOpt {
	return func(c *cfg) { c.rngSeed, c.seededRNG = seed, true }
}

// WithCache installs the persistent cache (an external collaborator;
// see memcache for a process-lifetime reference implementation).
func WithCache(cache Cache) ClientOpt { return func(c *cfg) { c.cache = cache } }

// WithEmbedder installs the embedding application callback surface.
func WithEmbedder(e Embedder) ClientOpt { return func(c *cfg) { c.embedder = e } }

// WithDefaultCallTimeout sets the Runner.Call timeout used when the
// caller's context carries no deadline.
func WithDefaultCallTimeout(d time.Duration) ClientOpt {
	return func(c *cfg) { c.defaultCallTimeout = d }
}

// WithRunnerQueueDepth sets the buffer size of the Runner's I/O-thread
// work queue.
func WithRunnerQueueDepth(n int) ClientOpt { return func(c *cfg) { c.runnerQueueDepth = n } }
