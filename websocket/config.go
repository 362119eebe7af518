package websocket

import (
	"math"
	"net/http"
	"time"
)

// NoLimit disables a size cap entirely. Prefer a concrete limit; this
// exists for callers who have already bounded memory elsewhere (e.g. behind
// a reverse proxy that caps request size).
const NoLimit = math.MaxUint64

// Default values for Config, applied by DefaultConfig.
const (
	// DefaultMaxFrameSize and DefaultMaxMessageSize follow the spec's
	// recommendation (§9): the protocol allows unbounded sizes, but an
	// implementation that defaults to unlimited is a DoS footgun.
	DefaultMaxFrameSize   = 64 * 1024 * 1024
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultCompressionThreshold is the payload size below which
	// permessage-deflate is skipped even when negotiated (RFC leaves this
	// unspecified; 8 KiB is this library's chosen default, matching common
	// practice in the ecosystem).
	DefaultCompressionThreshold = 8 * 1024

	DefaultOutboundQueueSize = 32
	DefaultInboundQueueSize  = 32

	DefaultHandshakeTimeout = 10 * time.Second

	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// Config holds the options recognized by both connection roles (§3's
// "Fingerprinted configuration" table). A Config is copied into a Conn at
// construction time; mutating a Config value after a connection has started
// has no effect on that connection.
type Config struct {
	// MaxFrameSize rejects any frame whose payload length header exceeds
	// this value. Use NoLimit to disable.
	MaxFrameSize uint64 `json:"maxFrameSize"`

	// MaxMessageSize rejects a reassembled message that would exceed this
	// value, whether or not permessage-deflate is in play (the limit
	// applies to the decompressed size). Use NoLimit to disable.
	MaxMessageSize uint64 `json:"maxMessageSize"`

	// EnableDeflate offers/accepts the permessage-deflate extension.
	EnableDeflate bool `json:"enableDeflate"`

	// CompressionThreshold is the minimum outbound message size, in bytes,
	// that triggers compression. Smaller messages are sent uncompressed
	// (rsv1=0) even when deflate is negotiated.
	CompressionThreshold int `json:"compressionThreshold"`

	// ClientNoContextTakeover requests/requires the client side reset its
	// compressor after every message.
	ClientNoContextTakeover bool `json:"clientNoContextTakeover"`

	// ServerNoContextTakeover requests/requires the server side reset its
	// compressor after every message.
	ServerNoContextTakeover bool `json:"serverNoContextTakeover"`

	// ClientMaxWindowBits / ServerMaxWindowBits request an LZ77 window size
	// in [8,15]. Zero means "no preference" (negotiated value defaults to
	// 15).
	ClientMaxWindowBits int `json:"clientMaxWindowBits"`
	ServerMaxWindowBits int `json:"serverMaxWindowBits"`

	// OutboundQueueSize / InboundQueueSize bound the writer's intake queue
	// and the caller-facing message queue, respectively (§5's back-pressure
	// requirement).
	OutboundQueueSize int `json:"outboundQueueSize"`
	InboundQueueSize  int `json:"inboundQueueSize"`

	// HandshakeTimeout bounds the opening handshake on both roles.
	// Exceeding it yields HandshakeError with a timeout cause.
	HandshakeTimeout time.Duration `json:"handshakeTimeout"`
}

// DefaultConfig returns the recommended defaults from §4.7.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxMessageSize:       DefaultMaxMessageSize,
		EnableDeflate:        false,
		CompressionThreshold: DefaultCompressionThreshold,
		OutboundQueueSize:    DefaultOutboundQueueSize,
		InboundQueueSize:     DefaultInboundQueueSize,
		HandshakeTimeout:     DefaultHandshakeTimeout,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = def.OutboundQueueSize
	}
	if c.InboundQueueSize == 0 {
		c.InboundQueueSize = def.InboundQueueSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
}

// ServerConfig configures the server side of the handshake (§4.4, §4.7).
type ServerConfig struct {
	Config

	// Subprotocols advertised by the server. The server selects the first
	// match from the client's requested list. Empty = no negotiation.
	Subprotocols []string `json:"subprotocols"`

	// CheckOrigin verifies the Origin header. nil allows all origins
	// (insecure default, matching the teacher).
	CheckOrigin func(*http.Request) bool `json:"-"`

	ReadBufferSize  int `json:"readBufferSize"`
	WriteBufferSize int `json:"writeBufferSize"`
}

// DefaultServerConfig returns server defaults with the common Config
// defaults applied.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Config:          DefaultConfig(),
		ReadBufferSize:  defaultReadBufferSize,
		WriteBufferSize: defaultWriteBufferSize,
	}
}

func (c *ServerConfig) applyDefaults() {
	c.Config.applyDefaults()
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaultWriteBufferSize
	}
}

// ClientConfig configures the client side of the handshake (§4.4, §4.7).
type ClientConfig struct {
	Config

	// CAFile is a PEM bundle of trust roots for wss:// connections. Empty
	// uses the system trust store.
	CAFile string `json:"caFile"`

	// AdditionalHeaders are merged into the opening HTTP request.
	AdditionalHeaders http.Header `json:"-"`

	// Subprotocols offered to the server via Sec-WebSocket-Protocol.
	Subprotocols []string `json:"subprotocols"`

	ReadBufferSize  int `json:"readBufferSize"`
	WriteBufferSize int `json:"writeBufferSize"`
}

// DefaultClientConfig returns client defaults with the common Config
// defaults applied.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Config:          DefaultConfig(),
		ReadBufferSize:  defaultReadBufferSize,
		WriteBufferSize: defaultWriteBufferSize,
	}
}

func (c *ClientConfig) applyDefaults() {
	c.Config.applyDefaults()
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaultWriteBufferSize
	}
}
