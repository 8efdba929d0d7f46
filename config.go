package nsq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("nsq: invalid config")

// Config holds the configuration of a consumer Session.
// The zero value is usable: every field has a documented default.
type Config struct {
	// ClientID identifies this client to the daemon.
	// Default: the short hostname.
	ClientID string

	// Hostname is reported to the daemon.
	// Default: os.Hostname().
	Hostname string

	// UserAgent is reported to the daemon.
	// Default: "pior-nsq/<version>".
	UserAgent string

	// HeartbeatInterval is the requested heartbeat interval.
	// Negative disables heartbeats. Default: 30 seconds.
	HeartbeatInterval time.Duration

	// SampleRate asks the daemon to deliver only this percentage (1-99) of messages.
	// Zero disables sampling.
	SampleRate int

	// MsgTimeout is the requested server-side message timeout.
	// Zero uses the daemon default.
	MsgTimeout time.Duration

	// OutputBufferSize and OutputBufferTimeout tune the daemon's write buffering.
	// Zero uses the daemon defaults; -1 disables buffering.
	OutputBufferSize    int64
	OutputBufferTimeout time.Duration

	// TLS, Snappy, Deflate and DeflateLevel are passed through to IDENTIFY.
	// The session does not implement TLS or compression: if the daemon enables
	// one of them, the handshake fails with ErrUnsupportedFeature.
	TLS          bool
	Snappy       bool
	Deflate      bool
	DeflateLevel int

	// MaxInFlight is the RDY ceiling (full readiness window).
	// Default: 1.
	MaxInFlight int

	// InitialRDY is sent after subscribing. It cannot be 0: a connection
	// advertising RDY 0 never receives the message that would raise it.
	// Default: 1 (zero selects the default).
	InitialRDY int

	// BackoffBaseDelay is the base of the exponential message backoff.
	// Default: 1 second.
	BackoffBaseDelay time.Duration

	// BackoffMaxDelay caps the message backoff.
	// Default: 2 minutes.
	BackoffMaxDelay time.Duration

	// BackoffMaxExponent caps the exponent of the message backoff.
	// Default: 10.
	BackoffMaxExponent int

	// BackoffRecoveryThreshold is the number of consecutive successful probes
	// needed to leave backoff. Default: 1.
	BackoffRecoveryThreshold int

	// Reconnect is the delay policy between connection attempts.
	Reconnect ReconnectPolicy

	// AuthSecret is sent with AUTH when set.
	AuthSecret string

	// MaxAttempts finishes messages delivered more than this many times
	// without handing them to HandleMessage. Zero disables the check.
	MaxAttempts uint16

	// DialTimeout bounds connection establishment. Default: 5 seconds.
	DialTimeout time.Duration

	// ReadTimeout bounds handshake reads. Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout bounds every write. Default: 1 second.
	WriteTimeout time.Duration

	// CloseTimeout bounds the wait for CLOSE_WAIT. Default: 5 seconds.
	CloseTimeout time.Duration

	// MaxFrameSize bounds a single frame. Default: wire.DefaultMaxFrameSize.
	MaxFrameSize int

	// Dialer is used to open connections.
	// If nil, a net.Dialer with DialTimeout is used.
	Dialer Dialer

	// Logger receives session events. Default: disabled.
	Logger *zerolog.Logger

	// ErrorHandler is called from the session goroutine with errors the caller
	// cannot otherwise observe: error frames, handshake failures, desyncs.
	// It must not block.
	ErrorHandler func(err error)
}

// Dialer opens network connections; *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Version is reported in the default user agent.
const Version = "0.4.0"

func (c Config) withDefaults() Config {
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.ClientID == "" {
		c.ClientID = shortHostname(c.Hostname)
	}
	if c.UserAgent == "" {
		c.UserAgent = "pior-nsq/" + Version
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 1
	}
	if c.InitialRDY == 0 {
		c.InitialRDY = 1
	}
	if c.BackoffBaseDelay == 0 {
		c.BackoffBaseDelay = time.Second
	}
	if c.BackoffMaxDelay == 0 {
		c.BackoffMaxDelay = 2 * time.Minute
	}
	if c.BackoffMaxExponent == 0 {
		c.BackoffMaxExponent = 10
	}
	if c.BackoffRecoveryThreshold == 0 {
		c.BackoffRecoveryThreshold = 1
	}
	c.Reconnect = c.Reconnect.withDefaults()
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = time.Second
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.DialTimeout}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}

func (c Config) validate() error {
	if c.HeartbeatInterval > 0 && c.HeartbeatInterval < time.Second {
		return fmt.Errorf("%w: heartbeat interval %v below 1s", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.SampleRate < 0 || c.SampleRate > 99 {
		return fmt.Errorf("%w: sample rate %d outside 0-99", ErrInvalidConfig, c.SampleRate)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("%w: max in flight %d below 1", ErrInvalidConfig, c.MaxInFlight)
	}
	if c.InitialRDY < 1 || c.InitialRDY > c.MaxInFlight {
		return fmt.Errorf("%w: initial RDY %d outside 1-%d", ErrInvalidConfig, c.InitialRDY, c.MaxInFlight)
	}
	if c.BackoffBaseDelay < 0 || c.BackoffMaxDelay < c.BackoffBaseDelay {
		return fmt.Errorf("%w: backoff delays base=%v max=%v", ErrInvalidConfig, c.BackoffBaseDelay, c.BackoffMaxDelay)
	}
	if c.BackoffMaxExponent < 0 || c.BackoffRecoveryThreshold < 1 {
		return fmt.Errorf("%w: backoff exponent=%d recovery threshold=%d", ErrInvalidConfig, c.BackoffMaxExponent, c.BackoffRecoveryThreshold)
	}
	if c.Deflate && (c.DeflateLevel < 1 || c.DeflateLevel > 9) {
		return fmt.Errorf("%w: deflate level %d outside 1-9", ErrInvalidConfig, c.DeflateLevel)
	}
	return nil
}

func (c Config) flowConfig() FlowConfig {
	return FlowConfig{
		MaxInFlight:       c.MaxInFlight,
		InitialRDY:        c.InitialRDY,
		BaseDelay:         c.BackoffBaseDelay,
		MaxDelay:          c.BackoffMaxDelay,
		MaxExponent:       c.BackoffMaxExponent,
		RecoveryThreshold: c.BackoffRecoveryThreshold,
	}
}

func shortHostname(hostname string) string {
	for i := 0; i < len(hostname); i++ {
		if hostname[i] == '.' {
			return hostname[:i]
		}
	}
	return hostname
}

// identifyBody is the JSON body of IDENTIFY.
type identifyBody struct {
	ClientID            string `json:"client_id"`
	Hostname            string `json:"hostname"`
	UserAgent           string `json:"user_agent"`
	FeatureNegotiation  bool   `json:"feature_negotiation"`
	HeartbeatInterval   int64  `json:"heartbeat_interval"`
	OutputBufferSize    int64  `json:"output_buffer_size,omitempty"`
	OutputBufferTimeout int64  `json:"output_buffer_timeout,omitempty"`
	TLSv1               bool   `json:"tls_v1"`
	Snappy              bool   `json:"snappy"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level,omitempty"`
	SampleRate          int    `json:"sample_rate"`
	MsgTimeout          int64  `json:"msg_timeout,omitempty"`
}

func (c Config) identifyBody() identifyBody {
	heartbeat := int64(-1)
	if c.HeartbeatInterval > 0 {
		heartbeat = c.HeartbeatInterval.Milliseconds()
	}

	outputTimeout := c.OutputBufferTimeout.Milliseconds()
	if c.OutputBufferTimeout < 0 {
		outputTimeout = -1
	}

	return identifyBody{
		ClientID:            c.ClientID,
		Hostname:            c.Hostname,
		UserAgent:           c.UserAgent,
		FeatureNegotiation:  true,
		HeartbeatInterval:   heartbeat,
		OutputBufferSize:    c.OutputBufferSize,
		OutputBufferTimeout: outputTimeout,
		TLSv1:               c.TLS,
		Snappy:              c.Snappy,
		Deflate:             c.Deflate,
		DeflateLevel:        c.DeflateLevel,
		SampleRate:          c.SampleRate,
		MsgTimeout:          c.MsgTimeout.Milliseconds(),
	}
}

// IdentifyResponse is the feature negotiation body returned by the daemon.
type IdentifyResponse struct {
	MaxRdyCount         int64  `json:"max_rdy_count"`
	Version             string `json:"version"`
	MaxMsgTimeout       int64  `json:"max_msg_timeout"`
	MsgTimeout          int64  `json:"msg_timeout"`
	HeartbeatInterval   int64  `json:"heartbeat_interval,omitempty"`
	TLSv1               bool   `json:"tls_v1"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level"`
	MaxDeflateLevel     int    `json:"max_deflate_level"`
	Snappy              bool   `json:"snappy"`
	SampleRate          int    `json:"sample_rate"`
	AuthRequired        bool   `json:"auth_required"`
	OutputBufferSize    int64  `json:"output_buffer_size"`
	OutputBufferTimeout int64  `json:"output_buffer_timeout"`
}

// AuthResponse is the body returned by the daemon after AUTH.
type AuthResponse struct {
	Identity        string `json:"identity"`
	IdentityURL     string `json:"identity_url"`
	PermissionCount int64  `json:"permission_count"`
}

// defaultMsgTimeout is assumed when the daemon does not negotiate one.
const defaultMsgTimeout = 60 * time.Second

// ConnectionConfig holds the parameters in effect for one connection.
// It is created once during identify and replaced wholesale on reconnect.
type ConnectionConfig struct {
	ClientID            string
	Hostname            string
	UserAgent           string
	HeartbeatInterval   time.Duration // negative when disabled
	SampleRate          int
	MsgTimeout          time.Duration
	OutputBufferSize    int64
	OutputBufferTimeout time.Duration
	TLS                 bool
	Snappy              bool
	Deflate             bool
	DeflateLevel        int

	// MaxRDY is the daemon's max_rdy_count. Zero when not negotiated.
	MaxRDY int

	// AuthRequired is set when the daemon demands AUTH.
	AuthRequired bool

	// Auth is set after a successful AUTH.
	Auth *AuthResponse

	// Negotiated is nil when the daemon answered IDENTIFY with a plain OK.
	Negotiated *IdentifyResponse
}

// newConnectionConfig returns the requested parameters, before negotiation.
func newConnectionConfig(c Config) *ConnectionConfig {
	msgTimeout := c.MsgTimeout
	if msgTimeout <= 0 {
		msgTimeout = defaultMsgTimeout
	}
	heartbeat := c.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = -1
	}
	return &ConnectionConfig{
		ClientID:            c.ClientID,
		Hostname:            c.Hostname,
		UserAgent:           c.UserAgent,
		HeartbeatInterval:   heartbeat,
		SampleRate:          c.SampleRate,
		MsgTimeout:          msgTimeout,
		OutputBufferSize:    c.OutputBufferSize,
		OutputBufferTimeout: c.OutputBufferTimeout,
		TLS:                 c.TLS,
		Snappy:              c.Snappy,
		Deflate:             c.Deflate,
		DeflateLevel:        c.DeflateLevel,
	}
}

// adopt applies the negotiated values in place of the requested ones.
func (cc *ConnectionConfig) adopt(resp *IdentifyResponse) {
	cc.Negotiated = resp
	cc.MaxRDY = int(resp.MaxRdyCount)
	cc.AuthRequired = resp.AuthRequired
	cc.TLS = resp.TLSv1
	cc.Snappy = resp.Snappy
	cc.Deflate = resp.Deflate
	cc.DeflateLevel = resp.DeflateLevel
	cc.SampleRate = resp.SampleRate

	if resp.MsgTimeout > 0 {
		cc.MsgTimeout = time.Duration(resp.MsgTimeout) * time.Millisecond
	}
	switch {
	case resp.HeartbeatInterval > 0:
		cc.HeartbeatInterval = time.Duration(resp.HeartbeatInterval) * time.Millisecond
	case resp.HeartbeatInterval < 0:
		cc.HeartbeatInterval = -1
	}
	if resp.OutputBufferSize != 0 {
		cc.OutputBufferSize = resp.OutputBufferSize
	}
	if resp.OutputBufferTimeout != 0 {
		cc.OutputBufferTimeout = time.Duration(resp.OutputBufferTimeout) * time.Millisecond
	}
}
