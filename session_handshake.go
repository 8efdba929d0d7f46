package nsq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pior/nsq/wire"
)

// Handshake stages reported in HandshakeError.Stage.
const (
	stageMagic     = "magic"
	stageIdentify  = "identify"
	stageAuth      = "auth"
	stageSubscribe = "subscribe"
)

// sendMagic writes the protocol version marker.
func sendMagic(conn *Connection) error {
	if err := conn.WriteMagic(); err != nil {
		return &HandshakeError{Stage: stageMagic, Err: err}
	}
	return nil
}

// identify sends IDENTIFY and returns the parameters in effect for the connection.
// A plain OK keeps the requested values; a JSON body is adopted.
func identify(ctx context.Context, conn *Connection, cfg Config) (*ConnectionConfig, error) {
	cc := newConnectionConfig(cfg)

	cmd, err := wire.Identify(cfg.identifyBody())
	if err != nil {
		return nil, err
	}

	frame, err := conn.Send(ctx, cmd)
	if err != nil {
		return nil, &HandshakeError{Stage: stageIdentify, Err: err}
	}

	if frame.IsOK() {
		return cc, nil
	}

	var resp IdentifyResponse
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		return nil, &HandshakeError{Stage: stageIdentify, Err: fmt.Errorf("decoding response %q: %w", frame.Payload, err)}
	}
	cc.adopt(&resp)

	switch {
	case resp.TLSv1:
		return nil, &HandshakeError{Stage: stageIdentify, Err: fmt.Errorf("%w: tls_v1", ErrUnsupportedFeature)}
	case resp.Snappy:
		return nil, &HandshakeError{Stage: stageIdentify, Err: fmt.Errorf("%w: snappy", ErrUnsupportedFeature)}
	case resp.Deflate:
		return nil, &HandshakeError{Stage: stageIdentify, Err: fmt.Errorf("%w: deflate", ErrUnsupportedFeature)}
	}

	return cc, nil
}

// authenticate sends AUTH when the daemon requires it.
// A secret configured for a daemon that does not require auth is not sent.
func authenticate(ctx context.Context, conn *Connection, cfg Config, cc *ConnectionConfig, logger zerolog.Logger) error {
	if !cc.AuthRequired {
		if cfg.AuthSecret != "" {
			logger.Warn().Msg("auth secret configured but the daemon does not require auth")
		}
		return nil
	}
	if cfg.AuthSecret == "" {
		return &HandshakeError{Stage: stageAuth, Err: ErrAuthRequired}
	}

	frame, err := conn.Send(ctx, wire.Auth(cfg.AuthSecret))
	if err != nil {
		return &HandshakeError{Stage: stageAuth, Err: err}
	}

	var resp AuthResponse
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		return &HandshakeError{Stage: stageAuth, Err: fmt.Errorf("decoding response %q: %w", frame.Payload, err)}
	}
	cc.Auth = &resp

	logger.Info().
		Str("identity", resp.Identity).
		Str("identity_url", resp.IdentityURL).
		Int64("permissions", resp.PermissionCount).
		Msg("authenticated")
	return nil
}

// subscribe sends SUB and expects OK.
func subscribe(ctx context.Context, conn *Connection, topic, channel string) error {
	cmd, err := wire.Subscribe(topic, channel)
	if err != nil {
		return err
	}

	frame, err := conn.Send(ctx, cmd)
	if err != nil {
		return &HandshakeError{Stage: stageSubscribe, Err: err}
	}
	if !frame.IsOK() {
		return &HandshakeError{Stage: stageSubscribe, Err: fmt.Errorf("unexpected response %q", frame.Payload)}
	}
	return nil
}
