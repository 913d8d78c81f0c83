package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
)

// DialConfig describes how a client reaches the broker's tunnel endpoint.
type DialConfig struct {
	Kind Kind

	// URL is the broker tunnel endpoint: a ws:// or wss:// URL for the
	// WebSocket kind, or a host:port address for the QUIC kind.
	URL string

	TLS              *tls.Config
	HandshakeTimeout time.Duration
}

const defaultHandshakeTimeout = 10 * time.Second

// Dial establishes a control session with the broker. The context bounds
// the whole connection attempt and cancels it immediately when the caller
// stops the tunnel.
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	switch cfg.Kind {
	case KindWebSocket:
		dialer := websocket.Dialer{
			HandshakeTimeout: timeout,
			TLSClientConfig:  cfg.TLS,
		}
		conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket connect: %w (status %d)", err, resp.StatusCode)
			}
			return nil, fmt.Errorf("websocket connect: %w", err)
		}
		return NewWebSocketSession(conn), nil

	case KindQUIC:
		addr, err := quicAddr(cfg.URL)
		if err != nil {
			return nil, err
		}
		tlsConf := cfg.TLS
		if tlsConf == nil {
			tlsConf = &tls.Config{MinVersion: tls.VersionTLS13}
		} else {
			tlsConf = tlsConf.Clone()
		}
		tlsConf.NextProtos = []string{NextProto}
		conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{HandshakeIdleTimeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("quic connect: %w", err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "no control stream")
			return nil, fmt.Errorf("quic control stream: %w", err)
		}
		return NewQUICSession(conn, stream), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}

// quicAddr accepts either a bare host:port or a quic://host:port URL.
func quicAddr(v string) (string, error) {
	if u, err := url.Parse(v); err == nil && u.Scheme == "quic" {
		if u.Host == "" {
			return "", fmt.Errorf("quic endpoint %q has no host", v)
		}
		return u.Host, nil
	}
	if v == "" {
		return "", fmt.Errorf("empty quic endpoint")
	}
	return v, nil
}
