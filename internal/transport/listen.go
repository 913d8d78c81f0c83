package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"
)

// QUICListener accepts inbound QUIC control sessions on the broker side.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC binds the broker's QUIC tunnel endpoint. The TLS config must
// carry a server certificate; the ALPN protocol is forced to [NextProto].
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil {
		return nil, fmt.Errorf("quic listener requires a TLS config")
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{NextProto}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

// Accept waits for the next client connection and its control stream.
func (l *QUICListener) Accept(ctx context.Context) (*Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no control stream")
		return nil, err
	}
	return NewQUICSession(conn, stream), nil
}

// Addr reports the bound address.
func (l *QUICListener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting new sessions.
func (l *QUICListener) Close() error {
	return l.ln.Close()
}
