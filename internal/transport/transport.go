// Package transport implements the encrypted control channel between a
// tunnel client and the broker. Two transport kinds are supported,
// WebSocket and QUIC; both carry the same capability set (send, receive,
// close) and are dispatched by kind rather than through an open-ended
// interface.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"github.com/burrownet/burrow/internal/tunnelproto"
)

// Kind selects the wire transport carrying the control protocol.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindQUIC      Kind = "quic"
)

// ParseKind validates a transport kind from configuration input.
func ParseKind(v string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "ws", "websocket":
		return KindWebSocket, nil
	case "quic":
		return KindQUIC, nil
	case "":
		return KindWebSocket, nil
	}
	return "", fmt.Errorf("unknown transport kind %q", v)
}

// NextProto is the ALPN protocol identifier for the QUIC transport.
const NextProto = "burrow-tunnel-v1"

const writeTimeout = 15 * time.Second

// Session is a single established control channel. The zero value is not
// usable; sessions are produced by [Dial] on the client side and by the
// broker's acceptors on the server side.
type Session struct {
	kind Kind

	ws *websocket.Conn

	quicConn *quic.Conn
	stream   *quic.Stream
	reader   *bufio.Reader

	writeMu sync.Mutex
}

// NewWebSocketSession wraps an upgraded WebSocket connection.
func NewWebSocketSession(conn *websocket.Conn) *Session {
	return &Session{kind: KindWebSocket, ws: conn}
}

// NewQUICSession wraps an accepted QUIC connection and its control stream.
func NewQUICSession(conn *quic.Conn, stream *quic.Stream) *Session {
	return &Session{
		kind:     KindQUIC,
		quicConn: conn,
		stream:   stream,
		reader:   bufio.NewReader(stream),
	}
}

// Kind reports which wire transport backs the session.
func (s *Session) Kind() Kind { return s.kind }

// Send writes one control message. Writes are serialized; a write error
// poisons the session and the caller is expected to discard it.
func (s *Session) Send(msg tunnelproto.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	switch s.kind {
	case KindWebSocket:
		if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = s.ws.Close()
			return err
		}
		defer func() { _ = s.ws.SetWriteDeadline(time.Time{}) }()
		err := s.ws.WriteJSON(msg)
		if err != nil {
			_ = s.ws.Close()
		}
		return err
	case KindQUIC:
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := s.stream.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		defer func() { _ = s.stream.SetWriteDeadline(time.Time{}) }()
		_, err = s.stream.Write(append(data, '\n'))
		return err
	}
	return fmt.Errorf("unknown transport kind %q", s.kind)
}

// Receive blocks until the next control message arrives or the session is
// closed. ReceiveDeadline bounds a single wait; a zero deadline waits
// indefinitely.
func (s *Session) Receive(deadline time.Time) (tunnelproto.Message, error) {
	var msg tunnelproto.Message
	switch s.kind {
	case KindWebSocket:
		if err := s.ws.SetReadDeadline(deadline); err != nil {
			return msg, err
		}
		if err := s.ws.ReadJSON(&msg); err != nil {
			return msg, err
		}
		return msg, nil
	case KindQUIC:
		if err := s.stream.SetReadDeadline(deadline); err != nil {
			return msg, err
		}
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			return msg, err
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			return msg, err
		}
		return msg, nil
	}
	return msg, fmt.Errorf("unknown transport kind %q", s.kind)
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	switch s.kind {
	case KindWebSocket:
		return s.ws.Close()
	case KindQUIC:
		if s.stream != nil {
			_ = s.stream.Close()
		}
		return s.quicConn.CloseWithError(0, "session closed")
	}
	return nil
}
