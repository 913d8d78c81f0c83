// Package tunnelproto defines the JSON control protocol exchanged between
// the burrow broker and its tunnel clients over an encrypted transport
// session. One session carries the control traffic of exactly one tunnel.
package tunnelproto

import (
	"errors"
	"fmt"

	"github.com/burrownet/burrow/internal/domain"
)

// Message kinds identify the type of payload carried by a [Message].
const (
	KindRegister     = "register"
	KindRegisterOK   = "register_ok"
	KindRegisterFail = "register_fail"
	KindHeartbeat    = "heartbeat"
	KindHeartbeatAck = "heartbeat_ack"
	KindClose        = "close"
)

// Registration failure codes carried by [RegisterFail].
const (
	CodeDuplicateSubdomain = "duplicate_subdomain"
	CodeInvalidTarget      = "invalid_target"
	CodeResourceExhausted  = "resource_exhausted"
	CodeInternal           = "internal"
)

// Message is the top-level envelope exchanged on the tunnel session.
type Message struct {
	Kind         string        `json:"kind"`
	Register     *Register     `json:"register,omitempty"`
	RegisterOK   *RegisterOK   `json:"register_ok,omitempty"`
	RegisterFail *RegisterFail `json:"register_fail,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
	Close        *Close        `json:"close,omitempty"`
}

// Register is the client's bind request. BindingID is set on reconnect
// attempts so the broker can resume a degraded binding in place.
type Register struct {
	Name      string `json:"name,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	LocalHost string `json:"local_host,omitempty"`
	LocalPort int    `json:"local_port"`
	BindingID string `json:"binding_id,omitempty"`
}

// RegisterOK is the broker's acceptance of a [Register].
type RegisterOK struct {
	BindingID      string `json:"binding_id"`
	SessionID      string `json:"session_id"`
	Subdomain      string `json:"subdomain"`
	RemoteEndpoint string `json:"remote_endpoint"`
	Resumed        bool   `json:"resumed,omitempty"`
}

// RegisterFail is the broker's rejection of a [Register].
type RegisterFail struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

// Err converts the rejection into the matching sentinel error.
func (f *RegisterFail) Err() error {
	base := domain.ErrTransport
	switch f.Code {
	case CodeDuplicateSubdomain:
		base = domain.ErrDuplicateSubdomain
	case CodeInvalidTarget:
		base = domain.ErrInvalidTarget
	case CodeResourceExhausted:
		base = domain.ErrResourceExhausted
	}
	return fmt.Errorf("%w: %s", base, f.Reason)
}

// FailFor maps a registration error onto its wire representation.
func FailFor(err error) *RegisterFail {
	code := CodeInternal
	switch {
	case errors.Is(err, domain.ErrDuplicateSubdomain):
		code = CodeDuplicateSubdomain
	case errors.Is(err, domain.ErrInvalidTarget):
		code = CodeInvalidTarget
	case errors.Is(err, domain.ErrResourceExhausted):
		code = CodeResourceExhausted
	}
	return &RegisterFail{Reason: err.Error(), Code: code}
}

// Heartbeat refreshes the broker's liveness bookkeeping for a session.
type Heartbeat struct {
	SessionID string `json:"session_id"`
}

// Close tears a session down gracefully. Clients send it with their
// session id; the broker sends it with a reason when the binding is gone.
type Close struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
