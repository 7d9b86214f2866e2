// Package errors provides the typed control-plane error taxonomy shared by
// the registry, brokers, and HTTP API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. These travel to agents and viewers as short strings, so they
// are part of the wire contract and must not be renamed.
const (
	KindAuthFailed        = "AUTH_FAILED"
	KindNotConnected      = "NOT_CONNECTED"
	KindNotAuthorized     = "NOT_AUTHORIZED"
	KindProtocolError     = "PROTOCOL_ERROR"
	KindLimitExceeded     = "LIMIT_EXCEEDED"
	KindTimeout           = "TIMEOUT"
	KindAgentDisconnected = "AGENT_DISCONNECTED"
	KindPeerError         = "PEER_ERROR"
	KindPolicyDenied      = "POLICY_DENIED"
	KindChecksumMismatch  = "CHECKSUM_MISMATCH"
	KindInternal          = "INTERNAL"
)

// ControlError carries a taxonomy kind alongside a human-readable message.
type ControlError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *ControlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *ControlError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to an HTTP status code for API responses.
func (e *ControlError) HTTPStatus() int {
	switch e.Kind {
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindNotAuthorized, KindPolicyDenied:
		return http.StatusForbidden
	case KindNotConnected, KindAgentDisconnected:
		return http.StatusNotFound
	case KindLimitExceeded:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProtocolError, KindChecksumMismatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Kind extracts the taxonomy kind from any error, defaulting to INTERNAL.
func Kind(err error) string {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// AuthFailed reports a failed token or credential check. The message must not
// leak whether the token existed.
func AuthFailed(message string) *ControlError {
	return &ControlError{Kind: KindAuthFailed, Message: message}
}

// NotConnected reports that the target agent has no live session.
func NotConnected(message string) *ControlError {
	return &ControlError{Kind: KindNotConnected, Message: message}
}

// NotAuthorized reports a scope or ownership violation.
func NotAuthorized(message string) *ControlError {
	return &ControlError{Kind: KindNotAuthorized, Message: message}
}

// Protocol reports a wire-protocol violation such as a missing binary frame.
func Protocol(message string) *ControlError {
	return &ControlError{Kind: KindProtocolError, Message: message}
}

// LimitExceeded reports a per-agent or per-user resource cap.
func LimitExceeded(message string) *ControlError {
	return &ControlError{Kind: KindLimitExceeded, Message: message}
}

// Timeout reports an expired command deadline.
func Timeout(message string) *ControlError {
	return &ControlError{Kind: KindTimeout, Message: message}
}

// AgentDisconnected reports a socket close while work was pending.
func AgentDisconnected(message string) *ControlError {
	return &ControlError{Kind: KindAgentDisconnected, Message: message}
}

// Peer wraps an error string reported by the agent itself.
func Peer(message string) *ControlError {
	return &ControlError{Kind: KindPeerError, Message: message}
}

// PolicyDenied reports a license or permission denial.
func PolicyDenied(message string) *ControlError {
	return &ControlError{Kind: KindPolicyDenied, Message: message}
}

// ChecksumMismatch reports a failed file-transfer integrity check.
func ChecksumMismatch(message string) *ControlError {
	return &ControlError{Kind: KindChecksumMismatch, Message: message}
}

// Internal wraps an unexpected server-side failure.
func Internal(message string, err error) *ControlError {
	return &ControlError{Kind: KindInternal, Message: message, Err: err}
}
