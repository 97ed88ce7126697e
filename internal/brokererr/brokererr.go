// Package brokererr defines the Broker's error taxonomy. Every error the
// Broker surfaces to a caller carries one of these kinds so that phase
// checks, transport failures, and attestation failures can be told apart
// without string matching.
package brokererr

import "fmt"

// Kind classifies a Broker error.
type Kind string

const (
	PolicyInvalid        Kind = "policy_invalid"
	PolicyMismatch        Kind = "policy_mismatch"
	Unauthorized         Kind = "unauthorized"
	ProtocolOrder        Kind = "protocol_order"
	ProtocolArity        Kind = "protocol_arity"
	AttestationMismatch  Kind = "attestation_mismatch"
	AttestationTransport Kind = "attestation_transport"
	Transport            Kind = "transport"
	Decode               Kind = "decode"
	InvalidSession       Kind = "invalid_session"
	SessionClosed        Kind = "session_closed"
	Internal             Kind = "internal"
)

// Fatal reports whether errors of this kind close the owning session,
// per the propagation policy: attestation, transport, decode, and
// internal errors are fatal; phase/authorization errors are not.
func (k Kind) Fatal() bool {
	switch k {
	case AttestationMismatch, AttestationTransport, Transport, Decode, Internal:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a Kind and optional field name
// (used by AttestationMismatch to say which field failed).
type Error struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Field, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, brokererr.Sentinel(brokererr.PolicyMismatch))
// work by comparing Kind, since Kind is not itself an error.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a bare Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf("%s", msg)}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WrapField builds an AttestationMismatch-style Error naming the field
// that failed validation.
func WrapField(kind Kind, field string, err error) *Error {
	return &Error{Kind: kind, Field: field, Err: err}
}

// Sentinel returns a zero-value Error of the given kind, useful as an
// errors.Is comparison target: errors.Is(err, brokererr.Sentinel(brokererr.Unauthorized)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
