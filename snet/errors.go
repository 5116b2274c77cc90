// Package snet implements the secure transport layer of the input-sharing
// server: non-blocking socket handles, the TCP listen socket, and the
// per-connection secure socket that upgrades accepted connections to TLS
// under the control of the socket multiplexer.
package snet

import (
	"errors"
	"fmt"
)

// Kind classifies a transport error so callers can branch on the tag instead
// of matching error strings.
type Kind int

const (
	// KindTransient marks a recoverable network failure during accept:
	// no pending connection, or the peer aborted before the OS accept
	// completed. The listener re-arms and the attempt is dropped.
	KindTransient Kind = iota
	// KindCertificate marks a missing, unreadable or malformed certificate
	// bundle. The connection is dropped; the listener is unaffected.
	KindCertificate
	// KindHandshake marks a TLS negotiation or validation failure. The
	// socket transitions to Failed and is released.
	KindHandshake
	// KindNotReady marks a data operation attempted outside the
	// Established state. Nothing is written to the wire.
	KindNotReady
	// KindUnexpected marks a non-network failure mid-accept. It is the
	// only kind that propagates out of a listener's accept.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCertificate:
		return "certificate"
	case KindHandshake:
		return "handshake"
	case KindNotReady:
		return "not ready"
	case KindUnexpected:
		return "unexpected"
	}
	return "unknown"
}

// Error is a tagged transport error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("snet: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("snet: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind of err, or KindUnexpected if err carries no tag.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

func isKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsTransient reports whether err is a recoverable accept-time failure.
func IsTransient(err error) bool { return isKind(err, KindTransient) }

// IsCertificate reports whether err is a certificate bundle failure.
func IsCertificate(err error) bool { return isKind(err, KindCertificate) }

// IsHandshake reports whether err is a TLS negotiation failure.
func IsHandshake(err error) bool { return isKind(err, KindHandshake) }

// IsNotReady reports whether err came from a data operation attempted outside
// the Established state.
func IsNotReady(err error) bool { return isKind(err, KindNotReady) }

// ErrWouldBlock is returned by non-blocking handle operations that cannot
// complete immediately. The caller re-registers for the needed readiness
// direction instead of looping or sleeping.
var ErrWouldBlock = errors.New("snet: operation would block")

// errSocketClosed is delivered to goroutines parked on readiness when the
// socket is torn down underneath them.
var errSocketClosed = errors.New("snet: socket closed")
