// Package kind defines the sum-typed error taxonomy shared by every
// component and surfaced verbatim at the RPC boundary.
package kind

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind is one semantic error tag. The set is closed and stable: callers
// (in particular the rpc adapter) switch on it, so new values must not be
// added casually.
type Kind string

const (
	InvalidEmail        Kind = "InvalidEmail"
	SessionExists        Kind = "SessionExists"
	SessionDoesNotExist  Kind = "SessionDoesNotExist"
	AlreadySession       Kind = "AlreadySession"
	UnknownPid           Kind = "UnknownPid"
	UnknownProperty      Kind = "UnknownProperty"
	IllegalPubKey        Kind = "IllegalPubKey"
	NoOwnerKey           Kind = "NoOwnerKey"
	NoUserNssdb          Kind = "NoUserNssdb"
	VerifySignature      Kind = "VerifySignature"
	Decode               Kind = "Decode"
	EncodeFail           Kind = "EncodeFail"
	EmitFailed           Kind = "EmitFailed"
	PolicyInitFail       Kind = "PolicyInitFail"
	IllegalService       Kind = "IllegalService"
	Io                   Kind = "Io"
	CorruptKey           Kind = "CorruptKey"
	ParseArgs            Kind = "ParseArgs"
	Busy                 Kind = "Busy"

	// Additional kinds used internally by the key store (§4.1), not part
	// of the RPC-facing taxonomy in §7 but following the same shape.
	AlreadyLoaded  Kind = "AlreadyLoaded"
	NotLoaded      Kind = "NotLoaded"
	NotCheckedDisk Kind = "NotCheckedDisk"
)

// Error pairs a Kind with a human-readable message, exactly the shape
// every RPC method in §6 reports failures as.
type Error struct {
	Kind Kind
	Msg  string
	// wrapped, if non-nil, is the underlying cause. It participates in
	// errors.Is/As via Unwrap but is never part of the RPC-visible pair.
	wrapped error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// New builds a plain Error with no wrapped cause.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Newf builds a plain Error with a formatted message.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error, preserving it for
// errors.Is/As while keeping the RPC-visible message short. Following the
// pack's own xerrors idiom, %w is used so the chain stays inspectable.
func Wrap(k Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{
		Kind:    k,
		Msg:     xerrors.Errorf("%s: %w", k, cause).Error(),
		wrapped: cause,
	}
}

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (k Kind, ok bool) {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, k Kind) bool {
	got, ok := Of(err)
	return ok && got == k
}
