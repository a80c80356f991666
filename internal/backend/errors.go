package backend

import (
	"errors"
	"fmt"
)

// Kind separates failures that say something about backend health from those
// that only say something about the frame.
type Kind int

const (
	KindUnknown Kind = iota
	// KindContent: the backend answered but could not use the frame (no face,
	// undecodable image, server-side validation).
	KindContent
	// KindConnectivity: the backend could not be reached or did not answer in time.
	KindConnectivity
	// KindNotInitialized: inference was attempted before Initialize completed.
	KindNotInitialized
	// KindRelease: freeing backend resources failed. Logged, never fatal.
	KindRelease
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindConnectivity:
		return "connectivity"
	case KindNotInitialized:
		return "not_initialized"
	case KindRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Error is the failure type returned by every Backend method.
type Error struct {
	Kind      Kind
	Code      string // short machine code, e.g. "timeout", "no_face"
	Message   string // user-facing message
	Status    int    // HTTP status when the backend answered, else 0
	Reachable bool   // the backend produced a response
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ContentError reports a frame the backend answered for but could not use.
func ContentError(code, message string, status int, err error) *Error {
	return &Error{Kind: KindContent, Code: code, Message: message, Status: status, Reachable: true, Err: err}
}

// ConnectivityError reports a backend that could not be reached.
func ConnectivityError(code, message string, err error) *Error {
	return &Error{Kind: KindConnectivity, Code: code, Message: message, Err: err}
}

// ErrNotInitialized is returned by Infer before Initialize has succeeded.
var ErrNotInitialized = &Error{
	Kind:    KindNotInitialized,
	Code:    "not_initialized",
	Message: "inference backend is not initialized",
}

// ReleaseError wraps a failure to free backend resources.
func ReleaseError(err error) *Error {
	return &Error{Kind: KindRelease, Code: "release_failed", Message: "failed to release backend", Err: err}
}

// KindOf extracts the failure kind of err, KindUnknown when err is not a *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

func IsContent(err error) bool        { return KindOf(err) == KindContent }
func IsConnectivity(err error) bool   { return KindOf(err) == KindConnectivity }
func IsNotInitialized(err error) bool { return KindOf(err) == KindNotInitialized }

// Message returns the user-facing text of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	return err.Error()
}
