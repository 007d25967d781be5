package source

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth         Kind = "auth"
	KindConnectivity Kind = "connectivity"
	KindParse        Kind = "parse"
)

// Error classifies an adapter failure.
type Error struct {
	Source string
	Kind   Kind
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Source, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func authErr(src string, status int, err error) *Error {
	return &Error{Source: src, Kind: KindAuth, Status: status, Err: err}
}

func connErr(src string, status int, err error) *Error {
	return &Error{Source: src, Kind: KindConnectivity, Status: status, Err: err}
}

func parseErr(src string, err error) *Error {
	return &Error{Source: src, Kind: KindParse, Err: err}
}

// KindOf extracts the classification of err, if any.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err is worth another attempt: network
// failures, timeouts, 429 and 5xx. Auth and parse errors never are.
func IsRetryable(err error) bool {
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindConnectivity {
		return false
	}
	return se.Status == 0 || se.Status == 429 || se.Status >= 500
}
