// Package apierr defines Conreg's wire-level error taxonomy (spec §7) and
// the typed error carried through Raft apply responses, the coordinator's
// HTTP envelope, and peer-forwarding.
package apierr

import "fmt"

// Code is one of the wire-level result codes returned in the {code,msg,data}
// response envelope.
type Code string

const (
	OK             Code = "OK"
	InvalidArg     Code = "INVALID_ARG"
	NotFound       Code = "NOT_FOUND"
	AlreadyExists  Code = "ALREADY_EXISTS"
	Redirect       Code = "REDIRECT"
	Unavailable    Code = "UNAVAILABLE"
	Timeout        Code = "TIMEOUT"
	Conflict       Code = "CONFLICT"
	Internal       Code = "INTERNAL"
	TooManyWatches Code = "TOO_MANY"
)

// Error is the typed error exchanged between the FSM, the Raft apply path,
// and the coordinator's HTTP handlers.
type Error struct {
	Code Code
	Msg  string
	Data map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds an *Error with no extra data.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WithData attaches structured payload data (e.g. {leader_id, leader_addr}
// for a Redirect) to an existing error.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// NotFoundf is a convenience constructor for the common NOT_FOUND case.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, format, args...)
}

// AlreadyExistsf is a convenience constructor for the common ALREADY_EXISTS case.
func AlreadyExistsf(format string, args ...any) *Error {
	return New(AlreadyExists, format, args...)
}

// Redirectf builds a REDIRECT error carrying the current leader's identity.
func Redirectf(leaderID, leaderAddr string) *Error {
	if leaderAddr == "" {
		return New(Unavailable, "no leader elected")
	}
	return New(Redirect, "not the leader, current leader is %s", leaderID).WithData(map[string]any{
		"leader_id":   leaderID,
		"leader_addr": leaderAddr,
	})
}

// As unwraps err into an *Error, synthesizing an INTERNAL error for
// anything that isn't already typed. Used at the HTTP boundary so every
// handler path produces a well-formed envelope.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return New(Internal, "%s", err.Error())
}
