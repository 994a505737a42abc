package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrHandshakeTimeout  = errors.New("handshake timeout")
	ErrMalformedResponse = errors.New("malformed response")
	ErrRequestTimeout    = errors.New("request timeout")
	ErrCrash             = errors.New("engine crashed")
	ErrEngineFailure     = errors.New("engine reported failure")
	ErrNotReady          = errors.New("engine not ready")
)

// ProtocolError is a failure of one engine process. It never aborts a run on
// its own; the orchestrator turns it into a run-level warning.
type ProtocolError struct {
	EngineID string
	Kind     error
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine %s: %v", e.EngineID, e.Kind)
	}
	return fmt.Sprintf("engine %s: %v: %v", e.EngineID, e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindName returns a short machine-friendly name for reporting.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrRequestTimeout):
		return "request_timeout"
	case errors.Is(err, ErrCrash):
		return "crash"
	case errors.Is(err, ErrEngineFailure):
		return "engine_failure"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "unavailable"
	}
}

func protocolErr(engineID string, kind error, err error) *ProtocolError {
	return &ProtocolError{EngineID: engineID, Kind: kind, Err: err}
}
