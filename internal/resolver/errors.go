package resolver

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNetwork      = errors.New("network error")
	ErrBuild        = errors.New("build error")
	ErrVerification = errors.New("verification error")
)

// ResolutionError is fatal to one install. Kind is one of the sentinels
// above and matches with errors.Is.
type ResolutionError struct {
	Kind   error
	Source Source
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s: %v", e.Source, e.Kind)
	}
	return fmt.Sprintf("resolve %s: %v: %v", e.Source, e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func resolutionErr(kind error, src Source, err error) *ResolutionError {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re
	}
	return &ResolutionError{Kind: kind, Source: src, Err: err}
}

// KindName is a short name for CLI output.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrBuild):
		return "build"
	case errors.Is(err, ErrVerification):
		return "verification"
	default:
		return "unknown"
	}
}
