package domain

import (
	"errors"
	"fmt"
)

var (
	ErrParse            = errors.New("log line parse error")
	ErrConfigCorruption = errors.New("deny list corrupted")
	ErrReloadFailure    = errors.New("server reload failed")
	ErrPolicyLoad       = errors.New("policy load error")
	ErrLockTimeout      = errors.New("deny list lock timeout")
	ErrInvalidClientKey = errors.New("invalid client key")
)

// ParseError describes a log line that could not be normalised.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error { return ErrParse }

// CorruptionError reports a deny list whose framing markers are missing or
// whose contents cannot be read.
type CorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deny list %s corrupted: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("deny list %s corrupted: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfigCorruption, e.Err}
	}
	return []error{ErrConfigCorruption}
}

// ReloadError wraps a failed reload attempt with the mechanism used and
// whatever the command printed.
type ReloadError struct {
	Mechanism string
	Output    string
	Err       error
}

func (e *ReloadError) Error() string {
	msg := "reload via " + e.Mechanism + " failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += " (output: " + e.Output + ")"
	}
	return msg
}

func (e *ReloadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrReloadFailure, e.Err}
	}
	return []error{ErrReloadFailure}
}

// PolicyError is returned when the status-code policy cannot be loaded.
type PolicyError struct {
	Source string
	Reason string
	Err    error
}

func (e *PolicyError) Error() string {
	msg := "policy from " + e.Source + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PolicyError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPolicyLoad, e.Err}
	}
	return []error{ErrPolicyLoad}
}
