package conenat

import (
	"errors"
	"fmt"
)

var (
	// ErrPortExhaustion is returned when no external port is left in the
	// protocol's range.
	ErrPortExhaustion = errors.New("conenat: external port range exhausted")

	// ErrConnLimit is returned when an internal address already has as many
	// tracked connections as it is allowed.
	ErrConnLimit = errors.New("conenat: per-host connection limit reached")

	// ErrBusy is returned by structural mutations attempted while the
	// collector holds the tables paused. It is transient.
	ErrBusy = errors.New("conenat: tables paused for collection")

	// ErrStaleReference means a held mapping reference no longer matches the
	// table, the entry was evicted (and possibly reallocated) meanwhile.
	ErrStaleReference = errors.New("conenat: stale mapping reference")

	ErrHookAttach = errors.New("conenat: hook attach failed")
	ErrHookDetach = errors.New("conenat: hook detach failed")

	// ErrFatal marks collector errors that must stop the process.
	ErrFatal = errors.New("conenat: fatal collector error")

	ErrQuiesceTimeout  = errors.New("conenat: timed out waiting for fast path quiescence")
	ErrInterrupted     = errors.New("conenat: interrupted")
	ErrClosed          = errors.New("conenat: translator closed")
	ErrShutdownTimeout = errors.New("conenat: timed out waiting for tasks to stop")
	ErrInvalidConfig   = errors.New("conenat: invalid configuration")

	errIntegrity = errors.New("conenat: referential integrity violated")
	errNoMapping = errors.New("conenat: no mapping for flow")
	errNoConn    = errors.New("conenat: no tracked connection for icmp error")
)

// HookError reports a failed hook lifecycle step.
type HookError struct {
	Hook string // "ingress" or "egress"
	Op   string // create, attach, detach, destroy
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook %s: %v", e.Hook, e.Op, e.Err)
}

func (e *HookError) Unwrap() []error {
	kind := ErrHookAttach
	if e.Op == "detach" || e.Op == "destroy" {
		kind = ErrHookDetach
	}
	return []error{kind, e.Err}
}

// CollectorError is an unrecoverable sweep failure.
type CollectorError struct {
	Phase string
	Err   error
}

func (e *CollectorError) Error() string {
	return fmt.Sprintf("collector %s: %v", e.Phase, e.Err)
}

func (e *CollectorError) Unwrap() []error {
	return []error{ErrFatal, e.Err}
}
