package core

import "errors"

var (
	// ErrInvalidRule marks a malformed rule rejected at upsert time.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrInvalidTransition marks an illegal alert status change; the
	// alert state is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrOverload is returned when the ingest backpressure policy drops
	// an event. Dropped events are counted, never silently lost.
	ErrOverload = errors.New("ingest queue overloaded")
	// ErrAlertNotFound is returned for operations on unknown alert IDs.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrRuleNotFound is returned for operations on unknown rule IDs.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrEngineStopped is returned when ingesting into a stopped engine.
	ErrEngineStopped = errors.New("engine is not running")
)
