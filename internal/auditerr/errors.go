// Package auditerr defines the error taxonomy shared across the dataset
// sync engine, the agent pipeline, and the session layer. Failures are
// recovered at the smallest scope that preserves correctness; these types
// carry the identity of the entity (file, stage, client) they belong to.
package auditerr

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on.
var (
	// ErrSessionBusy is returned when a client's pending request queue is full.
	ErrSessionBusy = errors.New("session busy: pending request queue full")

	// ErrQueueOverflow is returned when a session's outbound event log
	// exceeds its configured cap. This is fatal to the session.
	ErrQueueOverflow = errors.New("outbound event queue overflow")

	// ErrSessionClosed is returned when submitting to a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrMalformedMessage is returned for inbound messages that do not
	// decode into {message, category}.
	ErrMalformedMessage = errors.New("malformed inbound message")

	// ErrUnknownCategory is returned when a request names a category the
	// current metadata snapshot does not contain.
	ErrUnknownCategory = errors.New("unknown dataset category")
)

// IngestionError records a per-file ingest failure (malformed file,
// delimiter ambiguity, read failure). Non-fatal to the category sync.
type IngestionError struct {
	Category string
	File     string
	Err      error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed for %s/%s: %v", e.Category, e.File, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// NewIngestion wraps err as an IngestionError for one source file.
func NewIngestion(category, file string, err error) *IngestionError {
	return &IngestionError{Category: category, File: file, Err: err}
}

// SchemaMigrationError records a table migration the engine refused or
// could not apply. The prior schema stays authoritative.
type SchemaMigrationError struct {
	Table  string
	Reason string
	Err    error
}

func (e *SchemaMigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema migration rejected for table %s: %s: %v", e.Table, e.Reason, e.Err)
	}
	return fmt.Sprintf("schema migration rejected for table %s: %s", e.Table, e.Reason)
}

func (e *SchemaMigrationError) Unwrap() error { return e.Err }

// StageError records a reasoning-stage failure (timeout, transport,
// malformed output). Whether it is fatal is pipeline policy, not a
// property of the error.
type StageError struct {
	Stage   string
	Timeout bool
	Err     error
}

func (e *StageError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("stage %s timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStage wraps err as a StageError for one pipeline stage.
func NewStage(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

// SessionError records a session-scoped failure (queue overflow,
// malformed inbound message). It terminates the current request with an
// error event; the session itself survives unless Fatal is set.
type SessionError struct {
	ClientID string
	Fatal    bool
	Err      error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.ClientID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// TransportError records a delivery failure on the client connection.
// Triggers detach and reconnect-with-replay, never data loss inside the
// retention window.
type TransportError struct {
	ClientID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure for %s: %v", e.ClientID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
