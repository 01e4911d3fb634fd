package migration

import (
	"errors"
	"fmt"
)

// Registry validation errors.
var (
	ErrInvalidDefinition = errors.New("invalid migration definition")
	ErrDuplicateID       = errors.New("duplicate migration id")
	ErrOutOfOrder        = errors.New("migration ids out of order")
)

// ErrMalformedLock reports a lock document that exists but cannot be decoded.
var ErrMalformedLock = errors.New("malformed lock record")

// ApplyError reports that one migration did not complete. No completion
// record was written for it.
type ApplyError struct {
	ID    string
	Stage string
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("migration %s: %s: %v", e.ID, e.Stage, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Stages at which a migration can fail.
const (
	StageCheck  = "check record"
	StageLock   = "acquire lock"
	StageApply  = "apply"
	StageRecord = "write record"
)

// StoreUnavailableError reports that the document store could not be
// reached at all. It is the only error Runner.Run returns for store trouble.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("document store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
