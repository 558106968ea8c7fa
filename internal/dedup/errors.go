package dedup

import (
	"errors"
	"fmt"
)

// ErrPersistenceConflict signals that a store detected a concurrent write to
// the same rule or suggestion. Resolution is last-write-wins at that
// granularity; callers log a warning and continue.
var ErrPersistenceConflict = errors.New("persistence conflict: concurrent write detected")

// ConfigError reports an invalid engine configuration. Scans fail fast on it
// before touching any collaborator.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// DataAccessError wraps a failure from an external collaborator (customer
// universe, rule store, statistics source). The scan aborts and surfaces it;
// retry policy belongs to the caller.
type DataAccessError struct {
	Source string
	Op     string
	Err    error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("data access failed: %s.%s: %v", e.Source, e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// NewDataAccessError wraps err with the collaborator and operation that
// produced it.
func NewDataAccessError(source, op string, err error) *DataAccessError {
	return &DataAccessError{Source: source, Op: op, Err: err}
}

// ValidationError reports a manual rule create/update that would persist an
// invalid or invariant-breaking rule. It is returned before anything is
// written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule validation failed: %s", e.Reason)
}
