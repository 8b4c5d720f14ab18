package backup

import (
	"errors"
	"fmt"

	"github.com/odontoclinic/clinicbackup/internal/dbconn"
)

var (
	// ErrNoDestinations is returned when an upload run names no destinations.
	ErrNoDestinations = errors.New("at least one destination is required")

	// ErrEmptySchema is reported by a Dumper when the dump utility refused
	// to run because the schema has no tables.
	ErrEmptySchema = errors.New("database schema is empty")
)

// ConfigurationError means the run cannot start with the current
// configuration. It is never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DependencyMissingError means an external tool needed for the run is not
// installed.
type DependencyMissingError struct {
	Tool string
	Hint string
	Err  error
}

func (e *DependencyMissingError) Error() string {
	msg := fmt.Sprintf("%s is not available", e.Tool)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

func (e *DependencyMissingError) Unwrap() error { return e.Err }

// Probe stages.
const (
	StageProbe = "probe"
	StageDump  = "dump"
)

// ProbeError is a failed attempt against one candidate. The engine
// recovers from it by moving to the next candidate.
type ProbeError struct {
	Candidate dbconn.Candidate
	Stage     string
	Err       error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Candidate, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// CandidatesExhaustedError is returned when every candidate failed.
type CandidatesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *CandidatesExhaustedError) Error() string {
	return fmt.Sprintf("all %d database candidates failed, last error: %v", e.Attempts, e.Last)
}

func (e *CandidatesExhaustedError) Unwrap() error { return e.Last }

// IsCallerError reports whether err was caused by the request rather than
// the environment.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrNoDestinations)
}
