package api

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by backends.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnavailable     = errors.New("unavailable")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTimeout         = errors.New("timed out")
)

// Errors returned by the fixture reconciler and the test lifecycle.
var (
	// ErrStructuralMismatch means that the db or table configuration diverges
	// from its TableSpec. Only returned by check-only passes; a repair pass
	// fixes it.
	ErrStructuralMismatch = errors.New("structural mismatch")

	// ErrRepairFailed means that a write issued to repair (or fill) a table
	// reported errors. Not retried.
	ErrRepairFailed = errors.New("repair failed")

	// ErrInsufficientNodes means that the cluster has fewer servers than the
	// table needs to give each replica its own server.
	ErrInsufficientNodes = errors.New("insufficient nodes")

	// ErrDataMismatch means that the records in a table aren't the expected
	// dataset. See DataMismatchError for the details.
	ErrDataMismatch = errors.New("data mismatch")

	// ErrNoReachableNode means that no member of the cluster accepted a
	// connection.
	ErrNoReachableNode = errors.New("no reachable node")
)

// Drift is a class of divergence between the expected and actual contents of
// a fixture table.
type Drift string

const (
	DriftBefore      Drift = "before range"
	DriftAfter       Drift = "after range"
	DriftNonInteger  Drift = "non-integer key"
	DriftExtraFields Drift = "extra fields"
	DriftMissing     Drift = "missing key"

	// DriftExtraRecords is any record at all in a table which should be empty.
	DriftExtraRecords Drift = "extra records"

	// DriftUnknownRange means that the expected dataset isn't known, because
	// the table was never filled or has been recreated.
	DriftUnknownRange Drift = "unknown range"
)

// MaxSamples is the number of offending records or keys included in errors.
const MaxSamples = 5

// DataMismatchError is returned when one drift check fails, or when a repair
// for it reports errors. Samples holds up to MaxSamples offending records (or
// keys, for missing records).
type DataMismatchError struct {
	Drift   Drift
	Samples []interface{}
	Detail  string
}

func (e *DataMismatchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", ErrDataMismatch, e.Drift)
	if e.Detail != "" {
		fmt.Fprintf(&sb, ": %s", e.Detail)
	}
	if n := len(e.Samples); n > 0 {
		if n > 1 {
			fmt.Fprintf(&sb, " (%d samples", n)
			if n >= MaxSamples {
				fmt.Fprintf(&sb, ", first %d", MaxSamples)
			}
			sb.WriteString(")")
		}
		fmt.Fprintf(&sb, ": %v", e.Samples)
	}
	return sb.String()
}

func (e *DataMismatchError) Unwrap() error {
	return ErrDataMismatch
}

// IsDrift returns true if err is a DataMismatchError of the given class.
func IsDrift(err error, d Drift) bool {
	var dme *DataMismatchError
	if errors.As(err, &dme) {
		return dme.Drift == d
	}
	return false
}
