package api

import (
	"fmt"
)

// Conflict is the behavior of an insert when a record with the same primary
// key already exists.
type Conflict string

const (
	ConflictError   Conflict = "error"
	ConflictReplace Conflict = "replace"
	ConflictUpdate  Conflict = "update"
)

// WriteResult is the summary returned by every write.
type WriteResult struct {
	Inserted      int           `json:"inserted"`
	Replaced      int           `json:"replaced"`
	Unchanged     int           `json:"unchanged"`
	Deleted       int           `json:"deleted"`
	Skipped       int           `json:"skipped"`
	Errors        int           `json:"errors"`
	FirstError    string        `json:"first_error,omitempty"`
	GeneratedKeys []interface{} `json:"generated_keys,omitempty"`
}

// Add accumulates another result into this one.
func (r *WriteResult) Add(o WriteResult) {
	r.Inserted += o.Inserted
	r.Replaced += o.Replaced
	r.Unchanged += o.Unchanged
	r.Deleted += o.Deleted
	r.Skipped += o.Skipped
	r.Errors += o.Errors
	if r.FirstError == "" {
		r.FirstError = o.FirstError
	}
	r.GeneratedKeys = append(r.GeneratedKeys, o.GeneratedKeys...)
}

func (r WriteResult) String() string {
	s := fmt.Sprintf("{inserted=%d replaced=%d unchanged=%d deleted=%d skipped=%d errors=%d",
		r.Inserted, r.Replaced, r.Unchanged, r.Deleted, r.Skipped, r.Errors)
	if r.FirstError != "" {
		s += fmt.Sprintf(" first_error=%q", r.FirstError)
	}
	return s + "}"
}
