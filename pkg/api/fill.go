package api

import (
	"fmt"
	"time"
)

// FillPolicy governs how many synthetic records a fixture table must contain
// before a test may run. The zero value means that the table must be empty.
//
// Exact excludes the other two. Min and MinDuration may be combined, in which
// case filling stops as soon as either is satisfied.
type FillPolicy struct {
	Exact       int
	Min         int
	MinDuration time.Duration
}

func ExactCount(n int) FillPolicy {
	return FillPolicy{Exact: n}
}

func MinCount(n int) FillPolicy {
	return FillPolicy{Min: n}
}

func MinDuration(d time.Duration) FillPolicy {
	return FillPolicy{MinDuration: d}
}

// IsZero returns true if no fill is required.
func (p FillPolicy) IsZero() bool {
	return p.Exact == 0 && p.Min == 0 && p.MinDuration == 0
}

func (p FillPolicy) Validate() error {
	if p.Exact < 0 {
		return fmt.Errorf("%w: bad exact record count: %d", ErrInvalidArgument, p.Exact)
	}
	if p.Min < 0 {
		return fmt.Errorf("%w: bad min record count: %d", ErrInvalidArgument, p.Min)
	}
	if p.MinDuration < 0 {
		return fmt.Errorf("%w: bad min fill duration: %s", ErrInvalidArgument, p.MinDuration)
	}
	if p.Exact > 0 && (p.Min > 0 || p.MinDuration > 0) {
		return fmt.Errorf("%w: exact record count can't be combined with min count or duration", ErrInvalidArgument)
	}
	return nil
}

func (p FillPolicy) String() string {
	switch {
	case p.Exact > 0:
		return fmt.Sprintf("exact=%d", p.Exact)
	case p.Min > 0 && p.MinDuration > 0:
		return fmt.Sprintf("min=%d,duration=%s", p.Min, p.MinDuration)
	case p.Min > 0:
		return fmt.Sprintf("min=%d", p.Min)
	case p.MinDuration > 0:
		return fmt.Sprintf("duration=%s", p.MinDuration)
	}
	return "empty"
}

// DatasetRange is the contiguous integer key interval [Start, End] which must
// be fully and exclusively present in a filled table. It's only meaningful if
// Known is true; it becomes unknown whenever the table is recreated.
type DatasetRange struct {
	Start   int
	End     int
	Records int
	Known   bool
}

// NewRange returns a known range covering [start, end].
func NewRange(start, end int) DatasetRange {
	return DatasetRange{
		Start:   start,
		End:     end,
		Records: end - start + 1,
		Known:   true,
	}
}

func (r DatasetRange) String() string {
	if !r.Known {
		return "[unknown]"
	}
	return fmt.Sprintf("[%d, %d] (%d records)", r.Start, r.End, r.Records)
}
