package api

import (
	"fmt"
	"math"
	"strings"
)

// Record is one document in a table. Field values are whatever JSON can hold;
// numbers are float64 once they've crossed the wire.
type Record map[string]interface{}

// Copy returns a shallow copy of the record.
func (r Record) Copy() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// NormalizeKey converts a primary key value to its canonical form: numbers
// become float64, strings are left alone. Returns an error for anything which
// can't be a primary key.
func NormalizeKey(k interface{}) (interface{}, error) {
	switch v := k.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: bad numeric key: %v", ErrInvalidArgument, v)
		}
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		return v, nil
	}

	return nil, fmt.Errorf("%w: unsupported key type: %T", ErrInvalidArgument, k)
}

// CompareKeys orders two normalized keys. Numbers sort before strings, which
// matches the ordering of the backend; between queries rely on this to catch
// generated (string) keys above any numeric range.
func CompareKeys(a, b interface{}) int {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)

	switch {
	case aNum && bNum:
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// IsInteger returns true if the key is a number equal to its own rounded value.
func IsInteger(k interface{}) bool {
	f, ok := k.(float64)
	if !ok {
		return false
	}
	return math.Round(f) == f
}
