package api

// FilterKind selects one of the predicates which backends know how to apply
// server-side.
type FilterKind string

const (
	FilterAll FilterKind = ""

	// FilterNonInteger matches records whose Field isn't an integer.
	FilterNonInteger FilterKind = "non_integer"

	// FilterFieldCountNot matches records which don't have exactly N fields.
	FilterFieldCountNot FilterKind = "field_count_not"
)

type Filter struct {
	Kind  FilterKind `json:"kind,omitempty"`
	Field string     `json:"field,omitempty"`
	N     int        `json:"n,omitempty"`
}

// NonInteger returns a filter matching records whose field isn't an integer.
func NonInteger(field string) Filter {
	return Filter{Kind: FilterNonInteger, Field: field}
}

// FieldCountNot returns a filter matching records without exactly n fields.
func FieldCountNot(n int) Filter {
	return Filter{Kind: FilterFieldCountNot, N: n}
}

// Match returns true if the record satisfies the filter.
func (f Filter) Match(r Record) bool {
	switch f.Kind {
	case FilterNonInteger:
		v, ok := r[f.Field]
		if !ok {
			return false
		}
		return !IsInteger(v)

	case FilterFieldCountNot:
		return len(r) != f.N
	}

	return true
}

// Query selects records by primary key range, then filter, then limit. Like a
// between query, the lower bound is closed and the upper bound is open unless
// otherwise specified. Nil bounds are unbounded.
type Query struct {
	Lower       interface{} `json:"lower,omitempty"`
	Upper       interface{} `json:"upper,omitempty"`
	LowerOpen   bool        `json:"lower_open,omitempty"`
	UpperClosed bool        `json:"upper_closed,omitempty"`
	Filter      Filter      `json:"filter,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// All is a query matching every record.
var All = Query{}

// Below returns a query for keys strictly less than k.
func Below(k interface{}) Query {
	return Query{Upper: k}
}

// Above returns a query for keys strictly greater than k.
func Above(k interface{}) Query {
	return Query{Lower: k, LowerOpen: true}
}

// Between returns a query for keys in [lower, upper).
func Between(lower, upper interface{}) Query {
	return Query{Lower: lower, Upper: upper}
}

func (q Query) Where(f Filter) Query {
	q.Filter = f
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// InRange returns true if the (normalized) key is within the query's bounds.
func (q Query) InRange(k interface{}) bool {
	if q.Lower != nil {
		c := CompareKeys(k, q.Lower)
		if c < 0 || (c == 0 && q.LowerOpen) {
			return false
		}
	}
	if q.Upper != nil {
		c := CompareKeys(k, q.Upper)
		if c > 0 || (c == 0 && !q.UpperClosed) {
			return false
		}
	}
	return true
}
