package fuzz

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
)

// Kind is a type of randomly generated operation.
type Kind string

const (
	DBCreate     Kind = "db_create"
	DBDrop       Kind = "db_drop"
	TableCreate  Kind = "table_create"
	TableDrop    Kind = "table_drop"
	IndexCreate  Kind = "index_create"
	IndexDrop    Kind = "index_drop"
	Insert       Kind = "insert"
	Rebalance    Kind = "rebalance"
	Reconfigure  Kind = "reconfigure"
	ConfigUpdate Kind = "config_update"
	Changefeed   Kind = "changefeed"
	Wait         Kind = "wait"
)

// Kinds is every Kind, in the order that they're considered when choosing.
var Kinds = []Kind{
	DBCreate,
	DBDrop,
	TableCreate,
	TableDrop,
	IndexCreate,
	IndexDrop,
	Insert,
	Rebalance,
	Reconfigure,
	ConfigUpdate,
	Changefeed,
	Wait,
}

func validKind(k Kind) bool {
	for _, kk := range Kinds {
		if kk == k {
			return true
		}
	}
	return false
}

// Weights is the relative likelihood of each kind of operation being chosen.
// Kinds which are missing (or zero) are never chosen.
type Weights map[Kind]int

func DefaultWeights() Weights {
	return Weights{
		DBCreate:     2,
		DBDrop:       1,
		TableCreate:  4,
		TableDrop:    3,
		IndexCreate:  8,
		IndexDrop:    2,
		Insert:       100,
		Rebalance:    10,
		Reconfigure:  10,
		ConfigUpdate: 10,
		Changefeed:   10,
		Wait:         10,
	}
}

func (w Weights) Validate() error {
	total := 0

	for k, n := range w {
		if !validKind(k) {
			return fmt.Errorf("unknown op: %s", k)
		}
		if n < 0 {
			return fmt.Errorf("negative weight for %s: %d", k, n)
		}
		total += n
	}

	// Nothing else is possible until a db has been created.
	if w[DBCreate] == 0 {
		return fmt.Errorf("weight of %s must be positive", DBCreate)
	}

	if total == 0 {
		return fmt.Errorf("no ops have a positive weight")
	}

	return nil
}

func (w Weights) String() string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	s := ""
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%d", k, w[Kind(k)])
	}

	return s
}

// LoadWeights reads a YAML map of op name to weight from the given path, and
// returns the default weights overridden by it.
//
//	insert: 20
//	changefeed: 0
func LoadWeights(path string) (Weights, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseWeights(b)
}

func ParseWeights(b []byte) (Weights, error) {
	var m map[string]int
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parsing weights: %w", err)
	}

	w := DefaultWeights()
	for k, n := range m {
		w[Kind(k)] = n
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}

	return w, nil
}
