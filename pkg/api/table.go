package api

import (
	"fmt"
)

// TableRef identifies a table within a cluster.
type TableRef struct {
	DB    string `json:"db"`
	Table string `json:"table"`
}

func (r TableRef) String() string {
	return fmt.Sprintf("%s.%s", r.DB, r.Table)
}

// Durability is the disk durability mode of a table.
type Durability string

const (
	DurabilitySoft Durability = "soft"
	DurabilityHard Durability = "hard"
)

// WriteAcks is the number of replicas which must acknowledge a write before
// it's considered durable.
type WriteAcks string

const (
	WriteAcksSingle   WriteAcks = "single"
	WriteAcksMajority WriteAcks = "majority"
)

// DefaultPrimaryKey is the primary key used when none is given.
const DefaultPrimaryKey = "id"

// TableSpec is the desired shape of a table. It's set once when a fixture
// manager is built, and never changes afterwards.
type TableSpec struct {
	TableRef
	PrimaryKey string
	Shards     int
	Replicas   int
	Durability Durability
	WriteAcks  WriteAcks
}

// WithDefaults returns a copy of the spec with the zero fields filled in.
func (s TableSpec) WithDefaults() TableSpec {
	if s.PrimaryKey == "" {
		s.PrimaryKey = DefaultPrimaryKey
	}
	if s.Shards == 0 {
		s.Shards = 1
	}
	if s.Replicas == 0 {
		s.Replicas = 1
	}
	if s.Durability == "" {
		s.Durability = DurabilityHard
	}
	if s.WriteAcks == "" {
		s.WriteAcks = WriteAcksMajority
	}
	return s
}

// Validate returns an error if the spec can never be satisfied.
func (s TableSpec) Validate() error {
	if s.DB == "" {
		return fmt.Errorf("%w: db name required", ErrInvalidArgument)
	}
	if s.Table == "" {
		return fmt.Errorf("%w: table name required", ErrInvalidArgument)
	}
	if s.Shards < 1 {
		return fmt.Errorf("%w: shards must be positive, got %d", ErrInvalidArgument, s.Shards)
	}
	if s.Replicas < 1 {
		return fmt.Errorf("%w: replicas must be positive, got %d", ErrInvalidArgument, s.Replicas)
	}
	switch s.Durability {
	case DurabilitySoft, DurabilityHard:
	default:
		return fmt.Errorf("%w: invalid durability: %q", ErrInvalidArgument, s.Durability)
	}
	switch s.WriteAcks {
	case WriteAcksSingle, WriteAcksMajority:
	default:
		return fmt.Errorf("%w: invalid write acks: %q", ErrInvalidArgument, s.WriteAcks)
	}
	return nil
}

// Servers returns the number of distinct servers needed to give every replica
// of every shard its own server.
func (s TableSpec) Servers() int {
	return s.Shards * s.Replicas
}
