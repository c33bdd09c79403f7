package api

// Readiness is a level of table availability, from least to most available.
type Readiness string

const (
	ReadyForOutdatedReads Readiness = "ready_for_outdated_reads"
	ReadyForReads         Readiness = "ready_for_reads"
	ReadyForWrites        Readiness = "ready_for_writes"
	AllReplicasReady      Readiness = "all_replicas_ready"
)

// Readinesses is every Readiness, in increasing order of availability.
var Readinesses = []Readiness{
	ReadyForOutdatedReads,
	ReadyForReads,
	ReadyForWrites,
	AllReplicasReady,
}

// StatusFlags are the availability flags of a table, or of one shard.
type StatusFlags struct {
	ReadyForOutdatedReads bool `json:"ready_for_outdated_reads"`
	ReadyForReads         bool `json:"ready_for_reads"`
	ReadyForWrites        bool `json:"ready_for_writes"`
	AllReplicasReady      bool `json:"all_replicas_ready"`
}

// Is returns true if the given level of readiness has been reached.
func (f StatusFlags) Is(r Readiness) bool {
	switch r {
	case ReadyForOutdatedReads:
		return f.ReadyForOutdatedReads
	case ReadyForReads:
		return f.ReadyForReads
	case ReadyForWrites:
		return f.ReadyForWrites
	case AllReplicasReady:
		return f.AllReplicasReady
	}
	return false
}

// ReplicaStatus is the state of one replica of a shard.
type ReplicaStatus struct {
	Server string `json:"server"`
	State  string `json:"state"`
}

type ShardStatus struct {
	PrimaryReplicas []string        `json:"primary_replicas"`
	Replicas        []ReplicaStatus `json:"replicas"`
}

// TableStatus is the availability of a table, as reported by the backend.
type TableStatus struct {
	DB     string        `json:"db"`
	Name   string        `json:"name"`
	Status StatusFlags   `json:"status"`
	Shards []ShardStatus `json:"shards"`
}
