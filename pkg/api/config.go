package api

// Shard is the placement of one shard of a table: a primary replica, and the
// set of servers (including the primary) which hold a replica.
type Shard struct {
	PrimaryReplica string   `json:"primary_replica"`
	Replicas       []string `json:"replicas"`
}

// ShardPlan is one Shard per shard of a table, in order.
type ShardPlan []Shard

// TableConfig is the configuration of a table, as reported by the backend.
type TableConfig struct {
	DB         string     `json:"db"`
	Name       string     `json:"name"`
	PrimaryKey string     `json:"primary_key"`
	Durability Durability `json:"durability"`
	WriteAcks  WriteAcks  `json:"write_acks"`
	Shards     ShardPlan  `json:"shards"`
	Indexes    []string   `json:"indexes"`
}

// ConfigPatch is a partial update to a TableConfig. Nil or empty fields are
// left unchanged. The update is applied atomically.
type ConfigPatch struct {
	Durability Durability `json:"durability,omitempty"`
	WriteAcks  WriteAcks  `json:"write_acks,omitempty"`
	Shards     ShardPlan  `json:"shards,omitempty"`
}
