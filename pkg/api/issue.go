package api

// Issue is a cluster-wide problem reported by the backend, such as a server
// which is configured as a replica but can't be reached. A healthy cluster
// has none.
type Issue struct {
	Type        string `json:"type"`
	Critical    bool   `json:"critical"`
	Description string `json:"description"`
}
