package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/cluster"
	"github.com/gorilla/mux"
)

// nodesHandler lists the nodes of a cluster, or returns one of them.
type nodesHandler struct {
	members cluster.Membership
}

type nodeJSON struct {
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	DataPath string `json:"data_path,omitempty"`
	Running  bool   `json:"running"`
	Ready    bool   `json:"ready"`
}

func toJSON(n api.Node) nodeJSON {
	return nodeJSON{
		Name:     n.Name,
		Addr:     n.Addr(),
		DataPath: n.DataPath,
		Running:  n.Running,
		Ready:    n.Ready,
	}
}

func (h *nodesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.members.Nodes(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	name, ok := mux.Vars(r)["name"]
	if !ok {
		out := make([]nodeJSON, len(nodes))
		for i := range nodes {
			out[i] = toJSON(nodes[i])
		}
		writeJSON(w, out)
		return
	}

	for _, n := range nodes {
		if n.Name == name {
			writeJSON(w, toJSON(n))
			return
		}
	}

	http.Error(w, "404: No such node", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: error writing response: %v", err)
	}
}

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics.WritePrometheus(w, true)
}

func newRouter(members cluster.Membership) *mux.Router {
	nh := &nodesHandler{members: members}

	r := mux.NewRouter()
	r.HandleFunc("/metrics", metricsHandler).Methods("GET")
	r.Handle("/nodes", nh).Methods("GET")
	r.Handle("/nodes/{name}", nh).Methods("GET")

	return r
}
