// Package consul is a cluster.Membership backed by the Consul catalog, plus
// the means for a node to register itself there.
package consul

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	fapi "github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/cluster"
	"github.com/hashicorp/consul/api"
)

// MetaDataPath is the service metadata key which nodes put their data path
// in, so that it can be archived when a test fails.
const MetaDataPath = "data_path"

// Membership lists the instances of one service.
type Membership struct {
	svcName string
	consul  *api.Client
}

var _ cluster.Membership = (*Membership)(nil)

func NewMembership(serviceName string, client *api.Client) *Membership {
	return &Membership{
		svcName: serviceName,
		consul:  client,
	}
}

// Nodes returns every registered instance of the service, sorted by ID so
// that the order is stable between calls. Nodes are Ready if all of their
// checks are passing. Anything registered is assumed to be Running.
func (m *Membership) Nodes(ctx context.Context) ([]fapi.Node, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)

	res, _, err := m.consul.Health().Service(m.svcName, "", false, q)
	if err != nil {
		return nil, err
	}

	return toNodes(res), nil
}

func toNodes(entries []*api.ServiceEntry) []fapi.Node {
	out := make([]fapi.Node, 0, len(entries))

	for _, e := range entries {
		if e.Service == nil {
			continue
		}

		host := e.Service.Address
		if host == "" && e.Node != nil {
			// https://github.com/hashicorp/consul/issues/2076
			host = e.Node.Address
		}

		out = append(out, fapi.Node{
			Name:     e.Service.ID,
			Host:     host,
			Port:     e.Service.Port,
			DataPath: e.Service.Meta[MetaDataPath],
			Running:  true,
			Ready:    e.Checks.AggregatedStatus() == api.HealthPassing,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out
}

// Registration makes one node discoverable. Consul checks it with the
// standard gRPC health service, which the node must already serve.
type Registration struct {
	svcName  string
	addrPub  string
	ident    string
	dataPath string
	consul   *api.Client
}

func getIdent(addr string) (string, error) {
	host, sPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	nPort, err := strconv.Atoi(sPort)
	if err != nil {
		return "", err
	}

	if host == "" || host == "localhost" || host == "127.0.0.1" {
		return fmt.Sprintf("%d", nPort), nil
	}

	return fmt.Sprintf("%s:%d", host, nPort), nil
}

// NewRegistration returns a registration of the given node, which takes
// effect when Start is called. The node's name is its service ID; if it has
// none, one is derived from its address.
func NewRegistration(serviceName string, node fapi.Node, client *api.Client) (*Registration, error) {
	ident := node.Name
	if ident == "" {
		var err error
		ident, err = getIdent(node.Addr())
		if err != nil {
			return nil, err
		}
	}

	return &Registration{
		svcName:  serviceName,
		addrPub:  node.Addr(),
		ident:    ident,
		dataPath: node.DataPath,
		consul:   client,
	}, nil
}

func (r *Registration) ID() string {
	return r.ident
}

func (r *Registration) Start() error {
	host, sPort, err := net.SplitHostPort(r.addrPub)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(sPort)
	if err != nil {
		return err
	}

	return r.consul.Agent().ServiceRegister(r.definition(host, port))
}

func (r *Registration) definition(host string, port int) *api.AgentServiceRegistration {
	return &api.AgentServiceRegistration{
		Name:    r.svcName,
		ID:      r.ident,
		Address: host,
		Port:    port,
		Meta: map[string]string{
			MetaDataPath: r.dataPath,
		},

		Check: &api.AgentServiceCheck{
			GRPC: r.addrPub,

			// How long to wait between checks.
			Interval: (3 * time.Second).String(),

			// How long to wait for a response before giving up.
			Timeout: (1 * time.Second).String(),

			// How long to wait after a service becomes critical before removing
			// it from the catalog. Might take longer than this in practice.
			DeregisterCriticalServiceAfter: (10 * time.Second).String(),
		},
	}
}

func (r *Registration) Stop() error {
	return r.consul.Agent().ServiceDeregister(r.ident)
}
