package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/cluster/sim"
	"github.com/adammck/fixture/pkg/discovery/consul"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start a simulated cluster",
	Long: `Start a simulated cluster whose nodes listen on real ports, and serve until
interrupted. The nodes are printed in the format which --nodes expects, and can
also be registered with the local consul agent.`,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringSlice("servers", nil, "names of the servers to start")
	f.Int("count", 1, "number of servers to start, if --servers isn't given")
	f.String("host", "localhost", "host for the servers to listen on")
	f.String("data-dir", "", "directory to keep server data in (default: a temp dir)")
	f.String("http", "localhost:8080", "address to serve /metrics and /nodes on (empty to disable)")
	f.Bool("consul", false, "register the servers with the local consul agent")
	f.String("service", "fixture", "consul service name to register the servers as")
	f.Duration("ready-timeout", 30*time.Second, "how long to wait for the servers to be ready")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	opts := sim.Options{
		DataDir: viper.GetString("data-dir"),
		TCP:     true,
		Host:    viper.GetString("host"),

		// So clients can introspect (for debugging).
		Register: func(name string, srv *grpc.Server) {
			reflection.Register(srv)
		},
	}

	if viper.GetBool("consul") {
		if err := withConsul(&opts, viper.GetString("service")); err != nil {
			return err
		}
	}

	c, err := sim.New(opts)
	if err != nil {
		return err
	}

	defer func() {
		if err := c.StopAll(context.Background()); err != nil {
			log.Printf("WARN: error stopping cluster: %v", err)
		}
	}()

	names := viper.GetStringSlice("servers")
	if len(names) == 0 {
		names = make([]string, viper.GetInt("count"))
	}

	timeout := viper.GetDuration("ready-timeout")

	for i, name := range names {
		if _, err := c.Start(ctx, name); err != nil {
			return err
		}

		// The others join the first.
		if i == 0 {
			if err := c.WaitUntilReady(ctx, timeout); err != nil {
				return err
			}
		}
	}

	if err := c.WaitUntilReady(ctx, timeout); err != nil {
		return err
	}

	nodes, err := c.Nodes(ctx)
	if err != nil {
		return err
	}

	log.Printf("serving %d nodes in %s", len(nodes), c.DataDir())
	log.Printf("--nodes=%s", nodesFlag(nodes))

	var srv *http.Server
	if addr := viper.GetString("http"); addr != "" {
		srv = &http.Server{Addr: addr, Handler: newRouter(c)}

		go func() {
			log.Printf("http listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("WARN: http server stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("shutting down")

	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("WARN: error stopping http server: %v", err)
		}
	}

	return nil
}

// withConsul registers each node with consul when it starts, and deregisters
// it when it's stopped.
func withConsul(opts *sim.Options, service string) error {
	client, err := consulapi.NewClient(consulapi.DefaultConfig())
	if err != nil {
		return fmt.Errorf("consul: %w", err)
	}

	regs := map[string]*consul.Registration{}

	opts.OnStart = func(n api.Node) {
		r, err := consul.NewRegistration(service, n, client)
		if err != nil {
			log.Printf("WARN: can't register %s: %v", n.Name, err)
			return
		}

		if err := r.Start(); err != nil {
			log.Printf("WARN: error registering %s: %v", n.Name, err)
			return
		}

		regs[n.Name] = r
	}

	opts.OnStop = func(n api.Node) {
		r, ok := regs[n.Name]
		if !ok {
			return
		}

		if err := r.Stop(); err != nil {
			log.Printf("WARN: error deregistering %s: %v", n.Name, err)
		}

		delete(regs, n.Name)
	}

	return nil
}

func nodesFlag(nodes []api.Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = fmt.Sprintf("%s=%s", n.Name, n.Addr())
	}
	return strings.Join(parts, ",")
}
