package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"github.com/adammck/fixture/pkg/backend/rpc"
	"github.com/adammck/fixture/pkg/cluster"
	"github.com/adammck/fixture/pkg/discovery/consul"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/encoding/protojson"
)

const Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "fixturectl",
	Short: "manage test clusters and fixture tables",
	Long: `fixturectl starts simulated clusters, checks (and repairs) fixture tables on
running clusters, and fuzzes them with random schema and placement changes.

Every flag can also be set via an environment variable named FIXTURE_<flag>,
e.g. FIXTURE_READY_TIMEOUT=1m, or in a .env file in the working directory.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fuzzCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads .env files and environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("fixture")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags is a PreRunE which makes the flags of the command available via
// viper, so that they can be overridden by the environment.
func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// addClusterFlags adds the flags which select the cluster to connect to.
func addClusterFlags(cmd *cobra.Command) {
	cmd.Flags().String("nodes", "", "nodes to connect to, as name=host:port,... (ignored with --consul)")
	cmd.Flags().Bool("consul", false, "discover nodes via the local consul agent")
	cmd.Flags().String("service", "fixture", "consul service name of the nodes")
	cmd.Flags().Duration("dial-timeout", 5*time.Second, "how long to wait when connecting to a node")
}

func consulClient() (*consulapi.Client, error) {
	client, err := consulapi.NewClient(consulapi.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("consul: %w", err)
	}

	return client, nil
}

func membership() (cluster.Membership, error) {
	if viper.GetBool("consul") {
		client, err := consulClient()
		if err != nil {
			return nil, err
		}

		return consul.NewMembership(viper.GetString("service"), client), nil
	}

	nodes, err := cluster.ParseNodes(viper.GetString("nodes"))
	if err != nil {
		return nil, err
	}

	return cluster.Static(nodes...), nil
}

// connector returns a connection provider for the cluster selected by the
// cluster flags.
func connector() (cluster.Membership, *cluster.Connector, error) {
	members, err := membership()
	if err != nil {
		return nil, nil, err
	}

	timeout := viper.GetDuration("dial-timeout")

	dial := func(ctx context.Context, n api.Node) (backend.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		c, err := rpc.Dial(ctx, n.Addr())
		if err != nil {
			return nil, err
		}

		return c, nil
	}

	return members, cluster.NewConnector(members, dial), nil
}

// signalContext returns a context which is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sig
		cancel()
	}()

	return ctx, cancel
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	s, err := rpc.ToStruct(v)
	if err != nil {
		return err
	}

	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}

	fmt.Println(string(b))
	return nil
}
