package main

import (
	"time"

	"github.com/adammck/fixture/pkg/fuzz"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var fuzzCmd = &cobra.Command{
	Use:   "fuzz",
	Short: "run random schema, placement, and write operations against a cluster",
	Long: `Run randomly chosen operations (creating and dropping databases, tables, and
indexes; inserting records; reconfiguring and rebalancing tables; following
changefeeds; waiting for tables) against a running cluster.

Errors which the cluster returns for individual operations are logged and
ignored. Fuzzing stops early if a node can't be reached, or if a wait times
out (unless --ignore-timeouts is given).`,
	PreRunE: bindFlags,
	RunE:    runFuzz,
}

func init() {
	addClusterFlags(fuzzCmd)

	f := fuzzCmd.Flags()
	f.Int64("seed", 0, "random seed (default: now)")
	f.Duration("duration", 120*time.Second, "how long to fuzz for")
	f.Int("max-ops", 0, "stop after this many ops (default: no limit)")
	f.Int("threads", 1, "number of concurrent workers")
	f.Bool("ignore-timeouts", false, "keep fuzzing when a wait times out")
	f.Bool("progress", false, "log the time remaining every 10s")
	f.Duration("interval", 0, "pause between the ops of each worker")
	f.Duration("wait-timeout", 30*time.Second, "timeout of each wait op")
	f.String("weights", "", "path to a YAML file of op weights")
}

func runFuzz(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	weights := fuzz.DefaultWeights()
	if path := viper.GetString("weights"); path != "" {
		var err error
		weights, err = fuzz.LoadWeights(path)
		if err != nil {
			return err
		}
	}

	members, conns, err := connector()
	if err != nil {
		return err
	}
	defer conns.Close()

	r, err := fuzz.New(fuzz.Options{
		Conns:          conns,
		Members:        members,
		Seed:           viper.GetInt64("seed"),
		Duration:       viper.GetDuration("duration"),
		MaxOps:         viper.GetInt("max-ops"),
		Threads:        viper.GetInt("threads"),
		IgnoreTimeouts: viper.GetBool("ignore-timeouts"),
		Progress:       viper.GetBool("progress"),
		Interval:       viper.GetDuration("interval"),
		WaitTimeout:    viper.GetDuration("wait-timeout"),
		Weights:        weights,
	})
	if err != nil {
		return err
	}

	stats, err := r.Run(ctx)
	if perr := printJSON(stats); perr != nil && err == nil {
		err = perr
	}

	return err
}
