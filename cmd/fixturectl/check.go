package main

import (
	"context"
	"log"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/config"
	"github.com/adammck/fixture/pkg/fixture"
	"github.com/adammck/fixture/pkg/persister/consul"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check a fixture table on a running cluster",
	Long: `Check that a table has the given structure and contents. With --repair, the
table is created, reconfigured, and (re)filled as needed.

Without --repair, only the structure of the table is checked, since the range
of keys which it should contain isn't known until it has been filled. With
--persist, the range is stored in the consul KV store after each fill, so a
later check can verify the contents too.`,
	PreRunE: bindFlags,
	RunE:    runCheck,
}

func init() {
	addClusterFlags(checkCmd)

	f := checkCmd.Flags()
	f.String("db", "test", "database name")
	f.String("table", "", "table name (required)")
	f.String("primary-key", api.DefaultPrimaryKey, "primary key of the table")
	f.Int("shards", 1, "number of shards")
	f.Int("replicas", 1, "number of replicas per shard")
	f.String("durability", string(api.DurabilityHard), "durability: soft or hard")
	f.String("write-acks", string(api.WriteAcksMajority), "write acks: single or majority")
	f.Int("exact", 0, "exact number of records (default: empty table)")
	f.Int("min", 0, "minimum number of records")
	f.Duration("min-duration", 0, "fill for at least this long")
	f.Bool("repair", false, "repair the table rather than only checking it")
	f.Bool("persist", false, "store the range of keys in the table in consul")

	d := config.Default()
	f.Int("fill-batch", d.FillBatch, "records inserted per write when filling")
	f.Int("check-batch", d.CheckBatch, "width of each range of keys checked for missing records")
	f.Duration("ready-timeout", d.ReadyTimeout, "how long to wait for the table to be ready")
}

// tableFlags returns the spec and dataset described by the flags.
func tableFlags() (api.TableSpec, fixture.Dataset) {
	spec := api.TableSpec{
		TableRef: api.TableRef{
			DB:    viper.GetString("db"),
			Table: viper.GetString("table"),
		},
		PrimaryKey: viper.GetString("primary-key"),
		Shards:     viper.GetInt("shards"),
		Replicas:   viper.GetInt("replicas"),
		Durability: api.Durability(viper.GetString("durability")),
		WriteAcks:  api.WriteAcks(viper.GetString("write-acks")),
	}

	p := api.FillPolicy{
		Exact:       viper.GetInt("exact"),
		Min:         viper.GetInt("min"),
		MinDuration: viper.GetDuration("min-duration"),
	}

	if p.IsZero() {
		return spec, fixture.Empty{}
	}

	return spec, fixture.Simple{Policy: p}
}

type checkReport struct {
	Table    api.TableConfig `json:"table"`
	Range    string          `json:"range"`
	Repaired bool            `json:"repaired"`
	Took     string          `json:"took"`
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg := config.Default()
	cfg.FillBatch = viper.GetInt("fill-batch")
	cfg.CheckBatch = viper.GetInt("check-batch")
	cfg.ReadyTimeout = viper.GetDuration("ready-timeout")

	spec, data := tableFlags()

	members, conns, err := connector()
	if err != nil {
		return err
	}
	defer conns.Close()

	opts := fixture.Options{
		Spec:    spec,
		Data:    data,
		Conns:   conns,
		Members: members,
		Config:  &cfg,
	}

	if viper.GetBool("persist") {
		client, err := consulClient()
		if err != nil {
			return err
		}
		opts.Persister = consul.New(client)
	}

	repair := viper.GetBool("repair")
	t := time.Now()

	m, err := check(ctx, opts, repair)
	if err != nil {
		return err
	}

	conn, err := conns.Acquire(ctx)
	if err != nil {
		return err
	}

	tc, err := conn.TableConfig(ctx, m.Ref())
	if err != nil {
		return err
	}

	return printJSON(checkReport{
		Table:    tc,
		Range:    m.Range().String(),
		Repaired: repair,
		Took:     time.Since(t).Round(time.Millisecond).String(),
	})
}

func check(ctx context.Context, opts fixture.Options, repair bool) (*fixture.Manager, error) {
	if repair {
		m, err := fixture.Open(ctx, opts)
		if err != nil {
			return nil, err
		}

		return m, m.Check(ctx, false)
	}

	m, err := fixture.New(opts)
	if err != nil {
		return nil, err
	}

	if err := m.Reconcile(ctx, false); err != nil {
		return nil, err
	}

	err = m.CheckData(ctx, false)
	if api.IsDrift(err, api.DriftUnknownRange) {
		log.Printf("WARN: contents of %s not checked: %v", m.Ref(), err)
		err = nil
	}

	return m, err
}
