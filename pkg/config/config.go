package config

import (
	"fmt"
	"time"
)

// Config defines the behavior of the test harness and the fixture reconciler.
// The zero value isn't useful; start from Default.
type Config struct {

	// Servers names the servers which must be started for every test. The
	// first is started and waited on before the others, since the others will
	// join it.
	Servers []string

	// ServerCount is how many servers to start when Servers is empty. More are
	// started if the table needs them to give each replica its own server.
	ServerCount int

	// DataDir is where the data dirs of simulated nodes are created.
	DataDir string

	// ArchiveDir is where the data dirs of every node are copied to when a
	// test fails, under a directory named after the test.
	ArchiveDir string

	// Destructive tests damage the cluster, so it's torn down after each one,
	// pass or fail.
	Destructive bool

	// ReadyTimeout bounds how long to wait for servers to start, and for
	// tables to become ready. Zero means no limit.
	ReadyTimeout time.Duration

	// FillBatch is the maximum number of records inserted at once when
	// filling a table.
	FillBatch int

	// CheckBatch is the width of each range of keys fetched when looking for
	// missing records.
	CheckBatch int
}

func Default() Config {
	return Config{
		ServerCount:  1,
		ArchiveDir:   "test-artifacts",
		ReadyTimeout: 30 * time.Second,
		FillBatch:    100,
		CheckBatch:   1000,
	}
}

func (c Config) Validate() error {
	if c.ServerCount < 0 {
		return fmt.Errorf("invalid server count: %d", c.ServerCount)
	}

	if len(c.Servers) == 0 && c.ServerCount == 0 {
		return fmt.Errorf("must have at least one server")
	}

	seen := map[string]struct{}{}
	for _, s := range c.Servers {
		if s == "" {
			return fmt.Errorf("server name can't be empty")
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("duplicate server name: %s", s)
		}
		seen[s] = struct{}{}
	}

	if c.FillBatch < 1 {
		return fmt.Errorf("invalid fill batch: %d", c.FillBatch)
	}

	if c.CheckBatch < 1 {
		return fmt.Errorf("invalid check batch: %d", c.CheckBatch)
	}

	if c.ReadyTimeout < 0 {
		return fmt.Errorf("invalid ready timeout: %s", c.ReadyTimeout)
	}

	return nil
}

// ServersNeeded returns the number of servers to start for a table with the
// given number of shards and replicas.
func (c Config) ServersNeeded(shards, replicas int) int {
	n := c.ServerCount
	if len(c.Servers) > 0 {
		n = len(c.Servers)
	}

	if need := shards * replicas; need > n {
		return need
	}

	return n
}
