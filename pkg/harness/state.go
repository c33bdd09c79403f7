package harness

import (
	"fmt"
)

// State is where a TestContext is in the lifecycle of a single test.
type State uint8

const (
	// NoCluster means that there's no cluster, either because no test has
	// been set up yet, or because the last one was thrown away.
	NoCluster State = iota

	// ClusterHealthy means that every server has been started and is ready.
	ClusterHealthy

	// TableReconciled means that the table has been checked (and repaired)
	// and is fully available.
	TableReconciled

	// TestRunning is between a successful Setup and the following Release.
	TestRunning

	// PassedCleanup means that the last test passed, and the cluster has been
	// kept for the next one (unless the test was destructive).
	PassedCleanup

	// FailedArchive means that the last test failed, or left a server
	// unhealthy, so the cluster was stopped and its data dirs archived.
	FailedArchive
)

//go:generate stringer -type=State -output=state_string.go

type StateTransition struct {
	from State
	to   State
}

var StateTransitions []StateTransition

func init() {
	StateTransitions = []StateTransition{
		// Happy Path
		{NoCluster, ClusterHealthy},       // Setup
		{ClusterHealthy, TableReconciled}, // Setup
		{TableReconciled, TestRunning},    // Setup
		{TestRunning, PassedCleanup},      // Release

		// Suites without a table
		{ClusterHealthy, TestRunning},

		// Next test, same cluster
		{PassedCleanup, ClusterHealthy},
		{ClusterHealthy, ClusterHealthy},

		// Test failed
		{TestRunning, FailedArchive},
		{FailedArchive, ClusterHealthy},

		// Setup failed partway, but the test was released anyway
		{ClusterHealthy, FailedArchive},
		{TableReconciled, FailedArchive},
	}
}

// CanTransition returns an error if the lifecycle shouldn't move from one
// state to the other. Dropping the cluster is always allowed.
func CanTransition(from, to State) error {
	if to == NoCluster {
		return nil
	}

	for _, t := range StateTransitions {
		if t.from == from && t.to == to {
			return nil
		}
	}

	return fmt.Errorf("invalid transition: from=%s, to:%s", from.String(), to.String())
}
