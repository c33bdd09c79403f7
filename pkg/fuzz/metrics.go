package fuzz

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	opErrors    = metrics.NewCounter("fuzz_errors_total")
	opTimeouts  = metrics.NewCounter("fuzz_timeouts_total")
	feedsOpened = metrics.NewCounter("fuzz_feeds_total")
	changes     = metrics.NewCounter("fuzz_changes_total")
)

func ops(k Kind) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`fuzz_ops_total{op=%q}`, k))
}
