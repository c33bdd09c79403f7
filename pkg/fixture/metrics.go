package fixture

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/adammck/fixture/pkg/api"
)

var (
	recreates  = metrics.NewCounter("fixture_recreates_total")
	placements = metrics.NewCounter("fixture_placements_total")
	filled     = metrics.NewCounter("fixture_filled_records_total")
)

// repaired counts repairs by the class of drift which they fixed.
func repaired(d api.Drift) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf("fixture_repairs_total{drift=%q}", d))
}
