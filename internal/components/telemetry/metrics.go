package telemetry

import (
	"context"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
)

const meterName = "lrs-analytics"

var invalidMetricChars = regexp.MustCompile(`[^A-Za-z0-9_./-]+`)

// MetricName turns a scoped report id ("attribution: resolver.gap") into an
// instrument name ("attribution.resolver.gap").
func MetricName(id string) string {
	return strings.Trim(invalidMetricChars.ReplaceAllString(id, "."), ".")
}

// RecordCount records n on the gauge named after id on the global meter provider.
// A gauge keeps the last run's value, counts are not summed across runs. Without a
// configured provider this is a no-op.
func RecordCount(ctx context.Context, id string, n int64) error {
	gauge, err := otel.Meter(meterName).Int64Gauge(MetricName(id))
	if err != nil {
		return err
	}
	gauge.Record(ctx, n)
	return nil
}
