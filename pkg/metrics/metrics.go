// Package metrics provides the Prometheus registry used by the harvester.
// All metrics are defined in their respective packages (client, pagination,
// harvest, cache, ratelimit) to maintain modularity and avoid circular
// dependencies.
//
// A harvest is a batch job with no long-lived endpoint to scrape, so the
// collected metrics are pushed to a Pushgateway when a run ends.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source of pushed metrics.
var Gatherer = prometheus.DefaultGatherer

// DefaultJob is the Pushgateway job label.
const DefaultJob = "dataverse_harvester"

// PushConfig describes where a run's metrics go.
type PushConfig struct {
	// URL is the Pushgateway address. Empty disables pushing.
	URL string

	// Job is the job label (default DefaultJob).
	Job string

	// Instance groups pushes per harvested instance, e.g. the target host.
	Instance string
}

// Enabled reports whether a Pushgateway is configured.
func (c PushConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// Push sends every registered metric to the Pushgateway, replacing the
// previous push for the same job and instance.
func Push(ctx context.Context, cfg PushConfig, gatherer prometheus.Gatherer) error {
	if !cfg.Enabled() {
		return errors.New("pushgateway url is empty")
	}
	if gatherer == nil {
		gatherer = Gatherer
	}
	job := cfg.Job
	if job == "" {
		job = DefaultJob
	}

	pusher := push.New(cfg.URL, job).Gatherer(gatherer)
	if cfg.Instance != "" {
		pusher = pusher.Grouping("instance", cfg.Instance)
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", cfg.URL, err)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvester_requests_total{status} (Counter): Web API requests by HTTP status
//   - harvester_request_duration_seconds (Histogram): Request duration
//   - harvester_errors_total{class} (Counter): Errors by class (client, server, throttled, network)
//
// Budget Metrics (pkg/ratelimit):
//   - harvester_ratelimit_burst_remaining (Gauge): Requests left in the service protection window
//   - harvester_ratelimit_time_remaining_seconds (Gauge): Execution time left in the window
//   - harvester_ratelimit_low_total (Counter): Responses reporting a low burst budget
//   - harvester_pacer_wait_seconds (Histogram): Time spent waiting for a request token
//
// Pagination Metrics (pkg/pagination):
//   - harvester_pages_fetched_total (Counter): Pages fetched and decoded
//   - harvester_records_fetched_total (Counter): Records decoded
//   - harvester_walk_duration_seconds (Histogram): Time to walk one collection
//
// Probe Metrics (pkg/access):
//   - harvester_access_probes_total{result} (Counter): Probes by result (ok, lookup, nested_decode)
//
// Sink Metrics (pkg/sink):
//   - harvester_sink_files_written_total (Counter): Collection files written
//   - harvester_sink_bytes_written_total (Counter): Bytes written
//
// Task Metrics (pkg/harvest):
//   - harvester_tasks_in_flight (Gauge): Running collection tasks
//   - harvester_tasks_total{state, kind} (Counter): Finished tasks by state and error kind
//   - harvester_task_duration_seconds (Histogram): Task duration
//
// Cache Metrics (pkg/cache):
//   - harvester_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - harvester_cache_misses_total (Counter): Cache misses
//   - harvester_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - harvester_cache_304_responses_total (Counter): Successful revalidations
//   - harvester_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Failed collections in the last run
//   sum by (kind) (harvester_tasks_total{state="failed"})
//
//   # Throttled requests
//   harvester_errors_total{class="throttled"}
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvester_request_duration_seconds_bucket[5m]))
