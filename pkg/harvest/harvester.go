// Package harvest runs collection tasks on a bounded worker pool.
//
// Each task walks one collection, probes access on its first record and
// persists the merged result. A fixed set of workers pulls tasks from an
// unbuffered channel, so dispatch blocks while every worker is busy and the
// number of running tasks never exceeds the configured concurrency. One
// failing collection never cancels its siblings; every outcome is collected
// before Run returns.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/access"
	"github.com/Sternrassler/dataverse-harvester/pkg/catalog"
	"github.com/Sternrassler/dataverse-harvester/pkg/pagination"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_tasks_in_flight",
		Help: "Collection tasks currently running",
	})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_tasks_total",
		Help: "Finished collection tasks by state and error kind",
	}, []string{"state", "kind"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_task_duration_seconds",
		Help:    "Collection task duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
)

// DefaultConcurrency is used when Config.Concurrency is not positive.
const DefaultConcurrency = 4

// Walker fetches every page of one collection.
type Walker interface {
	Walk(ctx context.Context, setName string, pageSize int) (*pagination.Result, error)
}

// Prober looks up the rights an actor holds on one record.
type Prober interface {
	Probe(ctx context.Context, logicalName, recordID, actorID string) (*access.Result, error)
}

// Sink persists a merged collection and returns where it was written.
type Sink interface {
	Persist(ctx context.Context, result *pagination.Result) (string, error)
}

// Deps are the task stages. Prober may be nil, which disables probing.
type Deps struct {
	Walker Walker
	Prober Prober
	Sink   Sink
}

// Config holds harvester configuration.
type Config struct {
	// Concurrency is the number of workers (default 4).
	Concurrency int

	// PageSize is passed to every walk as the page size preference.
	PageSize int

	// Probe enables the access probe.
	Probe bool
}

// Harvester runs collection tasks.
type Harvester struct {
	deps   Deps
	config Config
	logger zerolog.Logger
}

// New creates a harvester.
func New(deps Deps, cfg Config, logger zerolog.Logger) (*Harvester, error) {
	if deps.Walker == nil {
		return nil, errors.New("harvest: walker is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("harvest: sink is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Harvester{
		deps:   deps,
		config: cfg,
		logger: logger.With().Str("component", "harvest").Logger(),
	}, nil
}

// Concurrency returns the effective worker count.
func (h *Harvester) Concurrency() int {
	return h.config.Concurrency
}

// Run harvests defs and returns one outcome per definition, in input order.
// actorID is the user the access probe runs for; empty disables probing.
//
// Cancelling ctx stops dispatch: collections not yet handed to a worker are
// marked Failed(cancelled). Tasks already running are not interrupted.
func (h *Harvester) Run(ctx context.Context, defs []catalog.Definition, actorID string) *Summary {
	summary := &Summary{
		RunID:    uuid.NewString(),
		Started:  time.Now(),
		Outcomes: make([]TaskOutcome, len(defs)),
	}
	for i, d := range defs {
		summary.Outcomes[i] = TaskOutcome{Collection: d.SetName, LogicalName: d.LogicalName, State: StatePending}
	}

	logger := h.logger.With().Str("run_id", summary.RunID).Logger()
	logger.Info().
		Int("collections", len(defs)).
		Int("concurrency", h.config.Concurrency).
		Msg("Harvest started")

	taskCtx := context.WithoutCancel(ctx)
	tasks := make(chan int)

	workers := min(h.config.Concurrency, len(defs))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				out := h.runTask(taskCtx, defs[i], actorID)
				h.report(logger, out)
				summary.Outcomes[i] = out
			}
		}()
	}

dispatch:
	for i := range defs {
		if ctx.Err() == nil {
			select {
			case tasks <- i:
				continue
			case <-ctx.Done():
			}
		}
		for j := i; j < len(defs); j++ {
			out := summary.Outcomes[j]
			out.State = StateFailed
			out.Err = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
			out.Kind = KindCancelled
			h.report(logger, out)
			summary.Outcomes[j] = out
		}
		break dispatch
	}
	close(tasks)
	wg.Wait()

	summary.Finished = time.Now()
	logger.Debug().Int("collections", len(defs)).Msg("All tasks collected")

	return summary
}

// runTask walks, probes and persists one collection. A panic anywhere in the
// task becomes Failed(internal).
func (h *Harvester) runTask(ctx context.Context, def catalog.Definition, actorID string) (out TaskOutcome) {
	start := time.Now()
	out = TaskOutcome{Collection: def.SetName, LogicalName: def.LogicalName, State: StateRunning}

	tasksInFlight.Inc()
	defer func() {
		tasksInFlight.Dec()
		if r := recover(); r != nil {
			out = TaskOutcome{
				Collection:  def.SetName,
				LogicalName: def.LogicalName,
				State:       StateFailed,
				Err:         fmt.Errorf("panic in task: %v", r),
				Kind:        KindInternal,
			}
		}
		out.Duration = time.Since(start)
		taskDuration.Observe(out.Duration.Seconds())
	}()

	result, err := h.deps.Walker.Walk(ctx, def.SetName, h.config.PageSize)
	if err != nil {
		return failed(out, err)
	}

	if h.shouldProbe(result, actorID) {
		granted, err := h.probe(ctx, def, result, actorID)
		if err != nil {
			out.ProbeErr = err
			out.ProbeKind = Classify(err)
		} else {
			out.Access = granted
		}
	}

	path, err := h.deps.Sink.Persist(ctx, result)
	if err != nil {
		return failed(out, err)
	}

	out.Result = result
	out.Path = path
	out.State = StateCompleted
	return out
}

func (h *Harvester) shouldProbe(result *pagination.Result, actorID string) bool {
	return h.config.Probe && h.deps.Prober != nil && actorID != "" && result.RecordCount > 0
}

// probe checks access on the first record, so the sample is reproducible.
func (h *Harvester) probe(ctx context.Context, def catalog.Definition, result *pagination.Result, actorID string) (*access.Result, error) {
	id, err := access.SampleID(result.Records[0], def.PrimaryIDAttribute)
	if err != nil {
		return nil, err
	}
	return h.deps.Prober.Probe(ctx, def.LogicalName, id, actorID)
}

func failed(out TaskOutcome, err error) TaskOutcome {
	out.State = StateFailed
	out.Err = err
	out.Kind = Classify(err)
	out.Result = nil
	out.Access = nil
	return out
}

// report writes the per-collection log line and outcome metrics.
func (h *Harvester) report(logger zerolog.Logger, out TaskOutcome) {
	tasksTotal.WithLabelValues(string(out.State), string(out.Kind)).Inc()

	if out.State == StateFailed {
		logger.Warn().
			Err(out.Err).
			Str("collection", out.Collection).
			Str("error_kind", string(out.Kind)).
			Msg("Collection failed")
		return
	}

	if out.ProbeErr != nil {
		logger.Warn().
			Err(out.ProbeErr).
			Str("collection", out.Collection).
			Str("error_kind", string(out.ProbeKind)).
			Msg("Access probe failed")
	}

	event := logger.Info().
		Str("collection", out.Collection).
		Int("record_count", out.Result.RecordCount).
		Int("pages", out.Result.Pages).
		Str("path", out.Path).
		Dur("duration", out.Duration)
	if out.Access != nil {
		event = event.Str("granted_access_rights", out.Access.GrantedAccessRights)
	}
	event.Msg("Collection harvested")
}
