package harvest

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/access"
	"github.com/Sternrassler/dataverse-harvester/pkg/pagination"
	"github.com/Sternrassler/dataverse-harvester/pkg/sink"
)

// State is the lifecycle position of one collection task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrorKind names the failure class of a task or probe.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindPageFetch          ErrorKind = "page_fetch"
	KindIO                 ErrorKind = "io"
	KindMissingPrimaryID   ErrorKind = "missing_primary_id"
	KindNonStringPrimaryID ErrorKind = "non_string_primary_id"
	KindNestedDecode       ErrorKind = "nested_decode"
	KindProbeLookup        ErrorKind = "probe_lookup"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
)

// ErrCancelled is recorded for collections never dispatched because the run
// context ended first.
var ErrCancelled = errors.New("run cancelled before dispatch")

// Classify maps an error to its kind. nil maps to KindNone.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, pagination.ErrPageFetch):
		return KindPageFetch
	case errors.Is(err, sink.ErrIO):
		return KindIO
	case errors.Is(err, access.ErrMissingPrimaryID):
		return KindMissingPrimaryID
	case errors.Is(err, access.ErrNonStringPrimaryID):
		return KindNonStringPrimaryID
	case errors.Is(err, access.ErrNestedDecode):
		return KindNestedDecode
	case errors.Is(err, access.ErrLookup):
		return KindProbeLookup
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// TaskOutcome is the terminal state of one collection. A Completed outcome
// carries Result and Path, and Access unless the probe was skipped or failed.
// A Failed outcome carries Err and Kind.
type TaskOutcome struct {
	Collection  string
	LogicalName string
	State       State

	Result *pagination.Result
	Access *access.Result
	Path   string

	// ProbeErr is set when the access probe failed. It never fails the task.
	ProbeErr  error
	ProbeKind ErrorKind

	Err  error
	Kind ErrorKind

	Duration time.Duration
}

// Summary collects every outcome of a run in catalog order.
type Summary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Outcomes []TaskOutcome
}

// Completed returns the number of completed collections.
func (s *Summary) Completed() int {
	return s.count(StateCompleted)
}

// Failed returns the number of failed collections.
func (s *Summary) Failed() int {
	return s.count(StateFailed)
}

func (s *Summary) count(state State) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

// Records returns the number of records persisted across the run.
func (s *Summary) Records() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.State == StateCompleted && o.Result != nil {
			n += o.Result.RecordCount
		}
	}
	return n
}

// FailuresByKind counts failed collections per kind.
func (s *Summary) FailuresByKind() map[ErrorKind]int {
	out := make(map[ErrorKind]int)
	for _, o := range s.Outcomes {
		if o.State == StateFailed {
			out[o.Kind]++
		}
	}
	return out
}

// Duration returns the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}
