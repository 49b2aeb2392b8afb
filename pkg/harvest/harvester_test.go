package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/access"
	"github.com/Sternrassler/dataverse-harvester/pkg/catalog"
	"github.com/Sternrassler/dataverse-harvester/pkg/pagination"
	"github.com/Sternrassler/dataverse-harvester/pkg/record"
	"github.com/Sternrassler/dataverse-harvester/pkg/sink"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeWalker returns canned results and tracks how many walks overlap.
type fakeWalker struct {
	mu      sync.Mutex
	records map[string][]string
	errs    map[string]error
	panics  map[string]bool
	delay   time.Duration
	block   chan struct{}

	running    atomic.Int32
	maxRunning atomic.Int32
	calls      atomic.Int32
}

func (w *fakeWalker) Walk(_ context.Context, setName string, _ int) (*pagination.Result, error) {
	w.calls.Add(1)
	n := w.running.Add(1)
	defer w.running.Add(-1)
	for {
		peak := w.maxRunning.Load()
		if n <= peak || w.maxRunning.CompareAndSwap(peak, n) {
			break
		}
	}

	if w.block != nil {
		<-w.block
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.panics[setName] {
		panic("walker exploded on " + setName)
	}
	if err := w.errs[setName]; err != nil {
		return nil, err
	}

	result := &pagination.Result{SetName: setName, Records: []record.Record{}, Pages: 1}
	for _, raw := range w.records[setName] {
		var rec record.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		result.Records = append(result.Records, rec)
	}
	result.RecordCount = len(result.Records)
	return result, nil
}

type fakeProber struct {
	mu     sync.Mutex
	calls  []string
	result *access.Result
	err    error
}

func (p *fakeProber) Probe(_ context.Context, logicalName, recordID, actorID string) (*access.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("%s/%s/%s", logicalName, recordID, actorID))
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type failingSink struct {
	fail map[string]bool
	next Sink
}

func (s *failingSink) Persist(ctx context.Context, result *pagination.Result) (string, error) {
	if s.fail[result.SetName] {
		return "", &sink.WriteError{Op: "write", Path: result.SetName, Err: errors.New("disk full")}
	}
	return s.next.Persist(ctx, result)
}

func defsFor(names ...string) []catalog.Definition {
	defs := make([]catalog.Definition, len(names))
	for i, n := range names {
		defs[i] = catalog.Definition{
			SchemaName:         n,
			LogicalName:        n[:len(n)-1],
			SetName:            n,
			PrimaryIDAttribute: n[:len(n)-1] + "id",
		}
	}
	return defs
}

func newFileSink(t *testing.T) *sink.FileSink {
	t.Helper()
	s, err := sink.NewFileSink(sink.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestRun_CompletesAndPersists(t *testing.T) {
	walker := &fakeWalker{records: map[string][]string{
		"accounts": {`{"accountid":"a1"}`, `{"accountid":"a2"}`, `{"accountid":"a3"}`},
		"contacts": {`{"contactid":"c1"}`},
	}}
	prober := &fakeProber{result: &access.Result{GrantedAccessRights: "ReadAccess"}}
	fileSink := newFileSink(t)

	h, err := New(Deps{Walker: walker, Prober: prober, Sink: fileSink}, Config{Concurrency: 2, Probe: true}, zerolog.Nop())
	require.NoError(t, err)

	summary := h.Run(context.Background(), defsFor("accounts", "contacts"), "user-1")

	require.NotEmpty(t, summary.RunID)
	require.Len(t, summary.Outcomes, 2)
	require.Equal(t, 2, summary.Completed())
	require.Equal(t, 0, summary.Failed())
	require.Equal(t, 4, summary.Records())

	accounts := summary.Outcomes[0]
	require.Equal(t, "accounts", accounts.Collection)
	require.Equal(t, StateCompleted, accounts.State)
	require.Equal(t, 3, accounts.Result.RecordCount)
	require.Equal(t, filepath.Join(fileSink.Dir(), "accounts.json"), accounts.Path)
	require.NotNil(t, accounts.Access)
	require.Equal(t, "ReadAccess", accounts.Access.GrantedAccessRights)

	require.ElementsMatch(t, []string{"account/a1/user-1", "contact/c1/user-1"}, prober.calls)

	data, err := os.ReadFile(accounts.Path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"recordCount": 3`)
}

func TestRun_FailureIsolation(t *testing.T) {
	walker := &fakeWalker{
		records: map[string][]string{
			"accounts": {`{"accountid":"a1"}`},
			"contacts": {`{"contactid":"c1"}`},
		},
		errs: map[string]error{
			"audits": &pagination.FetchError{Collection: "audits", Page: 2, StatusCode: 500, Err: errors.New("boom")},
		},
	}

	h, err := New(Deps{Walker: walker, Sink: newFileSink(t)}, Config{Concurrency: 2}, zerolog.Nop())
	require.NoError(t, err)

	summary := h.Run(context.Background(), defsFor("accounts", "audits", "contacts"), "")

	require.Equal(t, 2, summary.Completed())
	require.Equal(t, 1, summary.Failed())

	audits := summary.Outcomes[1]
	require.Equal(t, StateFailed, audits.State)
	require.Equal(t, KindPageFetch, audits.Kind)
	require.Nil(t, audits.Result)
	require.Empty(t, audits.Path)

	for _, i := range []int{0, 2} {
		out := summary.Outcomes[i]
		require.Equal(t, StateCompleted, out.State, out.Collection)
		require.NoError(t, out.Err)
		require.Equal(t, KindNone, out.Kind)
	}
	require.Equal(t, map[ErrorKind]int{KindPageFetch: 1}, summary.FailuresByKind())
}

func TestRun_ProbeSkippedForEmptyCollection(t *testing.T) {
	walker := &fakeWalker{records: map[string][]string{"audits": {}}}
	prober := &fakeProber{result: &access.Result{GrantedAccessRights: "ReadAccess"}}

	h, err := New(Deps{Walker: walker, Prober: prober, Sink: newFileSink(t)}, Config{Probe: true}, zerolog.Nop())
	require.NoError(t, err)

	summary := h.Run(context.Background(), defsFor("audits"), "user-1")

	require.Equal(t, StateCompleted, summary.Outcomes[0].State)
	require.Nil(t, summary.Outcomes[0].Access)
	require.Equal(t, 0, prober.callCount())
}

func TestRun_ProbeDisabled(t *testing.T) {
	walker := &fakeWalker{records: map[string][]string{"accounts": {`{"accountid":"a1"}`}}}
	prober := &fakeProber{result: &access.Result{GrantedAccessRights: "ReadAccess"}}

	tests := []struct {
		name    string
		probe   bool
		actorID string
	}{
		{"flag off", false, "user-1"},
		{"no actor", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(Deps{Walker: walker, Prober: prober, Sink: newFileSink(t)}, Config{Probe: tt.probe}, zerolog.Nop())
			require.NoError(t, err)

			summary := h.Run(context.Background(), defsFor("accounts"), tt.actorID)
			require.Equal(t, StateCompleted, summary.Outcomes[0].State)
			require.Equal(t, 0, prober.callCount())
		})
	}
}

func TestRun_ProbeFailureStillPersists(t *testing.T) {
	tests := []struct {
		name     string
		records  []string
		probeErr error
		wantKind ErrorKind
	}{
		{
			name:     "nested decode",
			records:  []string{`{"accountid":"a1"}`},
			probeErr: &access.ProbeError{Kind: access.ErrNestedDecode, Err: errors.New("invalid character 'o'")},
			wantKind: KindNestedDecode,
		},
		{
			name:     "lookup",
			records:  []string{`{"accountid":"a1"}`},
			probeErr: &access.ProbeError{Kind: access.ErrLookup, Err: errors.New("403")},
			wantKind: KindProbeLookup,
		},
		{
			name:     "missing primary id",
			records:  []string{`{"name":"no id"}`},
			wantKind: KindMissingPrimaryID,
		},
		{
			name:     "non-string primary id",
			records:  []string{`{"accountid":42}`},
			wantKind: KindNonStringPrimaryID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			walker := &fakeWalker{records: map[string][]string{"accounts": tt.records}}
			prober := &fakeProber{err: tt.probeErr, result: &access.Result{GrantedAccessRights: "ReadAccess"}}

			h, err := New(Deps{Walker: walker, Prober: prober, Sink: newFileSink(t)}, Config{Probe: true}, zerolog.Nop())
			require.NoError(t, err)

			out := h.Run(context.Background(), defsFor("accounts"), "user-1").Outcomes[0]

			require.Equal(t, StateCompleted, out.State)
			require.Error(t, out.ProbeErr)
			require.Equal(t, tt.wantKind, out.ProbeKind)
			require.Nil(t, out.Access)
			require.FileExists(t, out.Path)
		})
	}
}

func TestRun_PersistFailure(t *testing.T) {
	walker := &fakeWalker{records: map[string][]string{
		"accounts": {`{"accountid":"a1"}`},
		"contacts": {`{"contactid":"c1"}`},
	}}
	s := &failingSink{fail: map[string]bool{"contacts": true}, next: newFileSink(t)}

	h, err := New(Deps{Walker: walker, Sink: s}, Config{}, zerolog.Nop())
	require.NoError(t, err)

	summary := h.Run(context.Background(), defsFor("accounts", "contacts"), "")

	require.Equal(t, StateCompleted, summary.Outcomes[0].State)
	require.Equal(t, StateFailed, summary.Outcomes[1].State)
	require.Equal(t, KindIO, summary.Outcomes[1].Kind)
	require.ErrorIs(t, summary.Outcomes[1].Err, sink.ErrIO)
}

func TestRun_RecordsTaskMetrics(t *testing.T) {
	completed := tasksTotal.WithLabelValues(string(StateCompleted), string(KindNone))
	failedWalks := tasksTotal.WithLabelValues(string(StateFailed), string(KindPageFetch))
	beforeCompleted := promtest.ToFloat64(completed)
	beforeFailed := promtest.ToFloat64(failedWalks)

	walker := &fakeWalker{
		records: map[string][]string{"accounts": {`{"accountid":"a1"}`}},
		errs:    map[string]error{"leads": &pagination.FetchError{Collection: "leads", Page: 1, StatusCode: 403, Err: errors.New("forbidden")}},
	}
	h, err := New(Deps{Walker: walker, Sink: newFileSink(t)}, Config{Concurrency: 2}, zerolog.Nop())
	require.NoError(t, err)

	h.Run(context.Background(), defsFor("accounts", "leads"), "")

	require.Equal(t, beforeCompleted+1, promtest.ToFloat64(completed))
	require.Equal(t, beforeFailed+1, promtest.ToFloat64(failedWalks))
	require.Equal(t, float64(0), promtest.ToFloat64(tasksInFlight))
}

func TestRun_PanicIsRecovered(t *testing.T) {
	walker := &fakeWalker{
		records: map[string][]string{"accounts": {`{"accountid":"a1"}`}},
		panics:  map[string]bool{"contacts": true},
	}

	h, err := New(Deps{Walker: walker, Sink: newFileSink(t)}, Config{Concurrency: 1}, zerolog.Nop())
	require.NoError(t, err)

	summary := h.Run(context.Background(), defsFor("contacts", "accounts"), "")

	require.Equal(t, StateFailed, summary.Outcomes[0].State)
	require.Equal(t, KindInternal, summary.Outcomes[0].Kind)
	require.ErrorContains(t, summary.Outcomes[0].Err, "walker exploded")
	require.Equal(t, StateCompleted, summary.Outcomes[1].State)
}

func TestRun_CancelledBeforeDispatch(t *testing.T) {
	walker := &fakeWalker{records: map[string][]string{"accounts": {}, "contacts": {}}}

	h, err := New(Deps{Walker: walker, Sink: newFileSink(t)}, Config{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := h.Run(ctx, defsFor("accounts", "contacts"), "")

	require.Equal(t, int32(0), walker.calls.Load())
	for _, out := range summary.Outcomes {
		require.Equal(t, StateFailed, out.State)
		require.Equal(t, KindCancelled, out.Kind)
		require.ErrorIs(t, out.Err, ErrCancelled)
		require.ErrorIs(t, out.Err, context.Canceled)
	}
}

func TestRun_CancelDoesNotInterruptRunningTask(t *testing.T) {
	block := make(chan struct{})
	walker := &fakeWalker{
		records: map[string][]string{"accounts": {`{"accountid":"a1"}`}, "contacts": {}, "leads": {}},
		block:   block,
	}

	h, err := New(Deps{Walker: walker, Sink: newFileSink(t)}, Config{Concurrency: 1}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Summary)
	go func() {
		done <- h.Run(ctx, defsFor("accounts", "contacts", "leads"), "")
	}()

	require.Eventually(t, func() bool { return walker.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	// Give the dispatcher time to observe the cancellation before unblocking.
	time.Sleep(20 * time.Millisecond)
	close(block)

	summary := <-done
	require.Equal(t, StateCompleted, summary.Outcomes[0].State)
	require.Equal(t, KindCancelled, summary.Outcomes[1].Kind)
	require.Equal(t, KindCancelled, summary.Outcomes[2].Kind)
	require.Equal(t, int32(1), walker.calls.Load())
}

func TestRun_EmptyCatalog(t *testing.T) {
	h, err := New(Deps{Walker: &fakeWalker{}, Sink: newFileSink(t)}, Config{}, zerolog.Nop())
	require.NoError(t, err)

	summary := h.Run(context.Background(), nil, "")
	require.Empty(t, summary.Outcomes)
	require.False(t, summary.Finished.Before(summary.Started))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Deps{Sink: &failingSink{}}, Config{}, zerolog.Nop())
	require.Error(t, err)

	_, err = New(Deps{Walker: &fakeWalker{}}, Config{}, zerolog.Nop())
	require.Error(t, err)

	h, err := New(Deps{Walker: &fakeWalker{}, Sink: &failingSink{}}, Config{Concurrency: -1}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, DefaultConcurrency, h.Concurrency())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{&pagination.FetchError{Err: errors.New("x")}, KindPageFetch},
		{fmt.Errorf("wrapped: %w", &sink.WriteError{Op: "rename", Err: errors.New("x")}), KindIO},
		{&access.ProbeError{Kind: access.ErrMissingPrimaryID}, KindMissingPrimaryID},
		{&access.ProbeError{Kind: access.ErrNonStringPrimaryID}, KindNonStringPrimaryID},
		{&access.ProbeError{Kind: access.ErrNestedDecode}, KindNestedDecode},
		{&access.ProbeError{Kind: access.ErrLookup}, KindProbeLookup},
		{ErrCancelled, KindCancelled},
		{context.DeadlineExceeded, KindCancelled},
		{errors.New("other"), KindInternal},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, Classify(tt.err), "Classify(%v)", tt.err)
	}
}

// The number of simultaneously running tasks never exceeds the worker count,
// and every collection gets exactly one outcome.
func TestRun_ConcurrencyBoundProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := rapid.IntRange(1, 6).Draw(rt, "concurrency")
		n := rapid.IntRange(c, 16).Draw(rt, "collections")

		names := make([]string, n)
		records := make(map[string][]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("set%ds", i)
			records[names[i]] = []string{fmt.Sprintf(`{"set%did":"r%d"}`, i, i)}
		}

		walker := &fakeWalker{records: records, delay: time.Millisecond}
		dir, err := os.MkdirTemp("", "harvest-prop-*")
		if err != nil {
			rt.Fatalf("MkdirTemp() error = %v", err)
		}
		defer os.RemoveAll(dir)
		fileSink, err := sink.NewFileSink(sink.Config{Dir: dir})
		if err != nil {
			rt.Fatalf("NewFileSink() error = %v", err)
		}

		h, err := New(Deps{Walker: walker, Sink: fileSink}, Config{Concurrency: c}, zerolog.Nop())
		if err != nil {
			rt.Fatalf("New() error = %v", err)
		}

		summary := h.Run(context.Background(), defsFor(names...), "")

		if got := walker.maxRunning.Load(); int(got) > c {
			rt.Fatalf("max running = %d, exceeds concurrency %d", got, c)
		}
		if len(summary.Outcomes) != n || summary.Completed() != n {
			rt.Fatalf("completed = %d of %d", summary.Completed(), n)
		}
		for i, out := range summary.Outcomes {
			if out.Collection != names[i] {
				rt.Fatalf("Outcomes[%d] = %q, want %q", i, out.Collection, names[i])
			}
		}
	})
}
