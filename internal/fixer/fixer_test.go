package fixer

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/agent"
	"github.com/fyrsmithlabs/heald/internal/bus"
	"github.com/fyrsmithlabs/heald/internal/config"
	"github.com/fyrsmithlabs/heald/internal/store"
)

// mockInvoker returns canned agent results.
type mockInvoker struct {
	result     *agent.Result
	err        error
	calls      int
	syntaxFail map[string]bool
}

func (m *mockInvoker) Invoke(context.Context, *store.Error) (*agent.Result, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockInvoker) CheckSyntax(_ context.Context, filePath string) bool {
	return !m.syntaxFail[filePath]
}

// mockController records service restarts.
type mockController struct {
	stops, starts, waits int
	stopErr              error
}

func (m *mockController) Stop(context.Context) error {
	m.stops++
	return m.stopErr
}

func (m *mockController) Start(context.Context) error {
	m.starts++
	return nil
}

func (m *mockController) WaitUntilReady(context.Context) error {
	m.waits++
	return nil
}

// blockingInvoker stands in for a long agent run; it blocks until its
// context is cancelled or a hard cap elapses.
type blockingInvoker struct {
	started chan struct{}
}

func (m *blockingInvoker) Invoke(ctx context.Context, _ *store.Error) (*agent.Result, error) {
	close(m.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(3 * time.Second):
		return &agent.Result{Success: false, ErrorMessage: "agent exited with code 1"}, nil
	}
}

func (m *blockingInvoker) CheckSyntax(context.Context, string) bool { return true }

// countingStore counts selection queries to observe loop pacing.
type countingStore struct {
	Store
	polls atomic.Int32
}

func (c *countingStore) NextEligible(ctx context.Context, s store.Status) (*store.Error, error) {
	c.polls.Add(1)
	return c.Store.NextEligible(ctx, s)
}

type fixture struct {
	orch  *Orchestrator
	store *store.Store
	bus   *bus.Bus
	inv   *mockInvoker
	ctrl  *mockController
	cfg   *config.Config
}

func newFixture(t *testing.T, inv *mockInvoker) *fixture {
	t.Helper()
	f := newFixtureWith(t, inv)
	f.inv = inv
	return f
}

func newFixtureWith(t *testing.T, inv Invoker) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "heald.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Monitor.LogFile = filepath.Join(t.TempDir(), "service.log")
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = config.Duration(time.Millisecond)
	cfg.Retry.MaxDelay = config.Duration(10 * time.Millisecond)
	cfg.Service.StabilizeDelay = config.Duration(time.Millisecond)

	b := bus.New(zap.NewNop())
	ctrl := &mockController{}
	orch, err := New(cfg, st, inv, ctrl, b, zap.NewNop())
	require.NoError(t, err)
	orch.idleSleep = 5 * time.Millisecond
	orch.errorSleep = 5 * time.Millisecond

	return &fixture{orch: orch, store: st, bus: b, ctrl: ctrl, cfg: cfg}
}

func (f *fixture) createError(t *testing.T, status store.Status) *store.Error {
	t.Helper()
	e := &store.Error{
		ErrorType:   "ImportError",
		Severity:    store.SeverityHigh,
		Category:    store.CategoryRuntime,
		Message:     "No module named missing_helper",
		ModuleName:  "sale_custom",
		Status:      status,
		AutoFixable: true,
	}
	require.NoError(t, f.store.CreateError(context.Background(), e))
	if status != store.StatusDetected {
		require.NoError(t, f.store.UpdateErrorStatus(context.Background(), e.ID, status, ""))
	}
	return e
}

func (f *fixture) collect(eventType bus.EventType) *[]bus.Event {
	var events []bus.Event
	f.bus.Subscribe(eventType, func(e bus.Event) { events = append(events, e) })
	return &events
}

func successResult() *agent.Result {
	return &agent.Result{
		Prompt:        "fix it",
		Success:       true,
		Output:        "Modified /opt/addons/sale_custom/models/sale.py",
		FilesModified: []string{"/opt/addons/sale_custom/models/sale.py"},
		ExecutionTime: 1.5,
	}
}

func TestTickNoEligibleErrors(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: successResult()})

	processed, err := f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Zero(t, f.inv.calls)
}

func TestTickResolvesError(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: successResult()})
	e := f.createError(t, store.StatusDetected)

	completed := f.collect(bus.EventFixCompleted)
	resolved := f.collect(bus.EventErrorResolved)
	started := f.collect(bus.EventFixStarted)

	processed, err := f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := f.store.GetError(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, got.Status)
	assert.False(t, got.ResolvedAt.IsZero())

	attempts, err := f.store.AttemptsForError(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	a := attempts[0]
	assert.Equal(t, 1, a.AttemptNumber)
	assert.Equal(t, store.AttemptSuccess, a.Status)
	assert.Equal(t, "fix it", a.AgentPrompt)
	assert.Equal(t, []string{"/opt/addons/sale_custom/models/sale.py"}, a.FilesModified)
	assert.False(t, a.CompletedAt.IsZero())

	require.Len(t, *started, 1)
	assert.Equal(t, 1, (*started)[0].Payload["attempt"])
	require.Len(t, *completed, 1)
	require.Len(t, *resolved, 1)

	// Service was restarted during verification.
	assert.Equal(t, 1, f.ctrl.stops)
	assert.Equal(t, 1, f.ctrl.starts)
	assert.Equal(t, 1, f.ctrl.waits)

	assert.Empty(t, f.orch.CurrentFix())
}

func TestTickAgentFailureRequeues(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: &agent.Result{
		Success:      false,
		Output:       "something went wrong",
		ErrorMessage: "agent exited with code 1",
	}})
	e := f.createError(t, store.StatusDetected)

	failed := f.collect(bus.EventFixFailed)

	_, err := f.orch.tick(context.Background())
	require.NoError(t, err)

	got, err := f.store.GetError(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)

	attempts, err := f.store.AttemptsForError(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.AttemptFailed, attempts[0].Status)

	require.Len(t, *failed, 1)
	assert.Equal(t, "agent exited with code 1", (*failed)[0].Payload["reason"])
	assert.Zero(t, f.ctrl.stops, "no restart without a successful agent run")
}

func TestTickTimeoutClosesAttempt(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: &agent.Result{
		TimedOut:     true,
		ErrorMessage: "agent timed out after 5m0s",
	}})
	e := f.createError(t, store.StatusDetected)

	_, err := f.orch.tick(context.Background())
	require.NoError(t, err)

	got, err := f.store.GetError(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)

	last, err := f.store.LastAttempt(context.Background(), e.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, store.AttemptTimeout, last.Status)
	assert.False(t, last.CompletedAt.IsZero(), "timed out attempts are still finalized")
}

func TestTickSyntaxFailure(t *testing.T) {
	inv := &mockInvoker{
		result:     successResult(),
		syntaxFail: map[string]bool{"/opt/addons/sale_custom/models/sale.py": true},
	}
	f := newFixture(t, inv)
	e := f.createError(t, store.StatusDetected)

	_, err := f.orch.tick(context.Background())
	require.NoError(t, err)

	got, err := f.store.GetError(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)

	last, err := f.store.LastAttempt(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AttemptFailed, last.Status)
	assert.Contains(t, last.ErrorAfterFix, "Syntax error in")
	assert.Zero(t, f.ctrl.stops, "syntax failure short-circuits before restart")
}

func TestTickVerificationDetectsPersistedError(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: successResult()})
	e := f.createError(t, store.StatusDetected)

	// The original signature is still in the post-restart log tail.
	logContent := "2025-01-15 10:30:45,123 1 ERROR db core: ImportError: No module named missing_helper\n"
	require.NoError(t, os.WriteFile(f.cfg.Monitor.LogFile, []byte(logContent), 0o644))

	failed := f.collect(bus.EventFixFailed)

	_, err := f.orch.tick(context.Background())
	require.NoError(t, err)

	got, err := f.store.GetError(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)

	require.Len(t, *failed, 1)
	assert.Equal(t, "verification_failed", (*failed)[0].Payload["reason"])

	last, err := f.store.LastAttempt(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AttemptFailed, last.Status)
	assert.NotEmpty(t, last.ErrorAfterFix)
}

func TestBackoffDefersRetry(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: successResult()})
	f.cfg.Retry.BaseDelay = config.Duration(time.Hour)
	f.orch.retry = f.cfg.Retry
	e := f.createError(t, store.StatusQueued)

	a := &store.FixAttempt{ErrorID: e.ID, AttemptNumber: 1, Status: store.AttemptFailed}
	require.NoError(t, f.store.CreateAttempt(context.Background(), a))
	a.Status = store.AttemptFailed
	require.NoError(t, f.store.CloseAttempt(context.Background(), a))

	processed, err := f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, processed, "a deferred pick reports no work so the loop sleeps")
	assert.Zero(t, f.inv.calls)

	got, err := f.store.GetError(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)
}

func TestBackoffDeferredPickPacesLoop(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: successResult()})
	f.cfg.Retry.BaseDelay = config.Duration(time.Hour)
	f.cfg.Retry.MaxDelay = config.Duration(2 * time.Hour)
	f.orch.retry = f.cfg.Retry
	e := f.createError(t, store.StatusQueued)

	a := &store.FixAttempt{ErrorID: e.ID, AttemptNumber: 1, Status: store.AttemptFailed}
	require.NoError(t, f.store.CreateAttempt(context.Background(), a))
	require.NoError(t, f.store.CloseAttempt(context.Background(), a))

	cs := &countingStore{Store: f.store}
	f.orch.store = cs

	require.NoError(t, f.orch.Start())
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, f.orch.Stop())

	// Each deferred pick costs one selection query followed by an idle
	// sleep, so the loop issues tens of queries here, not thousands.
	assert.Less(t, int(cs.polls.Load()), 200)
	assert.Zero(t, f.inv.calls)
}

func TestStopInterruptsInFlightAttempt(t *testing.T) {
	inv := &blockingInvoker{started: make(chan struct{})}
	f := newFixtureWith(t, inv)
	e := f.createError(t, store.StatusDetected)

	require.NoError(t, f.orch.Start())
	select {
	case <-inv.started:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt never started")
	}

	begin := time.Now()
	require.NoError(t, f.orch.Stop())
	assert.Less(t, time.Since(begin), time.Second,
		"cancellation interrupts the in-flight agent wait")

	// The interrupted attempt is still finalized and the error requeued.
	last, err := f.store.LastAttempt(context.Background(), e.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, store.AttemptFailed, last.Status)
	assert.False(t, last.CompletedAt.IsZero())

	got, err := f.store.GetError(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)
}

func TestEscalationAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: &agent.Result{
		Success:      false,
		ErrorMessage: "agent exited with code 1",
	}})
	e := f.createError(t, store.StatusDetected)

	escalated := f.collect(bus.EventFixEscalated)

	// Burn through the attempt budget, then one more tick escalates.
	for i := 0; i < f.cfg.Retry.MaxAttempts+1; i++ {
		time.Sleep(15 * time.Millisecond) // past the tiny backoff delays
		_, err := f.orch.tick(context.Background())
		require.NoError(t, err)
	}

	got, err := f.store.GetError(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)

	attempts, err := f.store.AttemptsForError(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, attempts, f.cfg.Retry.MaxAttempts)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber, "attempt numbers are 1..k with no gaps")
	}

	require.Len(t, *escalated, 1, "escalation fires exactly once")
	assert.Equal(t, f.cfg.Retry.MaxAttempts, (*escalated)[0].Payload["attempts"])

	// A FAILED error is no longer selected.
	processed, err := f.orch.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Len(t, *escalated, 1)
}

func TestRetryErrorStateMachine(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: successResult()})
	ctx := context.Background()

	tests := []struct {
		name   string
		status store.Status
		want   bool
	}{
		{name: "failed can retry", status: store.StatusFailed, want: true},
		{name: "ignored can retry", status: store.StatusIgnored, want: true},
		{name: "queued rejected", status: store.StatusQueued, want: false},
		{name: "detected rejected", status: store.StatusDetected, want: false},
		{name: "fixing rejected", status: store.StatusFixing, want: false},
		{name: "resolved rejected", status: store.StatusResolved, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := f.createError(t, tt.status)
			ok, err := f.orch.RetryError(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			got, err := f.store.GetError(ctx, e.ID)
			require.NoError(t, err)
			if tt.want {
				assert.Equal(t, store.StatusQueued, got.Status)
			} else {
				assert.Equal(t, tt.status, got.Status)
			}
		})
	}

	ok, err := f.orch.RetryError(ctx, "no-such-id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIgnoreError(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: successResult()})
	ctx := context.Background()

	ignored := f.collect(bus.EventErrorIgnored)

	e := f.createError(t, store.StatusDetected)
	ok, err := f.orch.IgnoreError(ctx, e.ID, "operator")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.store.GetError(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIgnored, got.Status)
	assert.Equal(t, "operator", got.IgnoredBy)
	assert.False(t, got.IgnoredAt.IsZero())

	require.Len(t, *ignored, 1)
	assert.Equal(t, "operator", (*ignored)[0].Payload["ignored_by"])

	// Terminal states are rejected.
	resolved := f.createError(t, store.StatusResolved)
	ok, err = f.orch.IgnoreError(ctx, resolved.ID, "operator")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.orch.IgnoreError(ctx, "no-such-id", "operator")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, &mockInvoker{result: successResult()})

	require.NoError(t, f.orch.Start())
	assert.True(t, f.orch.Running())
	require.NoError(t, f.orch.Start(), "double start is a warning, not an error")
	assert.True(t, f.orch.Running())

	require.NoError(t, f.orch.Stop())
	assert.False(t, f.orch.Running())
	require.NoError(t, f.orch.Stop(), "double stop is a no-op")
}
