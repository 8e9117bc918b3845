// Package fixer drives detected errors through the bounded-retry fix state
// machine: queue, invoke the fixing agent, verify by restarting the service
// and rechecking its logs, then resolve, requeue with backoff, or escalate.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/agent"
	"github.com/fyrsmithlabs/heald/internal/bus"
	"github.com/fyrsmithlabs/heald/internal/config"
	"github.com/fyrsmithlabs/heald/internal/deploy"
	"github.com/fyrsmithlabs/heald/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/heald/internal/fixer"

const (
	// idleSleep is the wait when no eligible error exists.
	idleSleep = 10 * time.Second

	// errorSleep is the wait after a loop iteration fails unexpectedly.
	errorSleep = 30 * time.Second
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetError(ctx context.Context, id string) (*store.Error, error)
	UpdateErrorStatus(ctx context.Context, id string, status store.Status, actor string) error
	NextEligible(ctx context.Context, status store.Status) (*store.Error, error)
	CreateAttempt(ctx context.Context, a *store.FixAttempt) error
	CloseAttempt(ctx context.Context, a *store.FixAttempt) error
	CountAttempts(ctx context.Context, errorID string) (int, error)
	LastAttempt(ctx context.Context, errorID string) (*store.FixAttempt, error)
}

// Invoker runs the external fixing agent.
type Invoker interface {
	Invoke(ctx context.Context, e *store.Error) (*agent.Result, error)
	CheckSyntax(ctx context.Context, filePath string) bool
}

// Controller restarts the monitored service during verification.
type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	WaitUntilReady(ctx context.Context) error
}

// Orchestrator is the fix loop. At most one error is in FIXING state at any
// time; single-flight is a property of the loop itself, which never starts a
// second attempt while one is outstanding.
type Orchestrator struct {
	retry   config.RetryConfig
	service config.ServiceConfig
	logFile string

	store      Store
	invoker    Invoker
	controller Controller
	bus        *bus.Bus
	logger     *zap.Logger
	tracer     trace.Tracer

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	done       chan struct{}
	cancel     context.CancelFunc
	currentFix string

	// sleep intervals, replaced in tests
	idleSleep  time.Duration
	errorSleep time.Duration
}

// New creates an Orchestrator.
func New(cfg *config.Config, st Store, inv Invoker, ctrl Controller, b *bus.Bus, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if inv == nil {
		return nil, fmt.Errorf("invoker cannot be nil")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		retry:      cfg.Retry,
		service:    cfg.Service,
		logFile:    cfg.Monitor.LogFile,
		store:      st,
		invoker:    inv,
		controller: ctrl,
		bus:        b,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		idleSleep:  idleSleep,
		errorSleep: errorSleep,
	}, nil
}

// Start begins the fixing loop in a background goroutine.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		o.logger.Warn("orchestrator already running")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})
	o.running = true

	o.logger.Info("fix orchestrator started",
		zap.Int("max_attempts", o.retry.MaxAttempts),
		zap.Duration("base_delay", o.retry.BaseDelay.Duration()),
	)
	o.bus.Emit(bus.EventStatusChange,
		map[string]interface{}{"component": "fixer", "status": "running"},
		"fixer")

	go o.run(ctx)
	return nil
}

// Stop cancels the loop context, interrupting any in-flight suspension
// (agent subprocess wait, readiness polling, stabilization sleep), and waits
// for the loop to wind down. The interrupted attempt is still finalized.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopCh)
	o.cancel()
	done := o.done
	o.mu.Unlock()

	<-done
	o.logger.Info("fix orchestrator stopped")
	o.bus.Emit(bus.EventStatusChange,
		map[string]interface{}{"component": "fixer", "status": "stopped"},
		"fixer")
	return nil
}

// Running reports whether the fixing loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// CurrentFix returns the ID of the error being fixed, or "" when idle.
func (o *Orchestrator) CurrentFix() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentFix
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("fixer loop panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			o.mu.Lock()
			o.running = false
			o.cancel()
			o.mu.Unlock()
		}
	}()

	for {
		select {
		case <-o.stopCh:
			return
		default:
		}

		wait := o.idleSleep
		processed, err := o.tick(ctx)
		if err != nil {
			o.logger.Error("fixing loop iteration failed", zap.Error(err))
			wait = o.errorSleep
		} else if processed {
			// Look for the next error immediately.
			continue
		}

		select {
		case <-o.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// tick picks and processes at most one error. It reports whether work was
// done, so the loop can poll again without sleeping; a pick deferred by
// backoff reports false so the loop sleeps instead of spinning on the store.
func (o *Orchestrator) tick(ctx context.Context) (bool, error) {
	e, err := o.nextError(ctx)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	return o.processError(ctx, e)
}

// nextError returns the next error to work on: queued retries first, then
// newly detected errors (which get queued), oldest first, auto-fixable only.
func (o *Orchestrator) nextError(ctx context.Context) (*store.Error, error) {
	e, err := o.store.NextEligible(ctx, store.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued errors: %w", err)
	}
	if e != nil {
		return e, nil
	}

	e, err = o.store.NextEligible(ctx, store.StatusDetected)
	if err != nil {
		return nil, fmt.Errorf("failed to query detected errors: %w", err)
	}
	if e == nil {
		return nil, nil
	}
	if err := o.store.UpdateErrorStatus(ctx, e.ID, store.StatusQueued, ""); err != nil {
		return nil, fmt.Errorf("failed to queue error: %w", err)
	}
	e.Status = store.StatusQueued
	return e, nil
}

// processError runs one fix attempt for the error, or escalates it when the
// attempt budget is spent, or defers it while backoff has not elapsed. It
// reports whether work was done; a deferred pick reports false.
func (o *Orchestrator) processError(ctx context.Context, e *store.Error) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "fixer.processError",
		trace.WithAttributes(
			attribute.String("error.id", e.ID),
			attribute.String("error.type", e.ErrorType),
		))
	defer span.End()

	count, err := o.store.CountAttempts(ctx, e.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count attempts: %w", err)
	}

	if count >= o.retry.MaxAttempts {
		return true, o.escalate(ctx, e, count)
	}

	if count > 0 {
		ready, err := o.backoffElapsed(ctx, e, count)
		if err != nil {
			return false, err
		}
		if !ready {
			return false, nil
		}
	}

	return true, o.runAttempt(ctx, e, count+1)
}

// escalate marks the error FAILED and publishes fix_escalated. The terminal
// status keeps the error out of future selection, so escalation fires once.
func (o *Orchestrator) escalate(ctx context.Context, e *store.Error, attempts int) error {
	if err := o.store.UpdateErrorStatus(ctx, e.ID, store.StatusFailed, ""); err != nil {
		return fmt.Errorf("failed to mark error failed: %w", err)
	}
	escalations.Inc()
	o.bus.Emit(bus.EventFixEscalated, map[string]interface{}{
		"error_id":   e.ID,
		"error_type": e.ErrorType,
		"attempts":   attempts,
	}, "fixer")
	o.logger.Warn("error escalated",
		zap.String("error_id", e.ID),
		zap.Int("attempts", attempts),
	)
	return nil
}

// backoffElapsed reports whether the delay before attempt count+1 has passed
// since the previous attempt completed.
func (o *Orchestrator) backoffElapsed(ctx context.Context, e *store.Error, count int) (bool, error) {
	last, err := o.store.LastAttempt(ctx, e.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load last attempt: %w", err)
	}
	if last == nil || last.CompletedAt.IsZero() {
		return true, nil
	}
	delay := o.retry.Delay(count)
	return time.Since(last.CompletedAt) >= delay, nil
}

func (o *Orchestrator) runAttempt(ctx context.Context, e *store.Error, attemptNumber int) error {
	if err := o.store.UpdateErrorStatus(ctx, e.ID, store.StatusFixing, ""); err != nil {
		return fmt.Errorf("failed to mark error fixing: %w", err)
	}
	o.setCurrentFix(e.ID)
	inFlight.Set(1)
	defer func() {
		o.setCurrentFix("")
		inFlight.Set(0)
	}()

	attempt := &store.FixAttempt{
		ErrorID:       e.ID,
		AttemptNumber: attemptNumber,
		Status:        store.AttemptInProgress,
		StartedAt:     time.Now().UTC(),
	}
	if err := o.store.CreateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to create attempt: %w", err)
	}

	o.bus.Emit(bus.EventFixStarted, map[string]interface{}{
		"error_id":     e.ID,
		"attempt":      attemptNumber,
		"max_attempts": o.retry.MaxAttempts,
	}, "fixer")
	o.logger.Info("fix attempt started",
		zap.String("error_id", e.ID),
		zap.Int("attempt", attemptNumber),
	)

	outcome := o.executeAttempt(ctx, e, attempt)

	// The attempt is always finalized, even on timeout, verification failure
	// or loop cancellation, so no IN_PROGRESS record leaks.
	attempt.CompletedAt = time.Now().UTC()
	if err := o.store.CloseAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		o.logger.Error("failed to close attempt", zap.Error(err))
	}
	attemptsTotal.WithLabelValues(outcome).Inc()
	return nil
}

// executeAttempt invokes the agent, verifies the result, and sets the
// attempt/error states. It returns the outcome label for metrics.
func (o *Orchestrator) executeAttempt(ctx context.Context, e *store.Error, attempt *store.FixAttempt) string {
	res, err := o.invoker.Invoke(ctx, e)
	if err != nil {
		attempt.Status = store.AttemptFailed
		o.requeue(ctx, e, attempt.AttemptNumber, err.Error())
		o.logger.Error("agent invocation error",
			zap.String("error_id", e.ID),
			zap.Error(err),
		)
		return "invocation_error"
	}

	attempt.AgentPrompt = res.Prompt
	attempt.AgentResponse = res.Output
	attempt.FilesModified = res.FilesModified
	attempt.ExecutionTime = res.ExecutionTime

	if res.TimedOut {
		attempt.Status = store.AttemptTimeout
		o.requeue(ctx, e, attempt.AttemptNumber, "timeout")
		o.logger.Warn("fix attempt timed out",
			zap.String("error_id", e.ID),
			zap.Int("attempt", attempt.AttemptNumber),
		)
		return "timeout"
	}
	if !res.Success {
		attempt.Status = store.AttemptFailed
		reason := res.ErrorMessage
		if reason == "" {
			reason = "agent_invocation_failed"
		}
		o.requeue(ctx, e, attempt.AttemptNumber, reason)
		o.logger.Warn("agent invocation failed",
			zap.String("error_id", e.ID),
			zap.Int("attempt", attempt.AttemptNumber),
			zap.String("reason", reason),
		)
		return "agent_failed"
	}

	v := o.verify(ctx, e, res)
	if !v.ok {
		attempt.Status = store.AttemptFailed
		attempt.ErrorAfterFix = strings.Join(v.newErrors, "\n")
		o.requeueVerification(ctx, e, attempt.AttemptNumber, v)
		o.logger.Warn("fix verification failed",
			zap.String("error_id", e.ID),
			zap.Int("attempt", attempt.AttemptNumber),
			zap.Bool("syntax_ok", v.syntaxOK),
			zap.Bool("original_persisted", v.persisted),
			zap.Int("new_errors", len(v.newErrors)),
		)
		return "verification_failed"
	}

	attempt.Status = store.AttemptSuccess
	if err := o.store.UpdateErrorStatus(context.WithoutCancel(ctx), e.ID, store.StatusResolved, ""); err != nil {
		o.logger.Error("failed to mark error resolved", zap.Error(err))
	}
	o.bus.Emit(bus.EventFixCompleted, map[string]interface{}{
		"error_id":       e.ID,
		"attempt":        attempt.AttemptNumber,
		"files_modified": res.FilesModified,
	}, "fixer")
	o.bus.Emit(bus.EventErrorResolved, map[string]interface{}{
		"error_id":   e.ID,
		"error_type": e.ErrorType,
	}, "fixer")
	o.logger.Info("fix successful",
		zap.String("error_id", e.ID),
		zap.Int("attempt", attempt.AttemptNumber),
	)
	return "success"
}

func (o *Orchestrator) requeue(ctx context.Context, e *store.Error, attemptNumber int, reason string) {
	// Requeueing must land even when the loop context was cancelled mid-attempt.
	ctx = context.WithoutCancel(ctx)
	if err := o.store.UpdateErrorStatus(ctx, e.ID, store.StatusQueued, ""); err != nil {
		o.logger.Error("failed to requeue error", zap.Error(err))
	}
	o.bus.Emit(bus.EventFixFailed, map[string]interface{}{
		"error_id": e.ID,
		"attempt":  attemptNumber,
		"reason":   reason,
	}, "fixer")
}

func (o *Orchestrator) requeueVerification(ctx context.Context, e *store.Error, attemptNumber int, v verification) {
	ctx = context.WithoutCancel(ctx)
	if err := o.store.UpdateErrorStatus(ctx, e.ID, store.StatusQueued, ""); err != nil {
		o.logger.Error("failed to requeue error", zap.Error(err))
	}
	o.bus.Emit(bus.EventFixFailed, map[string]interface{}{
		"error_id":   e.ID,
		"attempt":    attemptNumber,
		"reason":     "verification_failed",
		"new_errors": v.newErrors,
	}, "fixer")
}

type verification struct {
	ok        bool
	syntaxOK  bool
	persisted bool
	newErrors []string
}

// verify checks an applied fix: modified sources must parse, the service
// must restart, the original error signature must be gone from recent logs,
// and no new ERROR/CRITICAL lines may have appeared.
func (o *Orchestrator) verify(ctx context.Context, e *store.Error, res *agent.Result) verification {
	ctx, span := o.tracer.Start(ctx, "fixer.verify",
		trace.WithAttributes(attribute.String("error.id", e.ID)))
	defer span.End()

	v := verification{syntaxOK: true}

	o.bus.Emit(bus.EventFixProgress, map[string]interface{}{
		"error_id": e.ID,
		"stage":    "verifying",
	}, "fixer")

	for _, file := range res.FilesModified {
		if !o.invoker.CheckSyntax(ctx, file) {
			v.syntaxOK = false
			v.newErrors = append(v.newErrors, fmt.Sprintf("Syntax error in %s", file))
		}
	}
	if !v.syntaxOK {
		return v
	}

	if err := o.controller.Stop(ctx); err != nil {
		v.newErrors = append(v.newErrors, fmt.Sprintf("service stop failed: %v", err))
		return v
	}
	if err := o.controller.Start(ctx); err != nil {
		v.newErrors = append(v.newErrors, fmt.Sprintf("service start failed: %v", err))
		return v
	}
	if err := o.controller.WaitUntilReady(ctx); err != nil {
		v.newErrors = append(v.newErrors, fmt.Sprintf("readiness wait aborted: %v", err))
		return v
	}

	// Let the restarted service settle before reading its logs.
	select {
	case <-ctx.Done():
		v.newErrors = append(v.newErrors, "verification cancelled")
		return v
	case <-time.After(o.service.StabilizeDelay.Duration()):
	}

	v.persisted = o.originalErrorPersists(e)
	v.newErrors = append(v.newErrors, o.recentErrorLines()...)

	v.ok = v.syntaxOK && !v.persisted && len(v.newErrors) == 0
	return v
}

// originalErrorPersists reports whether the original error signature still
// appears in the recent log tail.
func (o *Orchestrator) originalErrorPersists(e *store.Error) bool {
	lines, err := deploy.TailFile(o.logFile, 200)
	if err != nil {
		o.logger.Warn("failed to tail log for verification", zap.Error(err))
		return false
	}
	content := strings.Join(lines, "\n")
	signature := e.Message
	if len(signature) > 100 {
		signature = signature[:100]
	}
	return strings.Contains(content, e.ErrorType) && strings.Contains(content, signature)
}

// recentErrorLines returns up to the last 10 ERROR/CRITICAL lines from the
// recent log tail, each truncated to 200 characters.
func (o *Orchestrator) recentErrorLines() []string {
	tail := o.service.TailLines
	if tail <= 0 {
		tail = 500
	}
	lines, err := deploy.TailFile(o.logFile, tail)
	if err != nil {
		o.logger.Warn("failed to tail log for verification", zap.Error(err))
		return nil
	}

	var errors []string
	for _, line := range lines {
		if strings.Contains(line, "ERROR") || strings.Contains(line, "CRITICAL") {
			if len(line) > 200 {
				line = line[:200]
			}
			errors = append(errors, line)
		}
	}
	if len(errors) > 10 {
		errors = errors[len(errors)-10:]
	}
	return errors
}

func (o *Orchestrator) setCurrentFix(id string) {
	o.mu.Lock()
	o.currentFix = id
	o.mu.Unlock()
}

// RetryError manually requeues a FAILED or IGNORED error. It reports whether
// the transition happened; any other state is rejected.
func (o *Orchestrator) RetryError(ctx context.Context, errorID string) (bool, error) {
	e, err := o.store.GetError(ctx, errorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if e.Status != store.StatusFailed && e.Status != store.StatusIgnored {
		return false, nil
	}
	if err := o.store.UpdateErrorStatus(ctx, errorID, store.StatusQueued, ""); err != nil {
		return false, err
	}
	o.logger.Info("error requeued for retry", zap.String("error_id", errorID))
	return true, nil
}

// IgnoreError marks a non-terminal error as IGNORED by the given actor. It
// reports whether the transition happened.
func (o *Orchestrator) IgnoreError(ctx context.Context, errorID, ignoredBy string) (bool, error) {
	e, err := o.store.GetError(ctx, errorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if e.Status.IsTerminal() {
		return false, nil
	}
	if err := o.store.UpdateErrorStatus(ctx, errorID, store.StatusIgnored, ignoredBy); err != nil {
		return false, err
	}
	o.bus.Emit(bus.EventErrorIgnored, map[string]interface{}{
		"error_id":   errorID,
		"ignored_by": ignoredBy,
	}, "fixer")
	o.logger.Info("error ignored",
		zap.String("error_id", errorID),
		zap.String("ignored_by", ignoredBy),
	)
	return true, nil
}
