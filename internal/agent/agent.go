// Package agent invokes the external AI fixing agent CLI and interprets
// its output.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/config"
	"github.com/fyrsmithlabs/heald/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/heald/internal/agent"

// Result captures one agent invocation.
type Result struct {
	// Prompt is the rendered prompt the agent was given.
	Prompt string

	// Success is true when the agent exited with code 0.
	Success bool

	// TimedOut is true when the invocation hit the configured timeout.
	TimedOut bool

	// Output is the combined stdout/stderr of the agent.
	Output string

	// FilesModified lists source files the agent reported changing.
	FilesModified []string

	// ExecutionTime is the wall-clock invocation duration in seconds.
	ExecutionTime float64

	// ErrorMessage carries the failure description for non-zero exits.
	ErrorMessage string
}

// Invoker runs the fixing agent as a subprocess.
type Invoker struct {
	cfg    config.AgentConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInvoker creates an Invoker.
func NewInvoker(cfg config.AgentConfig, logger *zap.Logger) (*Invoker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Invoke runs the agent with a prompt built from the error, inside the
// inferred workspace. The invocation is bounded by the configured timeout;
// a timeout still returns a Result so the attempt can be finalized.
func (i *Invoker) Invoke(ctx context.Context, e *store.Error) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "agent.Invoke",
		trace.WithAttributes(
			attribute.String("error.id", e.ID),
			attribute.String("error.type", e.ErrorType),
		))
	defer span.End()

	prompt := BuildPrompt(e)
	workDir := i.WorkDir(e)

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout.Duration())
	defer cancel()

	args := append([]string(nil), i.cfg.Args...)
	if i.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(i.cfg.MaxTurns))
	}
	args = append(args, "-p", prompt)
	cmd := exec.CommandContext(ctx, i.cfg.Command, args...)
	cmd.Dir = workDir

	i.logger.Info("invoking fixing agent",
		zap.String("error_id", e.ID),
		zap.String("command", i.cfg.Command),
		zap.String("work_dir", workDir),
	)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start).Seconds()

	result := &Result{
		Prompt:        prompt,
		Output:        string(output),
		ExecutionTime: elapsed,
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ErrorMessage = fmt.Sprintf("agent timed out after %s", i.cfg.Timeout.Duration())
		i.logger.Warn("agent invocation timed out",
			zap.String("error_id", e.ID),
			zap.Float64("execution_time_s", elapsed),
		)
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ErrorMessage = fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
			return result, nil
		}
		return nil, fmt.Errorf("failed to run agent: %w", err)
	}

	result.Success = true
	result.FilesModified = ExtractModifiedFiles(result.Output)
	i.logger.Info("agent invocation completed",
		zap.String("error_id", e.ID),
		zap.Float64("execution_time_s", elapsed),
		zap.Strings("files_modified", result.FilesModified),
	)
	return result, nil
}

// CheckSyntax compiles a Python source file and reports whether it parses.
// Non-Python files pass trivially.
func (i *Invoker) CheckSyntax(ctx context.Context, filePath string) bool {
	if !isPython(filePath) {
		return true
	}
	cmd := exec.CommandContext(ctx, "python3", "-m", "py_compile", filePath)
	if err := cmd.Run(); err != nil {
		i.logger.Warn("syntax check failed",
			zap.String("file", filePath),
			zap.Error(err),
		)
		return false
	}
	return true
}

func isPython(path string) bool {
	return len(path) > 3 && path[len(path)-3:] == ".py"
}
