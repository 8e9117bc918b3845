// Package deploy controls the monitored service's process lifecycle and
// provides log inspection helpers used during fix verification.
package deploy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/config"
)

// healthPollInterval is the wait between readiness probes.
const healthPollInterval = 2 * time.Second

// Controller restarts the monitored service and waits for it to come back.
type Controller struct {
	cfg    config.ServiceConfig
	logger *zap.Logger
	client *http.Client
}

// NewController creates a Controller.
func NewController(cfg config.ServiceConfig, logger *zap.Logger) (*Controller, error) {
	if cfg.ControlCommand == "" {
		return nil, fmt.Errorf("service control command is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Stop stops the service.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.control(ctx, "stop"); err != nil {
		return err
	}
	c.logger.Info("service stopped", zap.String("service", c.cfg.Name))
	return nil
}

// Start starts the service.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.control(ctx, "start"); err != nil {
		return err
	}
	c.logger.Info("service started", zap.String("service", c.cfg.Name))
	return nil
}

func (c *Controller) control(ctx context.Context, action string) error {
	cmd := exec.CommandContext(ctx, c.cfg.ControlCommand, action, c.cfg.Name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s %s failed: %w: %s",
			c.cfg.ControlCommand, action, c.cfg.Name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// WaitUntilReady polls the health URL until it returns 200 or the configured
// timeout elapses. A timeout is logged but not returned as an error so
// verification can proceed to inspect the logs. Context cancellation does
// abort the wait.
func (c *Controller) WaitUntilReady(ctx context.Context) error {
	if c.cfg.HealthURL == "" {
		return nil
	}

	deadline := time.Now().Add(c.cfg.HealthTimeout.Duration())
	for time.Now().Before(deadline) {
		if c.probe(ctx) {
			c.logger.Info("service is ready", zap.String("service", c.cfg.Name))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}

	c.logger.Warn("service health check timed out",
		zap.String("service", c.cfg.Name),
		zap.Duration("timeout", c.cfg.HealthTimeout.Duration()),
	)
	return nil
}

func (c *Controller) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// TailFile returns the last n lines of the file at path. A missing file
// yields no lines and no error.
func TailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
