package deploy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/config"
)

func testController(t *testing.T, cfg config.ServiceConfig) *Controller {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "svc"
	}
	if cfg.ControlCommand == "" {
		cfg.ControlCommand = "echo"
	}
	c, err := NewController(cfg, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(config.ServiceConfig{Name: "svc"}, zap.NewNop())
	assert.Error(t, err, "control command is required")

	_, err = NewController(config.ServiceConfig{ControlCommand: "systemctl"}, zap.NewNop())
	assert.Error(t, err, "service name is required")
}

func TestStopStartInvokeControlCommand(t *testing.T) {
	c := testController(t, config.ServiceConfig{})

	assert.NoError(t, c.Stop(context.Background()))
	assert.NoError(t, c.Start(context.Background()))
}

func TestControlCommandFailure(t *testing.T) {
	c := testController(t, config.ServiceConfig{ControlCommand: "false"})

	err := c.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop svc failed")
}

func TestWaitUntilReadySucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testController(t, config.ServiceConfig{
		HealthURL:     srv.URL,
		HealthTimeout: config.Duration(5 * time.Second),
	})

	require.NoError(t, c.WaitUntilReady(context.Background()))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestWaitUntilReadyTimeoutIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testController(t, config.ServiceConfig{
		HealthURL:     srv.URL,
		HealthTimeout: config.Duration(50 * time.Millisecond),
	})

	assert.NoError(t, c.WaitUntilReady(context.Background()),
		"verification proceeds to log checks after a health timeout")
}

func TestWaitUntilReadyNoHealthURL(t *testing.T) {
	c := testController(t, config.ServiceConfig{})
	assert.NoError(t, c.WaitUntilReady(context.Background()))
}

func TestWaitUntilReadyCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testController(t, config.ServiceConfig{
		HealthURL:     srv.URL,
		HealthTimeout: config.Duration(time.Minute),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.WaitUntilReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	var content string
	for i := 1; i <= 20; i++ {
		content += fmt.Sprintf("line %d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lines, err := TailFile(path, 5)
	require.NoError(t, err)
	require.Len(t, lines, 5)
	assert.Equal(t, "line 16", lines[0])
	assert.Equal(t, "line 20", lines[4])

	// More lines requested than present.
	lines, err = TailFile(path, 100)
	require.NoError(t, err)
	assert.Len(t, lines, 20)
}

func TestTailFileEdgeCases(t *testing.T) {
	lines, err := TailFile(filepath.Join(t.TempDir(), "absent.log"), 10)
	require.NoError(t, err)
	assert.Nil(t, lines)

	empty := filepath.Join(t.TempDir(), "empty.log")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	lines, err = TailFile(empty, 10)
	require.NoError(t, err)
	assert.Nil(t, lines)

	lines, err = TailFile(empty, 0)
	require.NoError(t, err)
	assert.Nil(t, lines)
}
