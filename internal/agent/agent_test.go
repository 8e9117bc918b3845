package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/config"
	"github.com/fyrsmithlabs/heald/internal/store"
)

func shellInvoker(t *testing.T, script string, timeout time.Duration) *Invoker {
	t.Helper()
	inv, err := NewInvoker(config.AgentConfig{
		Command: "sh",
		Args:    []string{"-c", script},
		Timeout: config.Duration(timeout),
	}, zap.NewNop())
	require.NoError(t, err)
	return inv
}

func TestNewInvokerRequiresCommand(t *testing.T) {
	_, err := NewInvoker(config.AgentConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestInvokeSuccess(t *testing.T) {
	inv := shellInvoker(t, `echo "Edited /opt/addons/sale_custom/models/sale.py"`, 5*time.Second)

	res, err := inv.Invoke(context.Background(), &store.Error{ID: "e1", ErrorType: "ImportError"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Output, "Edited")
	assert.Equal(t, []string{"/opt/addons/sale_custom/models/sale.py"}, res.FilesModified)
	assert.Greater(t, res.ExecutionTime, 0.0)
}

func TestInvokeNonZeroExit(t *testing.T) {
	inv := shellInvoker(t, "echo broken; exit 3", 5*time.Second)

	res, err := inv.Invoke(context.Background(), &store.Error{ID: "e1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "3")
	assert.Contains(t, res.Output, "broken")
}

func TestInvokeTimeout(t *testing.T) {
	inv := shellInvoker(t, "sleep 5", 100*time.Millisecond)

	res, err := inv.Invoke(context.Background(), &store.Error{ID: "e1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestInvokeMissingBinary(t *testing.T) {
	inv, err := NewInvoker(config.AgentConfig{
		Command: "heald-no-such-agent-binary",
		Timeout: config.Duration(time.Second),
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), &store.Error{ID: "e1"})
	assert.Error(t, err)
}

func TestBuildPrompt(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "sale.py")
	content := "line one\nline two\nline three\nline four\nline five\n"
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))

	e := &store.Error{
		ErrorType:  "AttributeError",
		ModuleName: "sale_custom",
		FilePath:   src,
		LineNumber: 3,
		Message:    "'sale.order' object has no attribute 'foo'",
		StackTrace: "Traceback (most recent call last):\n  ...",
	}

	prompt := BuildPrompt(e)
	assert.Contains(t, prompt, "**Type**: AttributeError")
	assert.Contains(t, prompt, "**Module**: sale_custom")
	assert.Contains(t, prompt, "**Line**: 3")
	assert.Contains(t, prompt, e.Message)
	assert.Contains(t, prompt, ">>>    3: line three")
	assert.Contains(t, prompt, "    1: line one")
}

func TestBuildPromptMissingFields(t *testing.T) {
	prompt := BuildPrompt(&store.Error{ErrorType: "UnknownError", Message: "boom"})
	assert.Contains(t, prompt, "**Module**: unknown")
	assert.Contains(t, prompt, "**File**: unknown")
	assert.Contains(t, prompt, "**Line**: unknown")
	assert.Contains(t, prompt, "Not available")
}

func TestExtractModifiedFiles(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "modified verb",
			output: "I analyzed the error.\nModified /opt/addons/m/models/a.py to fix the import.",
			want:   []string{"/opt/addons/m/models/a.py"},
		},
		{
			name:   "backtick quoted",
			output: "Updated `custom/models/b.py`",
			want:   []string{"custom/models/b.py"},
		},
		{
			name:   "writing and saving",
			output: "Writing to /tmp/c.py\nSaving /tmp/d.py",
			want:   []string{"/tmp/c.py", "/tmp/d.py"},
		},
		{
			name:   "deduplicated",
			output: "Modified a.py\nEdited a.py",
			want:   []string{"a.py"},
		},
		{
			name:   "case insensitive",
			output: "created models/new.py",
			want:   []string{"models/new.py"},
		},
		{
			name:   "no matches",
			output: "Nothing was changed.",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractModifiedFiles(tt.output))
		})
	}
}

func TestWorkDirFromAddonsPath(t *testing.T) {
	inv := shellInvoker(t, "true", time.Second)

	e := &store.Error{FilePath: "/srv/project/custom_addons/sale_custom/models/sale.py"}
	assert.Equal(t, "/srv/project", inv.WorkDir(e))

	e = &store.Error{FilePath: "/opt/addons/stock/models/stock.py"}
	assert.Equal(t, "/opt", inv.WorkDir(e))
}

func TestWorkDirFromManifest(t *testing.T) {
	dir := t.TempDir()
	module := filepath.Join(dir, "modules", "sale_custom")
	require.NoError(t, os.MkdirAll(filepath.Join(module, "models"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(module, "__manifest__.py"), []byte("{}"), 0o644))

	inv := shellInvoker(t, "true", time.Second)
	e := &store.Error{FilePath: filepath.Join(module, "models", "sale.py")}
	assert.Equal(t, filepath.Join(dir, "modules"), inv.WorkDir(e))
}

func TestWorkDirFallback(t *testing.T) {
	inv, err := NewInvoker(config.AgentConfig{
		Command: "sh",
		WorkDir: "/srv/fallback",
		Timeout: config.Duration(time.Second),
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "/srv/fallback", inv.WorkDir(&store.Error{}))
	assert.Equal(t, "/srv/fallback", inv.WorkDir(&store.Error{FilePath: "/no/marker/here.py"}))
}

func TestCheckSyntaxNonPython(t *testing.T) {
	inv := shellInvoker(t, "true", time.Second)
	assert.True(t, inv.CheckSyntax(context.Background(), "/etc/hosts"))
}

func TestCheckSyntaxInvalidPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.py")
	require.NoError(t, os.WriteFile(bad, []byte("def broken(:\n"), 0o644))
	good := filepath.Join(dir, "good.py")
	require.NoError(t, os.WriteFile(good, []byte("x = 1\n"), 0o644))

	inv := shellInvoker(t, "true", time.Second)
	assert.False(t, inv.CheckSyntax(context.Background(), bad))
	assert.True(t, inv.CheckSyntax(context.Background(), good))
}
