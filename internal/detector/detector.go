// Package detector tails the monitored service's log file, assembles
// multi-line error blocks, classifies them against a pattern table, and
// persists deduplicated error records.
package detector

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/bus"
	"github.com/fyrsmithlabs/heald/internal/config"
	"github.com/fyrsmithlabs/heald/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/heald/internal/detector"

var (
	// tracebackFileRe extracts file/line frames; the last frame is the
	// actual failure site.
	tracebackFileRe = regexp.MustCompile(`File "([^"]+)", line (\d+)`)

	// modulePathRe extracts the addon module name from a source path.
	modulePathRe = regexp.MustCompile(`/(?:custom_)?addons/([^/]+)/`)

	// errorStartRe matches the timestamped first line of an error record.
	errorStartRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3} \d+ (ERROR|CRITICAL|WARNING)`)
)

// Store is the persistence surface the detector needs.
type Store interface {
	CreateError(ctx context.Context, e *store.Error) error
	FindRecentDuplicate(ctx context.Context, errorType, module string, window time.Duration) (*store.Error, error)
	ListErrors(ctx context.Context, f store.Filter) ([]*store.Error, error)
}

// Detector is the log monitor. It polls the log file for appended content,
// surviving truncation-style rotation, and turns matching error blocks into
// store records and error_detected events.
type Detector struct {
	cfg    config.MonitorConfig
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	patternsMu sync.RWMutex
	patterns   []Pattern

	// tailMu guards the tail-processing state shared by the poll loop and
	// ScanFile: offset is the byte position already consumed from the log
	// file.
	tailMu     sync.Mutex
	offset     int64
	contextBuf []string
	emitEvents bool
}

// New creates a detector. The pattern table is loaded from
// cfg.PatternsFile when set, otherwise the built-in table is used.
func New(cfg config.MonitorConfig, st Store, b *bus.Bus, logger *zap.Logger) (*Detector, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	patterns := DefaultPatterns()
	if cfg.PatternsFile != "" {
		loaded, err := LoadPatternsFile(cfg.PatternsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load pattern table: %w", err)
		}
		patterns = loaded
	}

	return &Detector{
		cfg:        cfg,
		store:      st,
		bus:        b,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		patterns:   patterns,
		emitEvents: true,
	}, nil
}

// Start begins tailing the log file in a background goroutine. Detection
// begins at the current end of file so historical errors are not replayed;
// use ScanFile for a full pass.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		d.logger.Warn("detector already running")
		return nil
	}

	d.tailMu.Lock()
	d.offset = d.fileSize()
	d.tailMu.Unlock()
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	d.running = true

	d.logger.Info("error detector started",
		zap.String("log_file", d.cfg.LogFile),
		zap.Duration("poll_interval", d.cfg.PollInterval.Duration()),
		zap.Int("patterns", len(d.Patterns())),
	)
	d.bus.Emit(bus.EventStatusChange,
		map[string]interface{}{"component": "detector", "status": "running"},
		"detector")

	go d.run()
	return nil
}

// Stop signals the tail loop to exit and waits for it to finish.
func (d *Detector) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	done := d.done
	d.mu.Unlock()

	<-done
	d.logger.Info("error detector stopped")
	d.bus.Emit(bus.EventStatusChange,
		map[string]interface{}{"component": "detector", "status": "stopped"},
		"detector")
	return nil
}

// Running reports whether the tail loop is active.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Patterns returns the active classification table.
func (d *Detector) Patterns() []Pattern {
	d.patternsMu.RLock()
	defer d.patternsMu.RUnlock()
	return d.patterns
}

// SetPatterns atomically replaces the classification table.
func (d *Detector) SetPatterns(patterns []Pattern) {
	d.patternsMu.Lock()
	d.patterns = patterns
	d.patternsMu.Unlock()
	d.logger.Info("pattern table replaced", zap.Int("patterns", len(patterns)))
}

func (d *Detector) run() {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("detector loop panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(d.cfg.PollInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.checkLogFile(context.Background()); err != nil {
				d.logger.Error("log check failed", zap.Error(err))
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Detector) fileSize() int64 {
	info, err := os.Stat(d.cfg.LogFile)
	if err != nil {
		return 0
	}
	return info.Size()
}

// checkLogFile reads content appended since the last poll. A file smaller
// than the consumed offset means the log was rotated, so reading restarts
// from the beginning.
func (d *Detector) checkLogFile(ctx context.Context) error {
	d.tailMu.Lock()
	defer d.tailMu.Unlock()

	info, err := os.Stat(d.cfg.LogFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	size := info.Size()
	if size < d.offset {
		d.logger.Info("log rotation detected", zap.Int64("previous_offset", d.offset))
		d.offset = 0
	}
	if size == d.offset {
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "detector.checkLogFile")
	defer span.End()

	content, err := d.readFrom(d.offset)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("bytes_read", len(content)))

	d.processContent(ctx, content)
	return nil
}

func (d *Detector) readFrom(offset int64) (string, error) {
	f, err := os.Open(d.cfg.LogFile)
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek log file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read log file: %w", err)
	}
	d.offset = offset + int64(len(data))
	return string(data), nil
}

// processContent splits content into error blocks. A block starts at a
// timestamped ERROR/CRITICAL/WARNING line and continues while lines are
// indented or part of a traceback.
func (d *Detector) processContent(ctx context.Context, content string) {
	var block []string
	inBlock := false

	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		d.contextBuf = append(d.contextBuf, line)
		if max := d.cfg.ContextLines * 2; len(d.contextBuf) > max {
			d.contextBuf = d.contextBuf[len(d.contextBuf)-max:]
		}

		if errorStartRe.MatchString(line) {
			if inBlock && len(block) > 0 {
				d.processBlock(ctx, block)
			}
			block = []string{line}
			inBlock = true
			continue
		}
		if !inBlock {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") || strings.Contains(line, "Traceback") {
			block = append(block, line)
			continue
		}
		d.processBlock(ctx, block)
		block = nil
		inBlock = false
	}

	if inBlock && len(block) > 0 {
		d.processBlock(ctx, block)
	}
}

// processBlock classifies one error block. The first matching pattern wins;
// blocks whose head line carries ERROR or CRITICAL but match nothing fall
// back to UnknownError.
func (d *Detector) processBlock(ctx context.Context, lines []string) {
	if len(lines) == 0 {
		return
	}
	full := strings.Join(lines, "\n")

	for _, p := range d.Patterns() {
		m := p.Regex.FindStringSubmatch(full)
		if m == nil {
			continue
		}
		message := firstN(full, 500)
		if len(m) > 1 {
			message = m[1]
		}
		d.createError(ctx, p.Name, p.Category, p.Severity, p.AutoFixable, message, full)
		return
	}

	if strings.Contains(lines[0], "ERROR") || strings.Contains(lines[0], "CRITICAL") {
		d.createError(ctx, "UnknownError", store.CategoryRuntime, store.SeverityHigh, true,
			firstN(lines[0], 500), full)
	}
}

func (d *Detector) createError(ctx context.Context, errorType string, category store.Category,
	severity store.Severity, autoFixable bool, message, rawLog string) {

	filePath, lineNumber := extractLocation(rawLog)
	moduleName := extractModule(rawLog)
	stackTrace := extractStackTrace(rawLog)

	dup, err := d.store.FindRecentDuplicate(ctx, errorType, moduleName, d.cfg.DedupWindow.Duration())
	if err != nil {
		d.logger.Error("duplicate check failed", zap.Error(err))
		return
	}
	if dup != nil {
		duplicatesSuppressed.Inc()
		d.logger.Debug("duplicate error skipped",
			zap.String("error_type", errorType),
			zap.String("module", moduleName),
		)
		return
	}

	e := &store.Error{
		ErrorType:     errorType,
		Severity:      severity,
		Category:      category,
		Message:       message,
		StackTrace:    stackTrace,
		ModuleName:    moduleName,
		FilePath:      filePath,
		LineNumber:    lineNumber,
		ContextBefore: d.recentContext(),
		RawLog:        rawLog,
		Status:        store.StatusDetected,
		AutoFixable:   autoFixable,
		DetectedAt:    time.Now().UTC(),
	}
	if err := d.store.CreateError(ctx, e); err != nil {
		d.logger.Error("failed to persist error", zap.Error(err))
		return
	}

	errorsDetected.WithLabelValues(errorType, string(severity)).Inc()
	d.logger.Info("error detected",
		zap.String("error_id", e.ID),
		zap.String("error_type", errorType),
		zap.String("severity", string(severity)),
		zap.String("module", moduleName),
	)

	if d.emitEvents {
		d.bus.Emit(bus.EventErrorDetected, map[string]interface{}{
			"error_id":     e.ID,
			"error_type":   errorType,
			"severity":     string(severity),
			"category":     string(category),
			"module":       moduleName,
			"auto_fixable": autoFixable,
			"message":      firstN(message, 200),
		}, "detector")
	}
}

func (d *Detector) recentContext() []string {
	if len(d.contextBuf) <= d.cfg.ContextLines {
		return append([]string(nil), d.contextBuf...)
	}
	return append([]string(nil), d.contextBuf[len(d.contextBuf)-d.cfg.ContextLines:]...)
}

// ScanFile processes the whole log file from the beginning without emitting
// bus events, then returns the stored errors matching since/limit, newest
// first. Useful for initial setup and the scan subcommand.
func (d *Detector) ScanFile(ctx context.Context, since time.Time, limit int) ([]*store.Error, error) {
	ctx, span := d.tracer.Start(ctx, "detector.ScanFile")
	defer span.End()

	data, err := os.ReadFile(d.cfg.LogFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	d.tailMu.Lock()
	d.emitEvents = false
	d.processContent(ctx, string(data))
	d.emitEvents = true
	d.tailMu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	return d.store.ListErrors(ctx, store.Filter{Since: since, Limit: limit})
}

func extractLocation(text string) (string, int) {
	matches := tracebackFileRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", 0
	}
	last := matches[len(matches)-1]
	line, err := strconv.Atoi(last[2])
	if err != nil {
		return last[1], 0
	}
	return last[1], line
}

func extractModule(text string) string {
	m := modulePathRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

func extractStackTrace(text string) string {
	idx := strings.Index(text, "Traceback")
	if idx < 0 {
		return ""
	}
	// Back up to the start of the line containing "Traceback".
	if nl := strings.LastIndex(text[:idx], "\n"); nl >= 0 {
		idx = nl + 1
	} else {
		idx = 0
	}
	return text[idx:]
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
