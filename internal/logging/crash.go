package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"tagtime/internal/security"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time         `json:"timestamp"`
	Version      string            `json:"version,omitempty"`
	GOOS         string            `json:"goos"`
	GOARCH       string            `json:"goarch"`
	NumGoroutine int               `json:"num_goroutine"`
	Component    string            `json:"component,omitempty"`
	Task         string            `json:"task,omitempty"`
	PanicValue   string            `json:"panic_value"`
	StackTrace   string            `json:"stack_trace"`
	Context      map[string]string `json:"context,omitempty"`
}

// CrashHandler recovers panics in long-running goroutines, writes a JSON
// report for each into a crash directory and logs it.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	version   string
	component string
	logger    *slog.Logger
	onCrash   func(CrashReport)

	// restart delay for Supervise
	backoff time.Duration
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// Dir receives crash-*.json reports.
	Dir       string
	Version   string
	Component string
	Logger    *slog.Logger

	// OnCrash is called after a report is written.
	OnCrash func(CrashReport)
}

// CrashDir is where reports go inside a data directory.
func CrashDir(dataDir string) string {
	return filepath.Join(dataDir, "crashes")
}

// NewCrashHandler creates a CrashHandler.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CrashHandler{
		dir:       cfg.Dir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    logger,
		onCrash:   cfg.OnCrash,
		backoff:   time.Second,
	}
}

// Recover runs fn and converts a panic into a crash report. It reports
// whether fn panicked.
func (h *CrashHandler) Recover(task string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(task, r, nil)
			panicked = true
		}
	}()
	fn()
	return false
}

// Supervise runs fn until it returns, restarting it after a panic. It
// returns fn's result, or ctx.Err() if ctx ends while waiting to restart.
func (h *CrashHandler) Supervise(ctx context.Context, task string, fn func(context.Context) error) error {
	for {
		var err error
		if !h.Recover(task, func() { err = fn(ctx) }) {
			return err
		}

		h.logger.Warn("restarting after panic", slog.String("task", task), slog.Duration("delay", h.backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.backoff):
		}
	}
}

// HandlePanic writes and logs a report for a recovered panic value.
func (h *CrashHandler) HandlePanic(task string, value any, extra map[string]string) CrashReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Component:    h.component,
		Task:         task,
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		Context:      extra,
	}

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("write crash report", slog.Any("error", err))
	}
	h.logger.Error("recovered panic",
		slog.String("task", task),
		slog.String("panic", report.PanicValue),
		slog.String("report", path),
	)

	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if h.dir == "" {
		fmt.Fprintf(os.Stderr, "panic in %s: %s\n%s\n", report.Task, report.PanicValue, report.StackTrace)
		return "", nil
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%s.json", report.Timestamp.Format("20060102-150405.000000000"), report.Task)
	path := filepath.Join(h.dir, name)
	if err := security.WriteSecretFile(path, data); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the stored reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Timestamp.Before(reports[j].Timestamp) })
	return reports, nil
}

// Cleanup removes reports older than maxAge.
func (h *CrashHandler) Cleanup(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
