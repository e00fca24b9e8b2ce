package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tagtime/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError != (err != nil) {
				t.Fatalf("ParseLevel(%q) error = %v, want error %v", test.input, err, test.hasError)
			}
			if level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	s := config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     "file",
		FilePath:   "/tmp/tagtimed.log",
		MaxSizeMB:  3,
		MaxBackups: 2,
		MaxAgeDays: 7,
	}
	cfg, err := FromSettings(s, "tagtimed")
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}
	if cfg.Level != LevelDebug || cfg.Format != FormatJSON {
		t.Errorf("level/format = %v/%v", cfg.Level, cfg.Format)
	}
	if cfg.MaxSize != 3 || cfg.MaxBackups != 2 || cfg.MaxAge != 7 {
		t.Errorf("rotation = %d/%d/%d", cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge)
	}

	s.Output = "/var/log/tagtime.log"
	cfg, err = FromSettings(s, "tagtimed")
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}
	if cfg.Output != "file" || cfg.FilePath != "/var/log/tagtime.log" {
		t.Errorf("path output = %q %q", cfg.Output, cfg.FilePath)
	}

	s.Format = "xml"
	if _, err := FromSettings(s, "tagtimed"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.Level = LevelDebug
	cfg.Writer = &buf

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func TestShouldRedact(t *testing.T) {
	tests := map[string]bool{
		"auth_token":    true,
		"AUTH_TOKEN":    true,
		"key":           true,
		"sequence_key":  true,
		"shared_secret": true,
		"token":         true,
		"graph":         false,
		"keyword":       false,
		"component":     false,
		"pass_id":       false,
	}
	for key, want := range tests {
		if got := shouldRedact(key); got != want {
			t.Errorf("shouldRedact(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)

	l.Info("submit",
		slog.String("auth_token", "abc123"),
		slog.String("key", "c2VjcmV0"),
		slog.String("url", "https://example.com/x.json?auth_token=abc123&y=1"),
		slog.Any("error", errors.New("POST /x.json auth_token=abc123: refused")),
		slog.String("graph", "work"),
	)

	out := buf.String()
	if strings.Contains(out, "abc123") || strings.Contains(out, "c2VjcmV0") {
		t.Fatalf("secret leaked: %s", out)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rec["auth_token"] != Redacted {
		t.Errorf("auth_token = %v", rec["auth_token"])
	}
	if rec["url"] != "https://example.com/x.json?auth_token=[REDACTED]&y=1" {
		t.Errorf("url = %v", rec["url"])
	}
	if rec["graph"] != "work" {
		t.Errorf("graph = %v", rec["graph"])
	}
	if rec["component"] != "tagtimed" {
		t.Errorf("component = %v", rec["component"])
	}
}

func TestWithComponentAndRequestID(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)

	ctx := ContextWithRequestID(context.Background(), "pass-1")
	l.WithComponent("reconcile").WithContext(ctx).Debug("merged")

	out := buf.String()
	if !strings.Contains(out, "component=reconcile") {
		t.Errorf("missing component: %s", out)
	}
	if !strings.Contains(out, "request_id=pass-1") {
		t.Errorf("missing request id: %s", out)
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if id := RequestIDFromContext(nil); id != "" {
		t.Errorf("nil context: %q", id)
	}
	if id := RequestIDFromContext(context.Background()); id != "" {
		t.Errorf("empty context: %q", id)
	}
}

func TestLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tagtimed.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello") {
		t.Errorf("log content: %s", data)
	}
}

func TestFileRotatorBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}

	line := bytes.Repeat([]byte("x"), 400*1024)
	for i := 0; i < 10; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rotated, err := r.Rotated()
	if err != nil {
		t.Fatalf("Rotated: %v", err)
	}
	if len(rotated) != 2 {
		t.Errorf("kept %d rotated files, want 2: %v", len(rotated), rotated)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current file is %d bytes", info.Size())
	}
}

func TestFileRotatorDaily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 100, Compress: true})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}

	day := time.Date(2025, 1, 31, 23, 0, 0, 0, time.Local)
	r.now = func() time.Time { return day }
	r.opened = day

	if _, err := r.Write([]byte("before midnight\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	day = day.Add(2 * time.Hour)
	if _, err := r.Write([]byte("after midnight\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rotated, _ := r.Rotated()
	if len(rotated) != 1 || !strings.HasSuffix(rotated[0], ".log.gz") {
		t.Fatalf("rotated = %v", rotated)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "after midnight\n" {
		t.Errorf("current file = %q", data)
	}
}

func TestCrashHandlerRecover(t *testing.T) {
	dir := t.TempDir()
	var crashes atomic.Int32
	h := NewCrashHandler(CrashHandlerConfig{
		Dir:       dir,
		Version:   "1.0.0",
		Component: "tagtimed",
		Logger:    slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		OnCrash:   func(CrashReport) { crashes.Add(1) },
	})

	if !h.Recover("ping-loop", func() { panic("boom") }) {
		t.Fatal("Recover did not report the panic")
	}
	if h.Recover("ping-loop", func() {}) {
		t.Fatal("Recover reported a panic for a clean run")
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports", len(reports))
	}
	r := reports[0]
	if r.PanicValue != "boom" || r.Task != "ping-loop" || r.Version != "1.0.0" {
		t.Errorf("report = %+v", r)
	}
	if !strings.Contains(r.StackTrace, "goroutine") {
		t.Error("missing stack trace")
	}
	if crashes.Load() != 1 {
		t.Errorf("OnCrash called %d times", crashes.Load())
	}
}

func TestCrashHandlerSupervise(t *testing.T) {
	h := NewCrashHandler(CrashHandlerConfig{
		Dir:    t.TempDir(),
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	h.backoff = time.Millisecond

	runs := 0
	err := h.Supervise(context.Background(), "submit", func(context.Context) error {
		runs++
		if runs < 3 {
			panic("again")
		}
		return errors.New("done")
	})
	if err == nil || err.Error() != "done" {
		t.Fatalf("Supervise = %v", err)
	}
	if runs != 3 {
		t.Errorf("runs = %d", runs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.backoff = time.Hour
	err = h.Supervise(ctx, "submit", func(context.Context) error { panic("x") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Supervise after cancel = %v", err)
	}
}

func TestCrashHandlerCleanup(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(CrashHandlerConfig{
		Dir:    dir,
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	h.HandlePanic("a", "one", nil)
	h.HandlePanic("b", "two", map[string]string{"graph": "work"})

	files, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(files[0], old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := h.Cleanup(24 * time.Hour); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	reports, _ := h.Reports()
	if len(reports) != 1 {
		t.Errorf("got %d reports after cleanup", len(reports))
	}
}
