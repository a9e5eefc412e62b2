package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observe swaps the global logger for an observer at min and restores the
// previous one when the test ends.
func observe(t *testing.T, min zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	previous := Global()
	core, logs := observer.New(min)
	SetGlobal(zap.New(core))
	t.Cleanup(func() { SetGlobal(previous) })
	return logs
}

func TestNewWithOptionsLevels(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		enabled  zapcore.Level
		disabled zapcore.Level
	}{
		{"debug json stdout", Options{Level: "debug"}, zapcore.DebugLevel, zapcore.InvalidLevel},
		{"warn console stderr", Options{Level: "warn", Format: "console", Output: "stderr"}, zapcore.WarnLevel, zapcore.InfoLevel},
		{"error json stdout", Options{Level: "error", Output: "stdout"}, zapcore.ErrorLevel, zapcore.WarnLevel},
		{"empty level falls back to info", Options{}, zapcore.InfoLevel, zapcore.DebugLevel},
		{"unknown level falls back to info", Options{Level: "verbose"}, zapcore.InfoLevel, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewWithOptions(tt.opts)
			if err != nil {
				t.Fatalf("NewWithOptions(%+v): %v", tt.opts, err)
			}
			if !l.Core().Enabled(tt.enabled) {
				t.Errorf("expected %v to be enabled", tt.enabled)
			}
			if tt.disabled != zapcore.InvalidLevel && l.Core().Enabled(tt.disabled) {
				t.Errorf("expected %v to be disabled", tt.disabled)
			}
		})
	}
}

func TestNewUsesLevelOnly(t *testing.T) {
	l, err := New("warn")
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) || !l.Core().Enabled(zapcore.WarnLevel) {
		t.Error("New should honour the given level")
	}
}

func TestGlobalHelpers(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	Debug("guard rejected", zap.String("reason", "BAD_REQUEST"))
	Info("reloaded")
	Warn("fail open", zap.String("dimension", "ip"))
	Error("identity call failed")
	With(zap.String("component", "accessgate")).Info("scoped")

	entries := logs.All()
	want := []struct {
		msg   string
		level zapcore.Level
	}{
		{"guard rejected", zapcore.DebugLevel},
		{"reloaded", zapcore.InfoLevel},
		{"fail open", zapcore.WarnLevel},
		{"identity call failed", zapcore.ErrorLevel},
		{"scoped", zapcore.InfoLevel},
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, w := range want {
		if entries[i].Message != w.msg || entries[i].Level != w.level {
			t.Errorf("entry %d = %s/%v, want %s/%v", i, entries[i].Message, entries[i].Level, w.msg, w.level)
		}
	}
	if entries[2].ContextMap()["dimension"] != "ip" {
		t.Errorf("missing dimension field: %v", entries[2].ContextMap())
	}
	if entries[4].ContextMap()["component"] != "accessgate" {
		t.Errorf("With fields not attached: %v", entries[4].ContextMap())
	}
}

func TestGlobalRespectsObserverLevel(t *testing.T) {
	logs := observe(t, zapcore.WarnLevel)

	Debug("dropped")
	Info("dropped")
	Warn("kept")

	if logs.Len() != 1 || logs.All()[0].Message != "kept" {
		t.Errorf("unexpected entries %v", logs.All())
	}
}

func TestNewWithOptionsWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	l, err := NewWithOptions(Options{Level: "info", Output: path, Rotation: Rotation{MaxSize: 1}})
	if err != nil {
		t.Fatalf("NewWithOptions returned error: %v", err)
	}
	l.Info("written to file", zap.String("component", "guard"))
	l.Debug("below level")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", string(data))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "written to file" || entry["component"] != "guard" {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Errorf("expected timestamp key, got %v", entry)
	}
}

func TestWriterForRotationDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")

	ws := writerFor(Options{Output: path, Rotation: Rotation{MaxBackups: 7, Compress: true}})
	if err := ws.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := ws.Write([]byte("line\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected %s to be created: %v", path, err)
	}

	for _, out := range []string{"", "stdout", "stderr"} {
		if writerFor(Options{Output: out}) == nil {
			t.Errorf("writerFor(%q) returned nil", out)
		}
	}
}

func TestNewWithOptionsConsoleFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")

	l, err := NewWithOptions(Options{Level: "debug", Format: "console", Output: path})
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("route selected", zap.String("cluster", "gray"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "DEBUG") || !strings.Contains(line, "route selected") {
		t.Errorf("unexpected console line %q", line)
	}
	if json.Valid([]byte(strings.TrimSpace(line))) {
		t.Errorf("console format should not emit JSON: %q", line)
	}
}
