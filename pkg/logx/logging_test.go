package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not the zero value")
	}
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("to file", String("k", "v"))
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered after apply")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "to file") {
		t.Fatalf("log file missing first record: %q", out)
	}
	if strings.Contains(out, "filtered after apply") {
		t.Fatalf("level change not applied: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"trace": LevelTrace, "DEBUG": LevelDebug, " warning ": LevelWarn, "error": LevelError, "bogus": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApplyUnopenableFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Error("still logged to console")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("log file unexpectedly created: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close with no file: %v", err)
	}
}
