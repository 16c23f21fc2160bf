package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// decodeRecord parses one JSON log line.
func decodeRecord(t *testing.T, line string) map[string]any {
	t.Helper()
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("malformed log record %q: %v", line, err)
	}
	return record
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("expected at least one log record")
	}
	return decodeRecord(t, lines[len(lines)-1])
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != InfoLevel {
		t.Errorf("expected InfoLevel, got %v", cfg.Level)
	}
	if cfg.Output != os.Stderr {
		t.Error("expected Output to default to os.Stderr")
	}
	if cfg.Pretty {
		t.Error("expected Pretty to default to false")
	}
	if cfg.FileDir != "" {
		t.Errorf("expected no file sidecar by default, got %q", cfg.FileDir)
	}
}

func TestEveryRecordCarriesTheServiceTag(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("key", "value").Msg("hello")

	record := lastRecord(t, &buf)
	if record["service"] != "nwbflow" {
		t.Errorf("expected service tag nwbflow, got %v", record["service"])
	}
	if record["message"] != "hello" {
		t.Errorf("expected message hello, got %v", record["message"])
	}
	if record["key"] != "value" {
		t.Errorf("expected structured field to survive, got %v", record["key"])
	}
}

func TestLevelThresholdFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})
	defer Init(DefaultConfig())

	Debug().Msg("dropped")
	Info().Msg("also dropped")
	Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("records below the threshold must be dropped, got %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("records at the threshold must be written, got %q", out)
	}
}

func TestComponentTagsChildRecords(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})
	defer Init(DefaultConfig())

	Component("conversion").Info().Msg("format detected")

	record := lastRecord(t, &buf)
	if record["component"] != "conversion" {
		t.Errorf("expected component conversion, got %v", record["component"])
	}
	if record["service"] != "nwbflow" {
		t.Error("component children must keep the service tag")
	}
}

func TestForAttemptCarriesTheAttemptNumber(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})
	defer Init(DefaultConfig())

	ForAttempt(Component("evaluation"), 2).Info().Msg("validation finished")

	record := lastRecord(t, &buf)
	if record["attempt"] != float64(2) {
		t.Errorf("expected attempt 2, got %v", record["attempt"])
	}
	if record["component"] != "evaluation" {
		t.Errorf("expected component evaluation, got %v", record["component"])
	}
}

func TestFileSidecar(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, FileDir: dir})
	defer func() {
		Close()
		Init(DefaultConfig())
	}()

	path := FilePath()
	if path == "" {
		t.Fatal("expected an open log file")
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected the log file under %s, got %s", dir, path)
	}
	if !strings.HasPrefix(filepath.Base(path), "nwbflow-") {
		t.Fatalf("unexpected log file name: %s", path)
	}

	Info().Msg("persisted")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "persisted") {
		t.Error("expected the record in the file sidecar")
	}
	if !strings.Contains(buf.String(), "persisted") {
		t.Error("expected the record on the console stream too")
	}
}

func TestCloseReleasesTheFile(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, FileDir: dir})
	defer Init(DefaultConfig())

	if FilePath() == "" {
		t.Fatal("expected an open log file")
	}
	Close()
	if FilePath() != "" {
		t.Error("expected FilePath to be empty after Close")
	}
	// Close again must be a no-op, not a panic.
	Close()
}

func TestPrettyConsoleIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})
	defer Init(DefaultConfig())

	Info().Msg("readable")

	out := buf.String()
	if !strings.Contains(out, "readable") {
		t.Fatalf("expected the message in pretty output, got %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Error("pretty output should not be a JSON record")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{"  DEBUG  ", DebugLevel},
		{"INFO", InfoLevel},
		{"WARN", WarnLevel},
		{"WARNING", WarnLevel},
		{"error", ErrorLevel},
		{"FATAL", FatalLevel},
		{"unknown", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}
