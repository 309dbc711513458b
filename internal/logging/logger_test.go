package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// readLogFile returns the contents of the category's log file, or "" when
// the file does not exist.
func readLogFile(t *testing.T, dir string, category Category) string {
	t.Helper()
	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_"+string(category)+".log"))
	if err != nil {
		return ""
	}
	return string(data)
}

func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Options{Enabled: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Boot("boot message")
	Dataset("dataset message")
	Schema("schema message")
	Store("store message")
	Pipeline("pipeline message")
	LLM("llm message")
	Session("session message")
	Server("server message")

	CloseAll()

	checks := map[Category]string{
		CategoryBoot:     "boot message",
		CategoryDataset:  "dataset message",
		CategorySchema:   "schema message",
		CategoryStore:    "store message",
		CategoryPipeline: "pipeline message",
		CategoryLLM:      "llm message",
		CategorySession:  "session message",
		CategoryServer:   "server message",
	}
	for category, want := range checks {
		got := readLogFile(t, tempDir, category)
		if !strings.Contains(got, want) {
			t.Errorf("category %s: expected %q in log, got %q", category, want, got)
		}
	}
}

func TestDisabledLoggingIsNoOp(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "logs")

	if err := Initialize(tempDir, Options{Enabled: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Dataset("should not appear")
	Server("should not appear")

	if _, err := os.Stat(tempDir); !os.IsNotExist(err) {
		t.Errorf("disabled logging must not create the log directory")
	}
}

func TestLevelGating(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Options{Enabled: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	DatasetDebug("debug line")
	Dataset("info line")
	DatasetWarn("warn line")
	DatasetError("error line")

	CloseAll()

	got := readLogFile(t, tempDir, CategoryDataset)
	if strings.Contains(got, "debug line") {
		t.Error("debug line must be suppressed at warn level")
	}
	if strings.Contains(got, "info line") {
		t.Error("info line must be suppressed at warn level")
	}
	if !strings.Contains(got, "warn line") {
		t.Error("warn line missing")
	}
	if !strings.Contains(got, "error line") {
		t.Error("error line missing")
	}
}

func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()

	err := Initialize(tempDir, Options{
		Enabled:    true,
		Level:      "debug",
		Categories: map[string]bool{"dataset": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryDataset) {
		t.Error("dataset category should be disabled")
	}
	if !IsCategoryEnabled(CategoryServer) {
		t.Error("unlisted categories default to enabled")
	}

	Dataset("filtered out")
	Server("passes through")

	CloseAll()

	if got := readLogFile(t, tempDir, CategoryDataset); strings.Contains(got, "filtered out") {
		t.Errorf("disabled category wrote a line: %q", got)
	}
	if got := readLogFile(t, tempDir, CategoryServer); !strings.Contains(got, "passes through") {
		t.Errorf("enabled category missing its line: %q", got)
	}
}

func TestJSONFormat(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Options{Enabled: true, Level: "info", JSONFormat: true}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Pipeline("stage %s finished", "plan")
	CloseAll()

	got := readLogFile(t, tempDir, CategoryPipeline)
	line := strings.TrimSpace(got)
	if line == "" {
		t.Fatal("expected a JSON log line")
	}
	// Strip the stdlib logger's date/time prefix before the JSON object.
	idx := strings.Index(line, "{")
	if idx < 0 {
		t.Fatalf("no JSON object in line: %q", line)
	}

	var entry StructuredLogEntry
	if err := json.Unmarshal([]byte(line[idx:]), &entry); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if entry.Category != "pipeline" {
		t.Errorf("expected category pipeline, got %s", entry.Category)
	}
	if entry.Level != "info" {
		t.Errorf("expected level info, got %s", entry.Level)
	}
	if entry.Message != "stage plan finished" {
		t.Errorf("unexpected message: %q", entry.Message)
	}
}

func TestRequestLogger(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Options{Enabled: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	WithRequestID(CategoryPipeline, "req_42").
		WithField("stage", "analyze").
		Info("stage started")

	CloseAll()

	got := readLogFile(t, tempDir, CategoryPipeline)
	if !strings.Contains(got, "[req:req_42]") {
		t.Errorf("missing request id: %q", got)
	}
	if !strings.Contains(got, "stage started") {
		t.Errorf("missing message: %q", got)
	}
	if !strings.Contains(got, "analyze") {
		t.Errorf("missing field value: %q", got)
	}
}

func TestTimer(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Options{Enabled: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	timer := StartTimer(CategoryStore, "load rows")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.Stop()

	if elapsed < 5*time.Millisecond {
		t.Errorf("expected at least 5ms elapsed, got %v", elapsed)
	}

	CloseAll()

	got := readLogFile(t, tempDir, CategoryStore)
	if !strings.Contains(got, "load rows completed in") {
		t.Errorf("missing timer line: %q", got)
	}
}
