package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatd.log")

	logger, err := New(path, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello", zapcore.Field{Key: "k", Type: zapcore.StringType, String: "v"})
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	if entry["instance"] != "test" {
		t.Errorf("instance = %v, want test", entry["instance"])
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("entry has no ts key")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zapcore.DebugLevel {
		t.Error("ParseLevel(debug) != DebugLevel")
	}
	if ParseLevel("nonsense") != zapcore.InfoLevel {
		t.Error("ParseLevel(nonsense) should default to info")
	}
}
