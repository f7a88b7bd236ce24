package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		if _, err := NewLogger(level, ""); err != nil {
			t.Fatalf("level %q: %v", level, err)
		}
	}
	if _, err := NewLogger("shouty", ""); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	log, err := NewLogger("info", path)
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	log.Info("probe entry")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("log file is empty")
	}
}
