package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitLoggerLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error", "", "bogus", "WARN"}

	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			logger = nil
			if err := InitLogger(level, "console", ""); err != nil {
				t.Fatalf("InitLogger(%q) error = %v", level, err)
			}
			if logger == nil {
				t.Fatal("logger should be set after InitLogger")
			}

			Debugf("debug %s", "f")
			Info("info")
			Infof("info %s", "f")
			Warnf("warn %s", "f")
			Error("error")
			Errorf("error %s", "f")
		})
	}
}

func TestInitLoggerJSONFormat(t *testing.T) {
	logger = nil
	if err := InitLogger("info", "json", ""); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}
	Info("json formatted log")
}

func TestInitLoggerWithFile(t *testing.T) {
	logger = nil
	logFile := filepath.Join(t.TempDir(), "coordinator.log")

	if err := InitLogger("info", "console", logFile); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}
	Infof("switched to %s", "KAS")
	Sync()

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Error("log file should exist")
	}
}

func TestInitLoggerInvalidFile(t *testing.T) {
	logger = nil
	if err := InitLogger("info", "console", "/nonexistent/path/test.log"); err == nil {
		t.Error("InitLogger() should return error for invalid file path")
	}
}

func TestLogFallback(t *testing.T) {
	logger = nil
	if Log() == nil {
		t.Error("Log() should return a logger even when not initialized")
	}
	if Named("selector") == nil {
		t.Error("Named() should return a logger")
	}
}

func TestReinitializeReplacesLogger(t *testing.T) {
	logger = nil
	InitLogger("info", "console", "")
	first := logger

	InitLogger("debug", "json", "")
	if logger == first {
		t.Error("logger should be replaced after re-initialization")
	}
}

func BenchmarkInfof(b *testing.B) {
	logger = nil
	InitLogger("info", "console", "")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Infof("benchmark %s %d", "message", i)
	}
}
