package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/copima/copima/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copima.log")
	logger, closeFn, err := New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		File:   path,
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("crawl started", "phase", "users")
	logger.Debug("suppressed at info level")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, `"msg":"crawl started"`) {
		t.Fatalf("expected json record, got %s", content)
	}
	if !strings.Contains(content, `"logger":"copima"`) {
		t.Fatalf("expected named logger attribute, got %s", content)
	}
	if !strings.Contains(content, `"level":"info"`) {
		t.Fatalf("expected lowercase level label, got %s", content)
	}
	if strings.Contains(content, "suppressed") {
		t.Fatalf("debug record must be filtered at info level: %s", content)
	}
}

func TestLevelFiltering(t *testing.T) {
	cases := []struct {
		level string
		debug bool
	}{
		{"debug", true},
		{"trace", true},
		{"info", false},
		{"error", false},
		{"", false},
	}
	for _, tc := range cases {
		t.Run("level_"+tc.level, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.log")
			logger, closeFn, err := New(config.LoggingConfig{Level: tc.level, File: path})
			if err != nil {
				t.Fatalf("new logger: %v", err)
			}
			logger.Debug("detail")
			closeFn()

			raw, _ := os.ReadFile(path)
			got := strings.Contains(string(raw), "detail")
			if got != tc.debug {
				t.Fatalf("level %q: debug written=%v want %v", tc.level, got, tc.debug)
			}
		})
	}
}
