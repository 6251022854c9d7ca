package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestTaggedLogger(t *testing.T) {
	var buf bytes.Buffer
	baseLogger.SetOutput(&buf)
	defer baseLogger.SetOutput(os.Stderr)
	defer SetLogLevel("info")

	SetLogLevel("warn")
	cacheLog.Infof("hidden %d", 1)
	cacheLog.Warnf("redis down: %v", "refused")
	Errorf("disk at %d%%", 100)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "WARN [CACHE] redis down: refused") {
		t.Fatalf("tagged line missing: %q", out)
	}
	if !strings.Contains(out, "ERROR disk at 100%\n") {
		t.Fatalf("untagged line: %q", out)
	}

	SetLogLevel("bogus")
	if !enabled(LevelWarn) || enabled(LevelInfo) {
		t.Fatalf("unknown level name should leave the level unchanged")
	}
}
