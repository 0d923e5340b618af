package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nbrelay/nbrelay/internal/log"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "converter.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunConverterCapturesStdout(t *testing.T) {
	t.Parallel()
	bin := writeScript(t, `printf "artifact-bytes"`)

	out, _, err := runConverter(bin, nil, nil, nil, 5*time.Second, time.Second, log.Get())
	if err != nil {
		t.Fatalf("runConverter: %v", err)
	}
	if string(out) != "artifact-bytes" {
		t.Fatalf("unexpected stdout %q", out)
	}
}

func TestRunConverterPipesStdin(t *testing.T) {
	t.Parallel()
	bin := writeScript(t, `cat`)

	out, _, err := runConverter(bin, nil, nil, []byte("@startuml"), 5*time.Second, time.Second, log.Get())
	if err != nil {
		t.Fatalf("runConverter: %v", err)
	}
	if string(out) != "@startuml" {
		t.Fatalf("unexpected stdout %q", out)
	}
}

func TestRunConverterNonZeroExit(t *testing.T) {
	t.Parallel()
	bin := writeScript(t, `echo "boom" >&2; exit 3`)

	_, stderr, err := runConverter(bin, nil, nil, nil, 5*time.Second, time.Second, log.Get())
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "status 3") {
		t.Fatalf("error should carry exit status, got %v", err)
	}
	if !strings.Contains(stderr, "boom") {
		t.Fatalf("stderr not captured: %q", stderr)
	}
}

func TestRunConverterTimeout(t *testing.T) {
	t.Parallel()
	bin := writeScript(t, `sleep 30`)

	start := time.Now()
	_, _, err := runConverter(bin, nil, nil, nil, 100*time.Millisecond, 100*time.Millisecond, log.Get())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("termination took too long: %s", elapsed)
	}
}

func TestRunConverterKillsAfterGrace(t *testing.T) {
	t.Parallel()
	// Ignore SIGTERM so only SIGKILL can stop the process.
	bin := writeScript(t, "trap '' TERM\nsleep 30")

	start := time.Now()
	_, _, err := runConverter(bin, nil, nil, nil, 100*time.Millisecond, 200*time.Millisecond, log.Get())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("SIGKILL escalation took too long: %s", elapsed)
	}
}

func TestTruncateStderr(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", maxStderrBytes+10)
	got := truncateStderr(long)
	if len(got) >= len(long) {
		t.Fatal("stderr not truncated")
	}
	if !strings.HasSuffix(got, "(truncated)") {
		t.Fatalf("missing truncation marker: %q", got[len(got)-30:])
	}
}
