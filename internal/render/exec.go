package render

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// maxStderrBytes caps the amount of stderr captured from converter runs.
const maxStderrBytes = 64 * 1024

// runConverter executes a converter binary with a hard timeout. On timeout it
// sends SIGTERM, waits out the grace period, then SIGKILLs. Returns stdout,
// truncated stderr, and an error when the run failed.
func runConverter(bin string, args []string, env []string, stdin []byte, timeout, grace time.Duration, logger *slog.Logger) ([]byte, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Termination is managed by hand rather than through CommandContext so
	// the converter gets a chance to exit cleanly before the kill. The
	// converter runs in its own process group: drawio spawns an electron
	// child that must die with it, or the stdout pipe never closes.
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if env != nil {
		cmd.Env = env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("running converter", "bin", bin, "args", args, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start %s: %w", bin, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("converter timed out, sending SIGTERM", "bin", bin)
		signalGroup(cmd, syscall.SIGTERM, logger)

		graceTimer := time.NewTimer(grace)
		defer graceTimer.Stop()

		select {
		case <-waitErr:
			logger.Info("converter exited after SIGTERM", "bin", bin)
		case <-graceTimer.C:
			logger.Warn("converter did not exit after SIGTERM, sending SIGKILL", "bin", bin)
			signalGroup(cmd, syscall.SIGKILL, logger)
			<-waitErr
		}

		return nil, truncateStderr(stderr.String()), fmt.Errorf("%s timed out after %s", bin, timeout)

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return nil, stderrStr, fmt.Errorf("%s exited with status %d: %s", bin, exitErr.ExitCode(), stderrStr)
			}
			return nil, stderrStr, fmt.Errorf("wait for %s: %w", bin, err)
		}
		return stdout.Bytes(), stderrStr, nil
	}
}

// signalGroup signals the converter's whole process group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		logger.Error("failed to signal converter", "signal", sig.String(), "error", err)
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes] + "... (truncated)"
	}
	return s
}
