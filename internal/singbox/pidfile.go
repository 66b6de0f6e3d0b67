package singbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Detached mode backs the one-shot CLI verbs. The process outlives the CLI
// invocation, so liveness is tracked through a pid file instead of an
// in-process handle.

// StartDetached launches sing-box released from the CLI process and records
// its pid.
func StartDetached(bin, configPath, logPath, pidPath string) (int, error) {
	if pid, running := DetachedPID(pidPath); running {
		return 0, fmt.Errorf("sing-box already running (pid=%d)", pid)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open sing-box log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(bin, "run", "-c", configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start sing-box: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	if err := os.MkdirAll(filepath.Dir(pidPath), 0o700); err != nil {
		return 0, err
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return 0, fmt.Errorf("write pid file: %w", err)
	}
	return pid, nil
}

// StopDetached terminates the recorded process and removes the pid file.
// A missing or stale pid file is not an error.
func StopDetached(pidPath string) error {
	pid, running := DetachedPID(pidPath)
	if !running {
		_ = os.Remove(pidPath)
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			_ = os.Remove(pidPath)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = proc.Kill()
	_ = os.Remove(pidPath)
	return nil
}

// DetachedPID reports the recorded pid and whether that process is alive.
func DetachedPID(pidPath string) (int, bool) {
	raw, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, pidAlive(pid)
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
