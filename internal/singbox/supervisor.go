// Package singbox acquires and operates the external sing-box binary. The
// binary implements the actual VLESS/Reality protocol; this package only
// downloads it and runs it against the compiled configuration.
package singbox

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const stopTimeout = 5 * time.Second

// Supervisor runs one sing-box process. sing-box has no hot-reload signal,
// so Reload is a stop+start against the current config path.
type Supervisor struct {
	bin     string
	logPath string

	mu         sync.Mutex
	cmd        *exec.Cmd
	configPath string
}

func NewSupervisor(bin, logPath string) *Supervisor {
	if bin == "" {
		bin = "sing-box"
	}
	return &Supervisor{bin: bin, logPath: logPath}
}

func (s *Supervisor) Start(configPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("sing-box already running (pid=%d)", s.cmd.Process.Pid)
	}

	logFile, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open sing-box log: %w", err)
	}

	cmd := exec.Command(s.bin, "run", "-c", configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("start sing-box: %w", err)
	}

	s.cmd = cmd
	s.configPath = configPath
	log.Printf("sing-box started (pid=%d)", cmd.Process.Pid)

	go func(cmd *exec.Cmd, logFile *os.File) {
		err := cmd.Wait()
		_ = logFile.Close()

		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
		}
		s.mu.Unlock()

		if err != nil {
			log.Printf("sing-box exited: %v", err)
			return
		}
		log.Printf("sing-box exited")
	}(cmd, logFile)

	return nil
}

func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	// The waiter goroutine from Start reaps the process and clears s.cmd;
	// escalate to SIGKILL if that takes too long.
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		exited := s.cmd != cmd
		s.mu.Unlock()
		if exited {
			log.Printf("sing-box stopped")
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = cmd.Process.Kill()
	log.Printf("sing-box killed after %s", stopTimeout)
	return nil
}

// Reload restarts the process against the config path it was started with.
func (s *Supervisor) Reload() error {
	s.mu.Lock()
	configPath := s.configPath
	running := s.cmd != nil
	s.mu.Unlock()

	if !running {
		return fmt.Errorf("sing-box is not running")
	}
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(configPath)
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && s.cmd.Process != nil
}
