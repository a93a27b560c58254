// Package subprocess spawns and supervises external agent CLI processes.
// Processes get their own process group so Stop can take down the whole
// tree, grandchildren included.
package subprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stopGrace is how long Stop waits after SIGTERM before escalating.
const stopGrace = 5 * time.Second

// stderrTailCap bounds the retained stderr tail.
const stderrTailCap = 4096

// Config defines how to spawn an external agent subprocess.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Timeout    time.Duration // hard ceiling; 0 disables
}

// Subprocess manages the lifecycle of a single external process. Stdout is
// handed to the caller for streaming; stderr is drained internally and kept
// as a bounded tail for diagnostics.
//
// Callers must read Stdout to EOF before calling Wait.
type Subprocess struct {
	cfg    Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	pgid   int

	drained chan struct{} // stderr hit EOF; process has exited
	done    chan struct{} // Wait reaped the process

	mu       sync.Mutex
	tail     []byte
	waitOnce sync.Once
	waitErr  error
}

// New creates a Subprocess from the given config. Start launches it.
func New(cfg Config) *Subprocess {
	return &Subprocess{
		cfg:     cfg,
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Subprocess) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("subprocess already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	if len(s.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range s.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	if cmd.Process != nil {
		s.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	go s.drainStderr(stderr)

	if s.cfg.Timeout > 0 {
		go func() {
			timer := time.NewTimer(s.cfg.Timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				_ = s.Stop()
			case <-s.drained:
			}
		}()
	}

	return nil
}

func (s *Subprocess) drainStderr(r io.Reader) {
	defer close(s.drained)
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.appendTail(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Subprocess) appendTail(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, data...)
	if over := len(s.tail) - stderrTailCap; over > 0 {
		s.tail = s.tail[over:]
	}
}

// Write sends data to the process stdin.
func (s *Subprocess) Write(data []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("stdin not available")
	}
	_, err := stdin.Write(data)
	return err
}

// CloseStdin signals EOF to the process.
func (s *Subprocess) CloseStdin() error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// Stdout returns the process stdout stream. Read it to EOF before Wait.
func (s *Subprocess) Stdout() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout
}

// StderrTail returns the last few KB of stderr output.
func (s *Subprocess) StderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tail)
}

// Wait reaps the process and returns its exit error. Safe to call from
// multiple goroutines; all callers see the same result.
func (s *Subprocess) Wait() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	s.waitOnce.Do(func() {
		// The stderr drain ends at process exit; joining it first keeps
		// the tail complete and makes the pipe teardown race-free.
		<-s.drained
		s.waitErr = cmd.Wait()
		close(s.done)
	})
	<-s.done
	return s.waitErr
}

// Stop terminates the process group: SIGTERM, a grace period, then SIGKILL.
func (s *Subprocess) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	pgid := s.pgid
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-s.drained:
		return nil
	case <-time.After(stopGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return nil
	}
}

// PID returns the process id, or 0 before Start.
func (s *Subprocess) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}
