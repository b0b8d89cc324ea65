package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/iambrandonn/rarun/internal/jsonrpc"
)

// ServerSupervisor manages the analysis server subprocess
type ServerSupervisor struct {
	cmd    []string
	env    map[string]string
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	process  *exec.Cmd
	conn     *jsonrpc.Conn
	stdin    io.WriteCloser
	stderr   io.ReadCloser
	running  bool
	exitChan chan error // Receives the result of proc.Wait() from waitForExit

	stderrLines chan string
}

// NewServerSupervisor creates a supervisor for the server started by cmd in dir
func NewServerSupervisor(cmd []string, env map[string]string, dir string, logger *slog.Logger) *ServerSupervisor {
	return &ServerSupervisor{
		cmd:         cmd,
		env:         env,
		dir:         dir,
		logger:      logger,
		stderrLines: make(chan string, 100),
	}
}

// Start launches the server and begins reading its protocol stream
func (s *ServerSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("analysis server already running")
	}
	s.mu.Unlock()

	if len(s.cmd) == 0 {
		return fmt.Errorf("analysis server command is empty")
	}

	s.logger.Info("starting analysis server", "cmd", s.cmd, "dir", s.dir)

	proc := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	proc.Dir = s.dir

	// inherit parent environment first, then add custom vars
	proc.Env = os.Environ()
	for k, v := range s.env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("failed to start process: %w", err)
	}

	conn := jsonrpc.NewConn(stdout, stdin, stdin, s.logger)

	s.mu.Lock()
	s.process = proc
	s.conn = conn
	s.stdin = stdin
	s.stderr = stderr
	s.running = true
	s.exitChan = make(chan error, 1) // Buffered to prevent goroutine leak
	s.mu.Unlock()

	s.logger.Info("analysis server started", "pid", proc.Process.Pid)

	conn.Start(ctx)
	go s.readStderr(ctx)
	go s.waitForExit()

	return nil
}

// Conn returns the protocol connection, or nil before Start
func (s *ServerSupervisor) Conn() *jsonrpc.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Stop closes the protocol stream and waits for the server to exit,
// killing it if it does not exit in time
func (s *ServerSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}

	proc := s.process
	conn := s.conn
	exitChan := s.exitChan
	s.mu.Unlock()

	s.logger.Info("stopping analysis server")

	// closing stdin signals EOF
	if conn != nil {
		conn.Close()
	}

	select {
	case <-ctx.Done():
		if proc.Process != nil {
			proc.Process.Kill()
		}
		return ctx.Err()
	case err := <-exitChan:
		if err != nil {
			s.logger.Warn("analysis server exited with error", "error", err)
		} else {
			s.logger.Info("analysis server stopped")
		}
		return err
	case <-time.After(5 * time.Second):
		s.logger.Warn("analysis server did not stop gracefully, killing")
		if proc.Process != nil {
			proc.Process.Kill()
		}
		return fmt.Errorf("analysis server stop timeout")
	}
}

// StderrLines returns the channel for receiving stderr output from the server
func (s *ServerSupervisor) StderrLines() <-chan string {
	return s.stderrLines
}

// IsRunning returns true if the server is running
func (s *ServerSupervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *ServerSupervisor) readStderr(ctx context.Context) {
	s.mu.Lock()
	stderr := s.stderr
	s.mu.Unlock()

	if stderr == nil {
		return
	}

	defer close(s.stderrLines)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		s.logger.Debug("analysis server stderr", "line", line)

		select {
		case s.stderrLines <- line:
		case <-ctx.Done():
			return
		default:
			// nobody is draining; the line is already logged
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		s.logger.Debug("error reading stderr", "error", err)
	}
}

func (s *ServerSupervisor) waitForExit() {
	s.mu.Lock()
	proc := s.process
	exitChan := s.exitChan
	conn := s.conn
	s.mu.Unlock()

	if proc == nil {
		return
	}

	err := proc.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if exitChan != nil {
		exitChan <- err
	}

	if err != nil {
		s.logger.Warn("analysis server process exited", "error", err)
	} else {
		s.logger.Info("analysis server process exited cleanly")
	}
}
