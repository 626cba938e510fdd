package process

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ControlFD is the descriptor number of the control socket in the worker.
const ControlFD = 3

// ControlFDEnv names the variable that tells a worker where its control
// socket is.
const ControlFDEnv = "BRIDGEHOST_CONTROL_FD"

// maxOutputLine bounds one captured line of worker output.
const maxOutputLine = 64 * 1024

// DefaultGracefulTimeout is used when Config.GracefulTimeout is not positive.
const DefaultGracefulTimeout = 5 * time.Second

// outputDrainTimeout is how long Wait keeps reading stdout and stderr after
// the worker has exited. A grandchild that inherited the pipes would
// otherwise delay the exit until it closes them.
const outputDrainTimeout = 250 * time.Millisecond

// Config holds configuration for a worker process.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format),
	// appended to the parent environment.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// GracefulTimeout is how long a terminated worker gets before SIGKILL.
	// Zero or negative means DefaultGracefulTimeout.
	GracefulTimeout time.Duration
}

// Logger defines the logging interface for worker processes.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Exit describes how a worker ended.
type Exit struct {
	// Code is the exit status, or -1 when the process was killed by a signal.
	Code int

	// Signal is the terminating signal, or 0 when the process exited normally.
	Signal syscall.Signal
}

// Signaled reports whether the process was killed by a signal.
func (e Exit) Signaled() bool {
	return e.Signal != 0
}

func (e Exit) String() string {
	if e.Signaled() {
		return "signal " + e.Signal.String()
	}
	return "exit code " + strconv.Itoa(e.Code)
}

// Process is a running worker.
type Process struct {
	config  Config
	logger  Logger
	cmd     *exec.Cmd
	control net.Conn

	done chan struct{}
	exit Exit

	terminate sync.Once
}

// Spawn starts a worker. The returned Process is already running; its exit
// is reported on Done.
func Spawn(cfg Config, logger Logger) (*Process, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: creating control socket: %v", ErrSpawn, err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "control-parent")
	childEnd := os.NewFile(uintptr(fds[1]), "control-child")
	defer childEnd.Close() //nolint:errcheck // The child holds its own copy after Start

	control, err := net.FileConn(parentEnd)
	parentEnd.Close() //nolint:errcheck // FileConn dups the descriptor
	if err != nil {
		return nil, fmt.Errorf("%w: wrapping control socket: %v", ErrSpawn, err)
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...) //nolint:gosec // Binary comes from host configuration

	// Own process group so termination reaches anything the plugin forks
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, ControlFDEnv+"="+strconv.Itoa(ControlFD))
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	cmd.Stdout = &outputLogger{logger: logger, name: cfg.Name, stream: "stdout"}
	cmd.Stderr = &outputLogger{logger: logger, name: cfg.Name, stream: "stderr"}
	cmd.WaitDelay = outputDrainTimeout

	if err := cmd.Start(); err != nil {
		control.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: starting %s: %v", ErrSpawn, cfg.Name, err)
	}

	p := &Process{
		config:  cfg,
		logger:  logger,
		cmd:     cmd,
		control: control,
		done:    make(chan struct{}),
	}

	logger.Info("worker started", "name", cfg.Name, "pid", cmd.Process.Pid)

	go p.wait()

	return p, nil
}

// wait reaps the process and records how it ended.
func (p *Process) wait() {
	err := p.cmd.Wait()

	exit := Exit{Code: -1}
	if state := p.cmd.ProcessState; state != nil {
		exit.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal()
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.logger.Debug("worker wait returned", "name", p.config.Name, "error", err)
	}

	p.exit = exit
	close(p.done)

	p.logger.Info("worker exited", "name", p.config.Name, "pid", p.cmd.Process.Pid, "exit", exit.String())
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Control returns the host end of the control socket. Reads see EOF once
// the worker has exited; the caller closes it.
func (p *Process) Control() net.Conn {
	return p.control
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit returns how the process ended. Only valid after Done is closed.
func (p *Process) Exit() Exit {
	<-p.done
	return p.exit
}

// Terminate sends SIGTERM to the worker's process group and, if it is
// still alive after GracefulTimeout, SIGKILL. It does not wait.
func (p *Process) Terminate() {
	p.terminate.Do(func() {
		pid := p.cmd.Process.Pid
		p.logger.Info("terminating worker", "name", p.config.Name, "pid", pid)
		p.signalGroup(syscall.SIGTERM)

		go func() {
			timer := time.NewTimer(p.config.GracefulTimeout)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.logger.Warn("graceful shutdown timeout, sending SIGKILL",
					"name", p.config.Name,
					"timeout", p.config.GracefulTimeout,
				)
				p.signalGroup(syscall.SIGKILL)
			}
		}()
	})
}

// signalGroup signals the whole process group (negative pid, see Setpgid).
func (p *Process) signalGroup(sig syscall.Signal) {
	select {
	case <-p.done:
		return
	default:
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("failed to signal worker process group",
			"name", p.config.Name,
			"signal", sig.String(),
			"error", err,
		)
	}
}

// outputLogger logs each line a worker writes to stdout or stderr.
type outputLogger struct {
	logger Logger
	name   string
	stream string

	mu  sync.Mutex
	buf []byte
}

func (o *outputLogger) Write(b []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf = append(o.buf, b...)
	for {
		i := bytes.IndexByte(o.buf, '\n')
		if i < 0 {
			break
		}
		o.emit(o.buf[:i])
		o.buf = o.buf[i+1:]
	}
	if len(o.buf) > maxOutputLine {
		o.emit(o.buf)
		o.buf = nil
	}
	return len(b), nil
}

func (o *outputLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	o.logger.Debug("worker output",
		"name", o.name,
		"stream", o.stream,
		"output", string(line),
	)
}
