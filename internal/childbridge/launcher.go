package childbridge

import (
	"net"
	"time"

	"github.com/nerrad567/gray-logic-bridgehost/internal/process"
)

// LaunchSpec is everything a Launcher needs to start one worker.
type LaunchSpec struct {
	Name string
	Args []string
	Env  []string
}

// Worker is a running worker process as seen by a Supervisor.
type Worker interface {
	PID() int
	Control() net.Conn
	Done() <-chan struct{}
	Exit() process.Exit
	Terminate()
}

// Launcher starts workers.
type Launcher interface {
	Launch(spec LaunchSpec) (Worker, error)
}

// ProcessLauncher starts workers as real processes.
type ProcessLauncher struct {
	// Binary is the worker executable and BaseArgs the arguments placed
	// before the mirrored host flags, typically {"worker"}.
	Binary   string
	BaseArgs []string

	GracefulTimeout time.Duration
	Logger          process.Logger
}

// Launch spawns a worker process.
func (l *ProcessLauncher) Launch(spec LaunchSpec) (Worker, error) {
	args := make([]string, 0, len(l.BaseArgs)+len(spec.Args))
	args = append(args, l.BaseArgs...)
	args = append(args, spec.Args...)

	p, err := process.Spawn(process.Config{
		Name:            spec.Name,
		Binary:          l.Binary,
		Args:            args,
		Env:             spec.Env,
		GracefulTimeout: l.GracefulTimeout,
	}, l.Logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules restart timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// realClock uses the time package.
type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// PortArbiter grants ports to workers. *ports.Arbiter implements it.
type PortArbiter interface {
	RequestPort(username string) (int, bool)
	Release(usernames ...string)
}

// noPorts refuses every request.
type noPorts struct{}

func (noPorts) RequestPort(string) (int, bool) { return 0, false }
func (noPorts) Release(...string)              {}
