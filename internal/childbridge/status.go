package childbridge

import "fmt"

// Status is the externally visible state of a child bridge.
type Status string

const (
	// StatusPending means the worker is spawning, restarting or handshaking.
	StatusPending Status = "pending"

	// StatusOnline means the handshake completed and the bridge is published.
	StatusOnline Status = "online"

	// StatusDown means no worker is running and none is about to be.
	StatusDown Status = "down"
)

// Metadata is an immutable snapshot of a child bridge.
type Metadata struct {
	Status          Status  `json:"status"`
	Paired          *bool   `json:"paired"`
	SetupURI        *string `json:"setupUri"`
	Username        string  `json:"username"`
	Pin             string  `json:"pin"`
	Name            string  `json:"name"`
	Plugin          string  `json:"plugin"`
	Identifier      string  `json:"identifier"`
	PID             int     `json:"pid,omitempty"`
	ManuallyStopped bool    `json:"manuallyStopped"`
}

// lifecycle is the supervisor's control state. Status says what the bridge
// looks like from outside; lifecycle says what the supervisor will do next.
type lifecycle int

const (
	// lifecycleIdle: constructed, Start not yet called.
	lifecycleIdle lifecycle = iota
	// lifecycleRunning: workers are spawned and respawned automatically.
	lifecycleRunning
	// lifecycleStopping: stopped by hand, waiting for the worker to exit.
	lifecycleStopping
	// lifecycleStopped: stopped by hand or restarts exhausted; no worker.
	lifecycleStopped
	// lifecycleShutdown: the host is exiting. Terminal.
	lifecycleShutdown
)

var lifecycleNames = map[lifecycle]string{
	lifecycleIdle:     "idle",
	lifecycleRunning:  "running",
	lifecycleStopping: "stopping",
	lifecycleStopped:  "stopped",
	lifecycleShutdown: "shutdown",
}

func (l lifecycle) String() string {
	if name, ok := lifecycleNames[l]; ok {
		return name
	}
	return fmt.Sprintf("lifecycle(%d)", int(l))
}

// allowedTransitions lists every legal edge of the lifecycle.
var allowedTransitions = map[lifecycle][]lifecycle{
	lifecycleIdle:     {lifecycleRunning, lifecycleShutdown},
	lifecycleRunning:  {lifecycleStopping, lifecycleStopped, lifecycleShutdown},
	lifecycleStopping: {lifecycleStopped, lifecycleShutdown},
	lifecycleStopped:  {lifecycleRunning, lifecycleShutdown},
	lifecycleShutdown: nil,
}

// transition returns to if the edge from -> to is legal.
func transition(from, to lifecycle) (lifecycle, error) {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// shuttingDown reports whether exits must not respawn the worker.
func (l lifecycle) shuttingDown() bool {
	return l == lifecycleStopping || l == lifecycleShutdown
}

// manuallyStopped reports whether the bridge needs an explicit start.
func (l lifecycle) manuallyStopped() bool {
	return l == lifecycleStopping || l == lifecycleStopped
}
