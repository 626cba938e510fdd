// Package ports hands out network ports to child bridges.
//
// One Arbiter is shared by every supervisor in the host. Grants are
// serialised by a mutex so two live requesters never hold the same port.
package ports

import (
	"sort"
	"sync"
)

// Logger is the logging interface used by the arbiter.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Lease is a port held by a requester.
type Lease struct {
	Username string `json:"username"`
	Port     int    `json:"port"`
}

// Arbiter grants ports from an inclusive range.
//
// Thread Safety: all methods are safe for concurrent use.
type Arbiter struct {
	mu sync.Mutex

	start, end int

	leases   map[string]int // username -> port
	owners   map[int]string // port -> username
	previous map[string]int // last port a released username held
	reserved map[int]bool   // ports claimed outside the arbiter

	logger Logger
}

// New creates an Arbiter for [start, end]. A zero range is valid and makes
// every request fail until SetRange is called.
func New(start, end int) *Arbiter {
	return &Arbiter{
		start:    start,
		end:      end,
		leases:   make(map[string]int),
		owners:   make(map[int]string),
		previous: make(map[string]int),
		reserved: make(map[int]bool),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the arbiter.
func (a *Arbiter) SetLogger(logger Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// SetRange replaces the range. Existing leases are kept even when they fall
// outside the new range.
func (a *Arbiter) SetRange(start, end int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.start, a.end = start, end
}

// Reserve marks ports as unavailable, typically those statically assigned
// in the bridges file.
func (a *Arbiter) Reserve(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		if p > 0 {
			a.reserved[p] = true
		}
	}
}

// RequestPort returns a port for username. A username that already holds a
// lease gets the same port back. A username that released a port gets it
// back if it is still free. Otherwise the lowest free port is granted.
// ok is false when the range is exhausted or unset.
func (a *Arbiter) RequestPort(username string) (port int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, held := a.leases[username]; held {
		return p, true
	}

	if a.start <= 0 || a.end < a.start {
		a.logger.Warn("port request with no port range configured", "username", username)
		return 0, false
	}

	if p, had := a.previous[username]; had && a.free(p) {
		a.grant(username, p)
		return p, true
	}

	for p := a.start; p <= a.end; p++ {
		if a.free(p) {
			a.grant(username, p)
			return p, true
		}
	}

	a.logger.Warn("port range exhausted", "username", username, "start", a.start, "end", a.end)
	return 0, false
}

// free reports whether p is inside the range and unclaimed. Caller holds mu.
func (a *Arbiter) free(p int) bool {
	if p < a.start || p > a.end || a.reserved[p] {
		return false
	}
	_, taken := a.owners[p]
	return !taken
}

// grant records a lease. Caller holds mu.
func (a *Arbiter) grant(username string, p int) {
	a.leases[username] = p
	a.owners[p] = username
	a.logger.Debug("port granted", "username", username, "port", p)
}

// Release frees the leases held by the given usernames.
func (a *Arbiter) Release(usernames ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range usernames {
		p, held := a.leases[u]
		if !held {
			continue
		}
		delete(a.leases, u)
		delete(a.owners, p)
		a.previous[u] = p
		a.logger.Debug("port released", "username", u, "port", p)
	}
}

// Leases returns the current leases ordered by port.
func (a *Arbiter) Leases() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Lease, 0, len(a.leases))
	for u, p := range a.leases {
		out = append(out, Lease{Username: u, Port: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
