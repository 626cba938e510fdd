package childbridge

import "errors"

// Listener receives every Metadata snapshot a Supervisor publishes.
// Implementations must not call back into the Supervisor.
type Listener interface {
	BridgeStatusChanged(m Metadata) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(m Metadata) error

// BridgeStatusChanged calls f(m).
func (f ListenerFunc) BridgeStatusChanged(m Metadata) error {
	return f(m)
}

// Listeners fans one snapshot out to several listeners. Every listener is
// called; their errors are joined.
type Listeners []Listener

// BridgeStatusChanged forwards m to every listener.
func (ls Listeners) BridgeStatusChanged(m Metadata) error {
	var errs []error
	for _, l := range ls {
		if l == nil {
			continue
		}
		if err := l.BridgeStatusChanged(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher relays snapshots to a Listener unchanged. Listener errors are
// logged and dropped.
type Publisher struct {
	listener Listener
	logger   Logger
}

// NewPublisher creates a Publisher. A nil listener discards snapshots.
func NewPublisher(listener Listener) *Publisher {
	return &Publisher{listener: listener, logger: noopLogger{}}
}

// SetLogger sets the logger for the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Publish forwards m.
func (p *Publisher) Publish(m Metadata) {
	if p.listener == nil {
		return
	}
	if err := p.listener.BridgeStatusChanged(m); err != nil {
		p.logger.Warn("status listener failed",
			"username", m.Username,
			"status", m.Status,
			"error", err,
		)
	}
}
