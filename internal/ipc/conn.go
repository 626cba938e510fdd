package ipc

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
)

// MaxLineSize bounds one inbound message. Longer lines are discarded.
const MaxLineSize = 1 << 20

// DefaultWriteTimeout bounds a single Send when the transport supports
// write deadlines.
const DefaultWriteTimeout = 5 * time.Second

// Logger is the logging interface used by Conn.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// deadliner is implemented by net.Conn and *os.File.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn is one end of a control channel.
//
// Send is safe for concurrent use. Receive must be called from a single
// goroutine.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader

	mu        sync.Mutex
	connected bool

	writeTimeout time.Duration
	logger       Logger
}

// NewConn wraps a connected transport.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:          rwc,
		reader:       bufio.NewReaderSize(rwc, 64*1024),
		connected:    true,
		writeTimeout: DefaultWriteTimeout,
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the connection.
func (c *Conn) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Connected reports whether the channel is still usable.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes m if the channel is connected and reports whether it did.
// Messages sent on a disconnected channel are dropped, never queued.
// A failed write marks the channel disconnected.
func (c *Conn) Send(m Message) bool {
	line, err := Encode(m)
	if err != nil {
		c.logger.Warn("dropping unencodable message", "error", err)
		return false
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		c.logger.Debug("dropping message on disconnected channel", "id", m.Kind())
		return false
	}

	if d, ok := c.rwc.(deadliner); ok && c.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.rwc.Write(line); err != nil {
		c.logger.Debug("control channel write failed", "id", m.Kind(), "error", err)
		c.connected = false
		return false
	}
	return true
}

// Receive blocks until the next well-formed message arrives. Malformed and
// oversized lines are skipped. It returns io.EOF (or the transport error)
// once the peer is gone, after which the channel is disconnected.
func (c *Conn) Receive() (Message, error) {
	for {
		line, err := c.readLine()
		if errors.Is(err, ErrLineTooLong) {
			c.logger.Warn("discarding oversized control message", "limit", MaxLineSize)
			continue
		}
		if err != nil {
			c.markDisconnected()
			return nil, err
		}
		if len(line) == 0 {
			continue
		}

		msg, ok := Decode(line)
		if !ok {
			c.logger.Debug("discarding unrecognised control message", "size", len(line))
			continue
		}
		return msg, nil
	}
}

// readLine returns the next newline-terminated line without the newline.
// A final line without a newline is returned before io.EOF.
func (c *Conn) readLine() ([]byte, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > MaxLineSize+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if !tooLong && len(buf) > 0 {
				// Deliver a trailing unterminated line, report err next call.
				return buf, nil
			}
			return nil, err
		}
	}
}

func (c *Conn) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Close disconnects the channel and closes the transport.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.rwc.Close()
}
