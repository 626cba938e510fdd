package childbridge

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-bridgehost/internal/ipc"
)

// phase tracks how far one worker has got through the handshake.
type phase int

const (
	phaseSpawned phase = iota // waiting for ready
	phaseLoading              // load sent, waiting for loaded
	phaseLoaded               // start sent, waiting for online
	phaseOnline
)

var phaseNames = map[phase]string{
	phaseSpawned: "spawned",
	phaseLoading: "loading",
	phaseLoaded:  "loaded",
	phaseOnline:  "online",
}

func (p phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// readLoop delivers one worker's messages until its channel closes.
func (s *Supervisor) readLoop(ws *workerState) {
	for {
		msg, err := ws.conn.Receive()
		if err != nil {
			return
		}
		if reply := s.handleMessage(ws, msg); reply != nil {
			ws.conn.Send(reply)
		}
	}
}

// handleMessage applies one inbound message and returns the reply to send,
// if any. Messages that arrive out of order are dropped.
func (s *Supervisor) handleMessage(ws *workerState, msg ipc.Message) ipc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker != ws {
		return nil
	}

	switch m := msg.(type) {
	case ipc.Ready:
		if ws.phase != phaseSpawned {
			break
		}
		ws.phase = phaseLoading
		return s.loadMessageLocked()

	case ipc.Loaded:
		if ws.phase != phaseLoading {
			break
		}
		ws.phase = phaseLoaded
		s.version = m.Version
		s.logger.Info("child bridge plugin loaded", "version", m.Version)
		return ipc.Start{}

	case ipc.Online:
		if ws.phase != phaseLoaded {
			break
		}
		ws.phase = phaseOnline
		s.logger.Info("child bridge online")
		s.setStatusLocked(StatusOnline)
		return nil

	case ipc.PortRequest:
		if ws.phase < phaseLoaded {
			break
		}
		ws.requested[m.Username] = true
		reply := ipc.PortAllocated{Username: m.Username}
		if port, ok := s.ports.RequestPort(m.Username); ok {
			reply.Port = &port
		} else {
			s.logger.Warn("no port available for child bridge", "requester", m.Username)
		}
		return reply

	case ipc.StatusUpdate:
		if ws.phase < phaseLoaded {
			break
		}
		s.paired, s.setupURI = m.Paired, m.SetupURI
		s.publisher.Publish(s.snapshotLocked())
		return nil
	}

	s.logger.Debug("dropping out-of-order control message", "id", msg.Kind(), "phase", ws.phase.String())
	return nil
}

// loadMessageLocked builds the load message from the current descriptor.
func (s *Supervisor) loadMessageLocked() ipc.Message {
	return ipc.Load{
		Type:          s.desc.Type,
		Identifier:    s.desc.Identifier,
		Plugin:        s.desc.Plugin,
		PluginPath:    s.desc.PluginPath,
		PluginConfig:  append([]json.RawMessage(nil), s.desc.Configs...),
		BridgeConfig:  s.desc.Bridge,
		BridgeOptions: s.bridgeOptions,
		HostConfig:    s.hostConfig,
	}
}
