package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confrelay/signaling-core/internal/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the session's position in the Opened -> Joining -> Active ->
// Closing -> Closed lifecycle.
type State int

const (
	StateOpened State = iota
	StateJoining
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one accepted connection and its signaling state. It satisfies
// coordinator.Sender: ParticipantID, Send, Close, Touch.
type Session struct {
	id      string
	conn    wsConn
	handler CoordinatorHandler
	onClose func()

	send       chan []byte
	pingSignal chan struct{}
	done       chan struct{}

	mu    sync.Mutex
	state State

	alive        atomic.Bool
	lastActivity atomic.Int64 // unix nanos, refreshed by Touch
	closeOnce    sync.Once
}

func newParticipantID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 9)
	_, _ = rand.Read(b)
	out := make([]byte, 9)
	for i, v := range b {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return "user-" + string(out)
}

func newSession(conn wsConn, handler CoordinatorHandler, onClose func()) *Session {
	s := &Session{
		id:         newParticipantID(),
		conn:       conn,
		handler:    handler,
		onClose:    onClose,
		send:       make(chan []byte, sendBuffer),
		pingSignal: make(chan struct{}, 1),
		done:       make(chan struct{}),
		state:      StateOpened,
	}
	s.alive.Store(true)
	s.lastActivity.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})
	return s
}

// ParticipantID satisfies coordinator.Sender.
func (s *Session) ParticipantID() string { return s.id }

// Touch satisfies coordinator.Sender. It refreshes lastActivity and marks
// the session alive, independent of the low-level WS ping/pong handled by
// SetPongHandler above, so an application-level ping keeps a session alive
// through intermediaries that strip control frames.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.alive.Store(true)
}

// LastActivity reports the last time Touch was called, or session creation
// time if it never was.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Send serializes v and writes it to the session's outbound channel. It is
// attempted once; if the channel is full the message is dropped and logged.
func (s *Session) Send(v any) {
	s.mu.Lock()
	writable := s.state != StateClosing && s.state != StateClosed
	s.mu.Unlock()
	if !writable {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message", zap.String("participant_id", s.id), zap.Error(err))
		return
	}

	select {
	case s.send <- data:
	default:
		logging.Warn(context.Background(), "session send buffer full, dropping message", zap.String("participant_id", s.id))
	}
}

// Close performs an orderly shutdown: stops further sends, invokes the
// coordinator's leave handler, and closes the underlying connection. Safe
// to call more than once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		logging.Info(context.Background(), "session closing", zap.String("participant_id", s.id), zap.String("reason", reason))
		s.handler.Leave(context.Background(), s)

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Session) sendPing() {
	select {
	case s.pingSignal <- struct{}{}:
	default:
	}
}

func (s *Session) clearAlive() bool {
	return s.alive.Swap(false)
}

// peekEnvelope reads just enough of an inbound frame to evaluate the JOIN
// state-machine guard without duplicating the coordinator's parsing.
type peekEnvelope struct {
	Type            string          `json:"type"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
}

var errProtocolJoinBeforeWelcome = &protocolError{"join received before welcome"}
var errProtocolDuplicateActiveJoin = &protocolError{"second join without capabilities while active"}

type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }

// checkJoinTransition enforces the two explicit protocol-error cases named
// for the JOIN state machine; all other message types pass through
// unconditionally since the coordinator itself rejects out-of-phase
// media-plane operations.
func (s *Session) checkJoinTransition(env peekEnvelope) error {
	if env.Type != "join" {
		return nil
	}
	hasCaps := len(env.RTPCapabilities) > 0 && string(env.RTPCapabilities) != "null"

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateOpened:
		if hasCaps {
			return errProtocolJoinBeforeWelcome
		}
		s.state = StateJoining
	case StateJoining:
		if hasCaps {
			s.state = StateActive
		}
	case StateActive:
		if !hasCaps {
			return errProtocolDuplicateActiveJoin
		}
	}
	return nil
}
