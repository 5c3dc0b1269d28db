package gateway

import (
	"context"
	"encoding/json"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/confrelay/signaling-core/internal/coordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	mu          sync.Mutex
	msgs        chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	written     [][]byte
	pings       int
	pongHandler func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 32), closed: make(chan struct{})}
}

func (f *fakeConn) push(data []byte) { f.msgs <- data }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.msgs:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(h func(string) error) { f.pongHandler = h }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

type fakeHandler struct {
	mu         sync.Mutex
	dispatched [][]byte
	left       []string
}

func (h *fakeHandler) Dispatch(ctx context.Context, s coordinator.Sender, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatched = append(h.dispatched, raw)
}

func (h *fakeHandler) Leave(ctx context.Context, s coordinator.Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.left = append(h.left, s.ParticipantID())
}

func (h *fakeHandler) dispatchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dispatched)
}

func (h *fakeHandler) leaveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.left)
}

func TestNewParticipantID_Format(t *testing.T) {
	id := newParticipantID()
	assert.Regexp(t, regexp.MustCompile(`^user-[0-9a-z]{9}$`), id)
}

func TestSession_Send_WritesToChannel(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)

	s.Send(map[string]any{"type": "pong"})

	select {
	case data := <-s.send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "pong", decoded["type"])
	case <-time.After(time.Second):
		t.Fatal("expected a queued message")
	}
}

func TestSession_Send_DropsWhenBufferFull(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)

	for i := 0; i < sendBuffer+5; i++ {
		s.Send(map[string]any{"type": "pong"})
	}

	assert.Equal(t, sendBuffer, len(s.send))
}

func TestSession_Close_IsIdempotent(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close("test")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.leaveCount())
	assert.Equal(t, StateClosed, s.state)
}

func TestCheckJoinTransition_FullHandshake(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)

	require.NoError(t, s.checkJoinTransition(peekEnvelope{Type: "join"}))
	assert.Equal(t, StateJoining, s.state)

	require.NoError(t, s.checkJoinTransition(peekEnvelope{Type: "join", RTPCapabilities: json.RawMessage(`{"k":1}`)}))
	assert.Equal(t, StateActive, s.state)
}

func TestCheckJoinTransition_CapsBeforeWelcomeIsProtocolError(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)

	err := s.checkJoinTransition(peekEnvelope{Type: "join", RTPCapabilities: json.RawMessage(`{"k":1}`)})
	assert.ErrorIs(t, err, errProtocolJoinBeforeWelcome)
}

func TestCheckJoinTransition_DuplicateJoinWhileActiveIsProtocolError(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)

	require.NoError(t, s.checkJoinTransition(peekEnvelope{Type: "join"}))
	require.NoError(t, s.checkJoinTransition(peekEnvelope{Type: "join", RTPCapabilities: json.RawMessage(`{"k":1}`)}))

	err := s.checkJoinTransition(peekEnvelope{Type: "join"})
	assert.ErrorIs(t, err, errProtocolDuplicateActiveJoin)
}

func TestCheckJoinTransition_NonJoinAlwaysPasses(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)

	assert.NoError(t, s.checkJoinTransition(peekEnvelope{Type: "ping"}))
	assert.Equal(t, StateOpened, s.state)
}

func TestGateway_ReadPump_DispatchesValidFrameAndRejectsProtocolViolation(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)
	g := New(h)
	g.sessions[s.id] = s

	readDone := make(chan struct{})
	go func() {
		g.readPump(s)
		close(readDone)
	}()
	go g.writePump(s)

	conn.push([]byte(`{"type":"join","rtpCapabilities":{"k":1}}`))
	conn.push([]byte(`{"type":"ping"}`))

	require.Eventually(t, func() bool { return h.dispatchCount() == 1 }, time.Second, 5*time.Millisecond)

	var foundError bool
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, w := range conn.written {
			var decoded map[string]any
			_ = json.Unmarshal(w, &decoded)
			if decoded["type"] == "error" {
				foundError = true
			}
		}
		return foundError
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	<-readDone
}

func TestGateway_Tick_ForceTerminatesAfterTwoMissedPings(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)
	g := New(h)
	s.onClose = func() { g.unregister(s) }
	g.sessions[s.id] = s

	go g.writePump(s)

	g.tick()
	assert.Equal(t, 1, g.SessionCount())

	g.tick()

	require.Eventually(t, func() bool { return h.leaveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, g.SessionCount())
}

func TestGateway_PongResetsAlive(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	s := newSession(conn, h, nil)
	g := New(h)
	s.onClose = func() { g.unregister(s) }
	g.sessions[s.id] = s

	go g.writePump(s)

	g.tick()
	require.NotNil(t, conn.pongHandler)
	require.NoError(t, conn.pongHandler(""))

	g.tick()
	assert.Equal(t, 1, g.SessionCount())

	s.Close("test cleanup")
}
