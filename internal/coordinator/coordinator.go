// Package coordinator owns the signaling state machine: the two-phase join
// handshake, producer publication, consumer subscription, disconnect
// cleanup, and the room fan-out rules built on top of the room registry
// and the SFU facade.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confrelay/signaling-core/internal/logging"
	"github.com/confrelay/signaling-core/internal/metrics"
	"github.com/confrelay/signaling-core/internal/roomregistry"
	"github.com/confrelay/signaling-core/internal/sfufacade"
	"github.com/confrelay/signaling-core/internal/tracing"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Coordinator dispatches inbound signaling frames and owns the mapping
// from participant id to the bookkeeping needed to serve them. It is
// process-wide and safe for concurrent use across sessions.
type Coordinator struct {
	facade FacadeClient
	rooms  *roomregistry.Registry

	mu           sync.RWMutex
	participants map[string]*participantRecord
}

// New creates a Coordinator bound to the given facade and room registry.
func New(facade FacadeClient, rooms *roomregistry.Registry) *Coordinator {
	return &Coordinator{
		facade:       facade,
		rooms:        rooms,
		participants: make(map[string]*participantRecord),
	}
}

func (c *Coordinator) recordFor(s Sender) *participantRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.participants[s.ParticipantID()]
	if !ok {
		rec = &participantRecord{sender: s}
		c.participants[s.ParticipantID()] = rec
	}
	return rec
}

// withRoom runs fn with the room's mutation lock held. All reads and
// writes of shared room/participant state happen inside fn.
func (c *Coordinator) withRoom(roomID string, fn func(room *roomregistry.Room)) {
	room := c.rooms.GetOrCreate(roomID)
	room.Mu.Lock()
	defer room.Mu.Unlock()
	fn(room)
}

// Dispatch parses one inbound frame and routes it to the matching handler.
// Malformed frames and unknown types are reported to the sender only; the
// session is never terminated by Dispatch itself.
func (c *Coordinator) Dispatch(ctx context.Context, s Sender, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logging.Warn(ctx, "malformed signaling frame", zap.String("participant_id", s.ParticipantID()), zap.Error(err))
		metrics.WebsocketEvents.WithLabelValues("malformed", "error").Inc()
		s.Send(errorMessage("malformed frame"))
		return
	}

	rec := c.recordFor(s)
	ctx, span := tracing.StartSpan(ctx, env.Type, s.ParticipantID(), rec.roomID)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	}()

	switch env.Type {
	case "join":
		c.handleJoin(ctx, s, env)
	case "leave":
		c.Leave(ctx, s)
		s.Close("client leave")
	case "connect-transport":
		c.handleConnectTransport(ctx, s, env)
	case "produce":
		c.handleProduce(ctx, s, env)
	case "request-consume":
		c.handleRequestConsume(ctx, s, env)
	case "nickname-change":
		c.handleNicknameChange(ctx, s, env)
	case "participant-killed":
		c.handleParticipantKilled(ctx, s, env)
	case "ping":
		s.Touch()
		s.Send(pongMessage())
	default:
		logging.Warn(ctx, "unknown signaling message type", zap.String("type", env.Type), zap.String("participant_id", s.ParticipantID()))
		metrics.WebsocketEvents.WithLabelValues(env.Type, "unknown").Inc()
		s.Send(errorMessage(fmt.Sprintf("unknown message type %q", env.Type)))
		return
	}
	metrics.WebsocketEvents.WithLabelValues(env.Type, "ok").Inc()
}

// IsActive reports whether s has completed both JOINs, the state in which
// the produce and request-consume handlers accept frames.
func (c *Coordinator) IsActive(s Sender) bool {
	c.mu.RLock()
	rec, ok := c.participants[s.ParticipantID()]
	c.mu.RUnlock()
	return ok && rec.capsKnown
}

// HasJoinedOnce reports whether s has completed the first JOIN.
func (c *Coordinator) HasJoinedOnce(s Sender) bool {
	c.mu.RLock()
	rec, ok := c.participants[s.ParticipantID()]
	c.mu.RUnlock()
	return ok && rec.joined
}

func (c *Coordinator) handleJoin(ctx context.Context, s Sender, env inboundEnvelope) {
	rec := c.recordFor(s)

	if len(env.RTPCapabilities) == 0 {
		c.handleFirstJoin(ctx, s, rec, env)
		return
	}
	c.handleSecondJoin(ctx, s, rec, env)
}

func (c *Coordinator) handleFirstJoin(ctx context.Context, s Sender, rec *participantRecord, env inboundEnvelope) {
	roomID := env.RoomID
	if roomID == "" {
		roomID = roomregistry.DefaultRoomID
	}

	transportOpts, err := c.facade.CreateSendTransport(s.ParticipantID())
	if err != nil {
		logging.Error(ctx, "create send transport failed", zap.String("participant_id", s.ParticipantID()), zap.Error(err))
		s.Send(errorMessage(err.Error()))
		return
	}

	c.withRoom(roomID, func(room *roomregistry.Room) {
		rec.roomID = roomID
		rec.joined = true
		room.Attach(rec)
	})

	s.Send(welcomeMessage(c.facade.RouterRTPCapabilities(), transportOpts))
}

func (c *Coordinator) handleSecondJoin(ctx context.Context, s Sender, rec *participantRecord, env inboundEnvelope) {
	var caps sfufacade.RTPParameters
	_ = json.Unmarshal(env.RTPCapabilities, &caps)

	type catchUpEntry struct {
		producerID, participantID string
		killed                    bool
		hasKill                   bool
	}
	var catchUp []catchUpEntry

	c.withRoom(rec.roomID, func(room *roomregistry.Room) {
		rec.capsKnown = true
		for _, other := range room.SnapshotMembers() {
			op, ok := other.(*participantRecord)
			if !ok || op == rec {
				continue
			}
			if op.producerID != "" {
				entry := catchUpEntry{producerID: op.producerID, participantID: op.ID()}
				if op.isKilled {
					entry.hasKill = true
					entry.killed = true
				}
				catchUp = append(catchUp, entry)
			}
		}
	})

	for _, entry := range catchUp {
		s.Send(newProducerMessage(entry.producerID, entry.participantID))
		if entry.hasKill {
			s.Send(participantKilledMessage(entry.participantID, entry.killed))
		}
	}
}

func (c *Coordinator) handleConnectTransport(ctx context.Context, s Sender, env inboundEnvelope) {
	var dtls webrtc.DTLSParameters
	if err := json.Unmarshal(env.DTLSParameters, &dtls); err != nil {
		s.Send(errorMessage("invalid dtlsParameters"))
		return
	}
	if err := c.facade.ConnectTransport(env.TransportID, dtls); err != nil {
		logging.Error(ctx, "connect transport failed", zap.String("transport_id", env.TransportID), zap.Error(err))
		s.Send(errorMessage(err.Error()))
	}
}

func (c *Coordinator) handleProduce(ctx context.Context, s Sender, env inboundEnvelope) {
	rec := c.recordFor(s)
	if !rec.capsKnown {
		s.Send(errorMessage(ErrNotInRoom.Error()))
		return
	}

	var rtpParams sfufacade.RTPParameters
	_ = json.Unmarshal(env.RTPParameters, &rtpParams)
	rtpParams.Kind = env.Kind

	producerID, err := c.facade.Produce(env.TransportID, env.Kind, rtpParams)
	if err != nil {
		logging.Error(ctx, "produce failed", zap.String("participant_id", s.ParticipantID()), zap.Error(err))
		s.Send(errorMessage(err.Error()))
		return
	}

	var fanOut []Sender
	c.withRoom(rec.roomID, func(room *roomregistry.Room) {
		rec.producerID = producerID
		for _, other := range room.SnapshotMembers() {
			op, ok := other.(*participantRecord)
			if !ok || op == rec {
				continue
			}
			// Members still mid-handshake (capsKnown == false) are not
			// fanned out to directly: handleSecondJoin's catch-up loop
			// will deliver this producer to them exactly once, at the
			// moment they become Active. Sending here too would race
			// with that catch-up and duplicate the delivery (P1).
			if !op.capsKnown {
				continue
			}
			fanOut = append(fanOut, op.sender)
		}
	})

	s.Send(produceResponseMessage(producerID))
	for _, other := range fanOut {
		other.Send(newProducerMessage(producerID, s.ParticipantID()))
	}
}

func (c *Coordinator) handleRequestConsume(ctx context.Context, s Sender, env inboundEnvelope) {
	rec := c.recordFor(s)
	if !rec.capsKnown {
		s.Send(errorMessage(ErrNotInRoom.Error()))
		return
	}
	if !rec.recvCreated {
		if _, err := c.facade.CreateRecvTransport(s.ParticipantID()); err != nil {
			logging.Error(ctx, "create recv transport failed", zap.String("participant_id", s.ParticipantID()), zap.Error(err))
			s.Send(errorMessage(err.Error()))
			return
		}
		rec.recvCreated = true
	}

	var caps sfufacade.RTPParameters
	_ = json.Unmarshal(env.RTPCapabilities, &caps)

	result, err := c.facade.Consume(s.ParticipantID(), env.ProducerID, caps)
	if err != nil {
		logging.Warn(ctx, "consume failed", zap.String("participant_id", s.ParticipantID()), zap.String("producer_id", env.ProducerID), zap.Error(err))
		s.Send(errorMessage(err.Error()))
		s.Send(producerClosedMessage(env.ProducerID, env.ParticipantID))
		return
	}

	s.Send(consumeResponseMessage(result))
}

func (c *Coordinator) handleNicknameChange(ctx context.Context, s Sender, env inboundEnvelope) {
	rec := c.recordFor(s)
	if !rec.joined {
		s.Send(errorMessage(ErrNotInRoom.Error()))
		return
	}

	var fanOut []Sender
	c.withRoom(rec.roomID, func(room *roomregistry.Room) {
		rec.nickname = env.Nickname
		for _, other := range room.SnapshotMembers() {
			op, ok := other.(*participantRecord)
			if !ok || op == rec {
				continue
			}
			fanOut = append(fanOut, op.sender)
		}
	})

	for _, other := range fanOut {
		other.Send(nicknameChangeMessage(s.ParticipantID(), env.Nickname, env.PreviousName, false))
	}
	s.Send(nicknameChangeMessage(s.ParticipantID(), env.Nickname, env.PreviousName, true))
}

func (c *Coordinator) handleParticipantKilled(ctx context.Context, s Sender, env inboundEnvelope) {
	rec := c.recordFor(s)
	if !rec.joined {
		s.Send(errorMessage(ErrNotInRoom.Error()))
		return
	}
	killed := env.Killed != nil && *env.Killed

	var fanOut []Sender
	c.withRoom(rec.roomID, func(room *roomregistry.Room) {
		rec.isKilled = killed
		for _, other := range room.SnapshotMembers() {
			op, ok := other.(*participantRecord)
			if !ok || op == rec {
				continue
			}
			fanOut = append(fanOut, op.sender)
		}
	})

	for _, other := range fanOut {
		other.Send(participantKilledMessage(s.ParticipantID(), killed))
	}
}

// Leave runs the shared cleanup path for an explicit LEAVE message, a dead
// liveness probe, or the underlying connection closing.
func (c *Coordinator) Leave(ctx context.Context, s Sender) {
	c.mu.Lock()
	rec, ok := c.participants[s.ParticipantID()]
	if ok {
		delete(c.participants, s.ParticipantID())
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if rec.producerID != "" {
		if err := c.facade.CloseProducer(rec.producerID); err != nil {
			logging.Warn(ctx, "close producer during leave failed", zap.String("participant_id", s.ParticipantID()), zap.Error(err))
		}
	}

	var fanOut []Sender
	if rec.roomID != "" {
		c.withRoom(rec.roomID, func(room *roomregistry.Room) {
			room.Detach(rec.ID())
			for _, other := range room.SnapshotMembers() {
				op, ok := other.(*participantRecord)
				if !ok {
					continue
				}
				fanOut = append(fanOut, op.sender)
			}
		})
	}

	for _, other := range fanOut {
		if rec.producerID != "" {
			other.Send(producerClosedMessage(rec.producerID, s.ParticipantID()))
		}
		other.Send(disconnectMessage(s.ParticipantID()))
	}

	if err := c.facade.RemoveParticipant(s.ParticipantID()); err != nil {
		logging.Warn(ctx, "remove participant from facade failed", zap.String("participant_id", s.ParticipantID()), zap.Error(err))
	}
}
