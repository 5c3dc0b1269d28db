package coordinator

import (
	"encoding/json"

	"github.com/confrelay/signaling-core/internal/sfufacade"
	"github.com/pion/webrtc/v4"
)

// Sender is the coordinator's view of a session: enough to identify it,
// push a message to it, force it closed, and refresh its liveness. The
// gateway's Session type satisfies this interface; the coordinator never
// imports the gateway package, keeping the dependency arrow pointing
// gateway -> coordinator.
type Sender interface {
	ParticipantID() string
	Send(v any)
	Close(reason string)

	// Touch refreshes the session's lastActivity timestamp and marks it
	// alive. It is called on every application-level ping so that an
	// intermediary stripping low-level WS control frames cannot cause the
	// gateway's liveness tick to force-terminate an otherwise-live session.
	Touch()
}

// FacadeClient is the subset of the SFU facade the coordinator calls into.
// Defined here (rather than depending on a concrete *sfufacade.Facade) so
// tests can substitute a fake.
type FacadeClient interface {
	RouterRTPCapabilities() sfufacade.RouterCapabilities
	CreateSendTransport(participantID string) (sfufacade.TransportOptions, error)
	CreateRecvTransport(participantID string) (sfufacade.TransportOptions, error)
	ConnectTransport(transportID string, dtlsParams webrtc.DTLSParameters) error
	Produce(transportID, kind string, rtpParams sfufacade.RTPParameters) (string, error)
	Consume(participantID, producerID string, rtpCaps sfufacade.RTPParameters) (sfufacade.ConsumeResult, error)
	CloseProducer(producerID string) error
	RemoveParticipant(participantID string) error
}

// inboundEnvelope is the union of every field any client->server message
// type may carry. Unrecognized extra fields are ignored; fields unused by
// a given type are left zero.
type inboundEnvelope struct {
	Type            string          `json:"type"`
	RoomID          string          `json:"roomId,omitempty"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
	TransportID     string          `json:"transportId,omitempty"`
	Kind            string          `json:"kind,omitempty"`
	RTPParameters   json.RawMessage `json:"rtpParameters,omitempty"`
	DTLSParameters  json.RawMessage `json:"dtlsParameters,omitempty"`
	ProducerID      string          `json:"producerId,omitempty"`
	ParticipantID   string          `json:"participantId,omitempty"`
	Nickname        string          `json:"nickname,omitempty"`
	PreviousName    string          `json:"previousName,omitempty"`
	Killed          *bool           `json:"killed,omitempty"`
}

// participantRecord is the coordinator's bookkeeping for one session. Its
// fields other than recvCreated are written only while holding the owning
// room's Mu once the participant has been attached (see
// Coordinator.withRoom); recvCreated, and every field before attachment,
// is touched only by the owning session's own sequential dispatch.
type participantRecord struct {
	sender        Sender
	roomID        string
	joined        bool // completed first JOIN (has a send transport)
	capsKnown     bool // completed second JOIN (Active, media-plane allowed)
	producerID    string
	recvCreated   bool
	isKilled      bool
	nickname      string
}

// ID satisfies roomregistry.Participant.
func (p *participantRecord) ID() string { return p.sender.ParticipantID() }

func errorMessage(msg string) any {
	return map[string]any{"type": "error", "error": msg}
}

func pongMessage() any {
	return map[string]any{"type": "pong"}
}

func welcomeMessage(routerCaps any, transportOptions sfufacade.TransportOptions) any {
	return map[string]any{
		"type": "welcome",
		"data": map[string]any{
			"routerRtpCapabilities":  routerCaps,
			"webRtcTransportOptions": transportOptions,
		},
	}
}

func newProducerMessage(producerID, participantID string) any {
	return map[string]any{
		"type": "new-producer",
		"data": map[string]any{
			"producerId":    producerID,
			"participantId": participantID,
		},
	}
}

func participantKilledMessage(participantID string, killed bool) any {
	return map[string]any{
		"type": "participant-killed",
		"data": map[string]any{
			"participantId": participantID,
			"killed":        killed,
		},
	}
}

func produceResponseMessage(producerID string) any {
	return map[string]any{
		"type": "produce-response",
		"data": map[string]any{"id": producerID},
	}
}

func consumeResponseMessage(result sfufacade.ConsumeResult) any {
	return map[string]any{
		"type": "consume-response",
		"data": result,
	}
}

func producerClosedMessage(producerID, participantID string) any {
	return map[string]any{
		"type": "producer-closed",
		"data": map[string]any{
			"producerId":    producerID,
			"participantId": participantID,
		},
	}
}

func disconnectMessage(participantID string) any {
	return map[string]any{
		"type":          "disconnect",
		"participantId": participantID,
	}
}

func nicknameChangeMessage(participantID, nickname, previousName string, isLocalChange bool) any {
	data := map[string]any{
		"participantId": participantID,
		"nickname":      nickname,
		"previousName":  previousName,
	}
	if isLocalChange {
		data["isLocalChange"] = true
	}
	return map[string]any{"type": "nickname-change", "data": data}
}
