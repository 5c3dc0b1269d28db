package sfufacade

import "github.com/pion/webrtc/v4"

// TransportOptions describes a newly created transport's connection
// parameters. The coordinator forwards this verbatim to the client inside
// the welcome payload (send transport) and the consume-response payload
// (receive transport); it never inspects the fields.
type TransportOptions struct {
	ID             string                 `json:"id"`
	ICEParameters  webrtc.ICEParameters   `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate  `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters  `json:"dtlsParameters"`
}

// RTPParameters carries the client-supplied RTP parameters for a produced
// track. Produce and Consume accept it but do not read it (Produce takes
// the kind as a separate argument); the facade fills it in only for the
// rtpParameters of a ConsumeResult.
type RTPParameters struct {
	Kind   string                     `json:"kind"`
	Codecs []webrtc.RTPCodecParameters `json:"codecs,omitempty"`
}

// ConsumeResult is returned from Consume and mirrors what the coordinator
// sends back to the client as consume-response.
type ConsumeResult struct {
	ConsumerID        string          `json:"consumerId"`
	ProducerID        string          `json:"producerId"`
	Kind              string          `json:"kind"`
	RTPParameters     RTPParameters   `json:"rtpParameters"`
	TransportOptions  TransportOptions `json:"transportOptions"`
	ParticipantID     string          `json:"participantId"`
}

// RouterCodec describes one codec the router advertises, in the shape the
// client-side RTP capability negotiation expects.
type RouterCodec struct {
	Kind        string `json:"kind"`
	MimeType    string `json:"mimeType"`
	ClockRate   int    `json:"clockRate"`
	Channels    int    `json:"channels,omitempty"`
	SDPFmtpLine string `json:"parameters,omitempty"`
}

// RouterCapabilities is the static codec set advertised to every client in
// its welcome message.
type RouterCapabilities struct {
	Codecs []RouterCodec `json:"codecs"`
}

type producerRecord struct {
	id            string
	participantID string
	transportID   string
	kind          webrtc.RTPCodecType
	receiver      *webrtc.RTPReceiver
	remoteTrack   *webrtc.TrackRemote
	localTrack    *webrtc.TrackLocalStaticRTP
	consumers     map[string]*consumerRecord
	stop          chan struct{}
}

type consumerRecord struct {
	id            string
	participantID string
	producerID    string
	transportID   string
	sender        *webrtc.RTPSender
}

type transportRecord struct {
	id            string
	participantID string
	direction     string // "send" or "recv"
	gatherer      *webrtc.ICEGatherer
	ice           *webrtc.ICETransport
	dtls          *webrtc.DTLSTransport
	connected     bool
}

type participantState struct {
	id        string
	sendTr    *transportRecord
	recvTr    *transportRecord
	producers map[string]*producerRecord // producerID -> record, owned by this participant
	consumers map[string]*consumerRecord // consumerID -> record, owned by this participant
}
