// Package sfufacade implements the in-process media engine behind the
// coordinator's SFU Facade boundary: a small pool of WebRTC workers, each
// hosting ICE/DTLS transports, RTP receivers and senders built on pion's
// ORTC primitives. It owns every heavy media object; callers above this
// package hold only ids and JSON-serializable option structs.
package sfufacade

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/confrelay/signaling-core/internal/logging"
	"github.com/confrelay/signaling-core/internal/metrics"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// deathGrace is how long a worker death waits before the process exits,
// giving in-flight log writes and metrics scrapes a chance to flush.
const deathGrace = 2 * time.Second

type worker struct {
	api *webrtc.API
}

// Facade is the concrete, process-local implementation of the SFU boundary
// described for the coordinator. It is safe for concurrent use.
type Facade struct {
	mu           sync.RWMutex
	workers      []*worker
	participants map[string]*participantState
	producers    map[string]*producerRecord
	transports   map[string]*transportRecord
	initialized  bool
	shuttingDown bool
	onWorkerDeath func(err error) // overridable in tests; defaults to fail-stop

	// Media-plane configuration (spec.md §6). Zero values mean "let pion
	// pick ephemeral ports and advertise the local bound address", which
	// is what every test in this package relies on via New() + Init().
	rtcMinPort  uint16
	rtcMaxPort  uint16
	announcedIP string
}

// New creates an uninitialized Facade. Call Init before use.
func New() *Facade {
	return &Facade{
		participants: make(map[string]*participantState),
		producers:    make(map[string]*producerRecord),
		transports:   make(map[string]*transportRecord),
	}
}

// Configure sets the RTC UDP port range and the publicly announced IP
// used by every worker's ICE gatherer. Must be called before Init; a zero
// port range leaves the OS to pick ephemeral ports, and an empty
// announcedIP leaves pion to advertise whatever address it binds.
func (f *Facade) Configure(rtcMinPort, rtcMaxPort uint16, announcedIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtcMinPort = rtcMinPort
	f.rtcMaxPort = rtcMaxPort
	f.announcedIP = announcedIP
}

// Init builds the worker pool (min(4, NumCPU) workers, each with its own
// router/codec registration) and marks the facade ready to serve transports.
func (f *Facade) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	count := runtime.NumCPU()
	if count > 4 {
		count = 4
	}
	if count < 1 {
		count = 1
	}

	workers := make([]*worker, 0, count)
	for i := 0; i < count; i++ {
		m := &webrtc.MediaEngine{}
		if err := registerCodecs(m); err != nil {
			return fmt.Errorf("sfufacade: register codecs: %w", err)
		}
		settingEngine := webrtc.SettingEngine{}
		if f.rtcMinPort > 0 && f.rtcMaxPort >= f.rtcMinPort {
			if err := settingEngine.SetEphemeralUDPPortRange(f.rtcMinPort, f.rtcMaxPort); err != nil {
				return fmt.Errorf("sfufacade: set UDP port range: %w", err)
			}
		}
		if f.announcedIP != "" {
			settingEngine.SetNAT1To1IPs([]string{f.announcedIP}, webrtc.ICECandidateTypeHost)
		}
		api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine))
		workers = append(workers, &worker{api: api})
	}

	f.workers = workers
	f.onWorkerDeath = f.failStop
	f.initialized = true

	logging.Info(context.Background(), "sfu facade initialized", zap.Int("workers", count))
	return nil
}

func (f *Facade) failStop(err error) {
	logging.Error(context.Background(), "sfu worker died, terminating process", zap.Error(err))
	go func() {
		time.Sleep(deathGrace)
		os.Exit(1)
	}()
}

func (f *Facade) workerFor(participantID string) *worker {
	if len(f.workers) == 0 {
		return nil
	}
	sum := 0
	for _, c := range participantID {
		sum += int(c)
	}
	return f.workers[sum%len(f.workers)]
}

func newID(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

func (f *Facade) getOrCreateParticipant(pid string) *participantState {
	p, ok := f.participants[pid]
	if !ok {
		p = &participantState{
			id:        pid,
			producers: make(map[string]*producerRecord),
			consumers: make(map[string]*consumerRecord),
		}
		f.participants[pid] = p
	}
	return p
}

func (f *Facade) createTransport(pid, direction string) (TransportOptions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shuttingDown {
		return TransportOptions{}, ErrShuttingDown
	}
	if !f.initialized {
		return TransportOptions{}, ErrNotInitialized
	}

	p := f.getOrCreateParticipant(pid)
	existing := p.sendTr
	if direction == "recv" {
		existing = p.recvTr
	}
	if existing != nil {
		return f.transportOptions(existing)
	}

	w := f.workerFor(pid)
	gatherer, err := w.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return TransportOptions{}, fmt.Errorf("sfufacade: new ice gatherer: %w", err)
	}
	iceTransport := w.api.NewICETransport(gatherer)
	dtlsTransport, err := w.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		return TransportOptions{}, fmt.Errorf("sfufacade: new dtls transport: %w", err)
	}

	gatherFinished := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherFinished)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return TransportOptions{}, fmt.Errorf("sfufacade: gather candidates: %w", err)
	}
	select {
	case <-gatherFinished:
	case <-time.After(5 * time.Second):
	}

	rec := &transportRecord{
		id:            newID("transport"),
		participantID: pid,
		direction:     direction,
		gatherer:      gatherer,
		ice:           iceTransport,
		dtls:          dtlsTransport,
	}
	f.transports[rec.id] = rec
	if direction == "send" {
		p.sendTr = rec
	} else {
		p.recvTr = rec
	}

	return f.transportOptions(rec)
}

func (f *Facade) transportOptions(rec *transportRecord) (TransportOptions, error) {
	iceParams, err := rec.gatherer.GetLocalParameters()
	if err != nil {
		return TransportOptions{}, fmt.Errorf("sfufacade: ice parameters: %w", err)
	}
	candidates, err := rec.gatherer.GetLocalCandidates()
	if err != nil {
		return TransportOptions{}, fmt.Errorf("sfufacade: ice candidates: %w", err)
	}
	dtlsParams, err := rec.dtls.GetLocalParameters()
	if err != nil {
		return TransportOptions{}, fmt.Errorf("sfufacade: dtls parameters: %w", err)
	}

	return TransportOptions{
		ID:             rec.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}, nil
}

// CreateSendTransport creates (or idempotently returns) the participant's
// single send transport.
func (f *Facade) CreateSendTransport(participantID string) (TransportOptions, error) {
	return f.createTransport(participantID, "send")
}

// CreateRecvTransport creates (or idempotently returns) the participant's
// single receive transport.
func (f *Facade) CreateRecvTransport(participantID string) (TransportOptions, error) {
	return f.createTransport(participantID, "recv")
}

// ConnectTransport completes DTLS (and ICE) negotiation for a previously
// created transport using the client's DTLS parameters.
func (f *Facade) ConnectTransport(transportID string, dtlsParams webrtc.DTLSParameters) error {
	f.mu.Lock()
	rec, ok := f.transports[transportID]
	f.mu.Unlock()
	if !ok {
		metrics.WebrtcConnectionAttempts.WithLabelValues("not_found").Inc()
		return ErrTransportNotFound
	}
	if rec.connected {
		return nil
	}

	iceParams, err := rec.gatherer.GetLocalParameters()
	if err != nil {
		metrics.WebrtcConnectionAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("sfufacade: ice parameters: %w", err)
	}
	if err := rec.ice.Start(rec.gatherer, iceParams, nil); err != nil {
		metrics.WebrtcConnectionAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("sfufacade: start ice: %w", err)
	}
	if err := rec.dtls.Start(dtlsParams); err != nil {
		metrics.WebrtcConnectionAttempts.WithLabelValues("error").Inc()
		return fmt.Errorf("sfufacade: start dtls: %w", err)
	}

	f.mu.Lock()
	rec.connected = true
	f.mu.Unlock()
	metrics.ActiveTransports.WithLabelValues(rec.direction).Inc()
	metrics.WebrtcConnectionAttempts.WithLabelValues("success").Inc()
	return nil
}

// Produce registers a new inbound media source on transportID and starts
// relaying its RTP packets so future Consume calls can subscribe to it.
func (f *Facade) Produce(transportID, kind string, rtpParams RTPParameters) (string, error) {
	var codecKind webrtc.RTPCodecType
	switch kind {
	case "audio":
		codecKind = webrtc.RTPCodecTypeAudio
	case "video":
		codecKind = webrtc.RTPCodecTypeVideo
	default:
		return "", ErrUnsupportedKind
	}

	f.mu.Lock()
	rec, ok := f.transports[transportID]
	if !ok {
		f.mu.Unlock()
		return "", ErrTransportNotFound
	}
	w := f.workerFor(rec.participantID)
	f.mu.Unlock()

	receiver, err := w.api.NewRTPReceiver(codecKind, rec.dtls)
	if err != nil {
		return "", fmt.Errorf("sfufacade: new rtp receiver: %w", err)
	}

	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: webrtc.RTPCodingParameters{}}},
	}); err != nil {
		return "", fmt.Errorf("sfufacade: receive: %w", err)
	}

	remoteTrack := receiver.Track()
	var localTrack *webrtc.TrackLocalStaticRTP
	if remoteTrack != nil {
		localTrack, err = webrtc.NewTrackLocalStaticRTP(remoteTrack.Codec().RTPCodecCapability, kind, newID("stream"))
	} else {
		localTrack, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: codecMimeTypeFor(kind)}, kind, newID("stream"))
	}
	if err != nil {
		return "", fmt.Errorf("sfufacade: local track: %w", err)
	}

	producerID := newID("producer")
	pr := &producerRecord{
		id:            producerID,
		participantID: rec.participantID,
		transportID:   transportID,
		kind:          codecKind,
		receiver:      receiver,
		remoteTrack:   remoteTrack,
		localTrack:    localTrack,
		consumers:     make(map[string]*consumerRecord),
		stop:          make(chan struct{}),
	}

	f.mu.Lock()
	f.producers[producerID] = pr
	p := f.getOrCreateParticipant(rec.participantID)
	p.producers[producerID] = pr
	f.mu.Unlock()

	go f.forwardRTP(pr)

	metrics.ActiveProducers.Inc()
	logging.Info(context.Background(), "producer created",
		zap.String("producer_id", producerID), zap.String("participant_id", rec.participantID), zap.String("kind", kind))
	return producerID, nil
}

func codecMimeTypeFor(kind string) string {
	if kind == "audio" {
		return webrtc.MimeTypeOpus
	}
	return webrtc.MimeTypeVP8
}

// forwardRTP pumps RTP packets from a producer's remote track into its
// rebroadcast-local track until the track ends or the producer is closed.
// A panic here is a worker death: it is fatal to the process.
func (f *Facade) forwardRTP(pr *producerRecord) {
	defer func() {
		if r := recover(); r != nil {
			f.onWorkerDeath(fmt.Errorf("forwardRTP panic: %v", r))
		}
	}()

	if pr.remoteTrack == nil {
		<-pr.stop
		return
	}

	for {
		select {
		case <-pr.stop:
			return
		default:
		}

		pkt, _, err := pr.remoteTrack.ReadRTP()
		if err != nil {
			if err == io.EOF {
				return
			}
			logging.Warn(context.Background(), "producer track read error",
				zap.String("producer_id", pr.id), zap.Error(err))
			return
		}
		if err := pr.localTrack.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
			logging.Warn(context.Background(), "producer track relay error",
				zap.String("producer_id", pr.id), zap.Error(err))
		}
	}
}

// Consume creates a consumer on participantID's receive transport that
// subscribes to producerID, returning a started (not paused) consumer.
func (f *Facade) Consume(participantID, producerID string, rtpCaps RTPParameters) (ConsumeResult, error) {
	f.mu.Lock()
	pr, ok := f.producers[producerID]
	if !ok {
		f.mu.Unlock()
		return ConsumeResult{}, ErrProducerNotFound
	}
	p, ok := f.participants[participantID]
	if !ok || p.recvTr == nil {
		f.mu.Unlock()
		return ConsumeResult{}, ErrParticipantNotFound
	}
	recvTr := p.recvTr
	w := f.workerFor(participantID)
	f.mu.Unlock()

	sender, err := w.api.NewRTPSender(pr.localTrack, recvTr.dtls)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("sfufacade: new rtp sender: %w", err)
	}

	kindStr := "video"
	if pr.kind == webrtc.RTPCodecTypeAudio {
		kindStr = "audio"
	}

	if err := sender.Send(webrtc.RTPSendParameters{
		RTPParameters: webrtc.RTPParameters{
			Codecs: []webrtc.RTPCodecParameters{pr.localTrack.Codec()},
		},
	}); err != nil {
		return ConsumeResult{}, fmt.Errorf("sfufacade: send: %w", err)
	}

	transportOpts, err := f.transportOptions(recvTr)
	if err != nil {
		return ConsumeResult{}, err
	}

	consumerID := newID("consumer")
	cr := &consumerRecord{
		id:            consumerID,
		participantID: participantID,
		producerID:    producerID,
		transportID:   recvTr.id,
		sender:        sender,
	}

	f.mu.Lock()
	pr.consumers[consumerID] = cr
	p.consumers[consumerID] = cr
	f.mu.Unlock()

	metrics.ActiveConsumers.Inc()

	return ConsumeResult{
		ConsumerID:    consumerID,
		ProducerID:    producerID,
		Kind:          kindStr,
		RTPParameters: RTPParameters{Kind: kindStr, Codecs: []webrtc.RTPCodecParameters{pr.localTrack.Codec()}},
		TransportOptions: transportOpts,
		ParticipantID: pr.participantID,
	}, nil
}

// CloseProducer closes the producer and every consumer subscribed to it.
// Closing an unknown producer is a silent no-op.
func (f *Facade) CloseProducer(producerID string) error {
	f.mu.Lock()
	pr, ok := f.producers[producerID]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.producers, producerID)
	if p, ok := f.participants[pr.participantID]; ok {
		delete(p.producers, producerID)
	}
	consumers := make([]*consumerRecord, 0, len(pr.consumers))
	for _, c := range pr.consumers {
		consumers = append(consumers, c)
	}
	f.mu.Unlock()

	close(pr.stop)
	if pr.receiver != nil {
		_ = pr.receiver.Stop()
	}

	for _, c := range consumers {
		f.closeConsumer(c)
	}

	metrics.ActiveProducers.Dec()
	return nil
}

func (f *Facade) closeConsumer(c *consumerRecord) {
	f.mu.Lock()
	if p, ok := f.participants[c.participantID]; ok {
		delete(p.consumers, c.id)
	}
	if pr, ok := f.producers[c.producerID]; ok {
		delete(pr.consumers, c.id)
	}
	f.mu.Unlock()

	if c.sender != nil {
		_ = c.sender.Stop()
	}
	metrics.ActiveConsumers.Dec()
}

// RemoveParticipant tears down every transport, producer and consumer owned
// by participantID. Safe to call for an unknown or already-removed participant.
func (f *Facade) RemoveParticipant(participantID string) error {
	f.mu.Lock()
	p, ok := f.participants[participantID]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.participants, participantID)

	producerIDs := make([]string, 0, len(p.producers))
	for id := range p.producers {
		producerIDs = append(producerIDs, id)
	}
	consumers := make([]*consumerRecord, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	var sendTr, recvTr *transportRecord
	if p.sendTr != nil {
		sendTr = p.sendTr
		delete(f.transports, p.sendTr.id)
	}
	if p.recvTr != nil {
		recvTr = p.recvTr
		delete(f.transports, p.recvTr.id)
	}
	f.mu.Unlock()

	for _, id := range producerIDs {
		_ = f.CloseProducer(id)
	}
	for _, c := range consumers {
		f.closeConsumer(c)
	}
	if sendTr != nil {
		f.closeTransport(sendTr)
	}
	if recvTr != nil {
		f.closeTransport(recvTr)
	}

	return nil
}

func (f *Facade) closeTransport(rec *transportRecord) {
	if rec.dtls != nil {
		_ = rec.dtls.Stop()
	}
	if rec.ice != nil {
		_ = rec.ice.Stop()
	}
	if rec.gatherer != nil {
		_ = rec.gatherer.Close()
	}
	if rec.connected {
		metrics.ActiveTransports.WithLabelValues(rec.direction).Dec()
	}
}

// Shutdown tears down every participant and releases the worker pool. It
// is idempotent.
func (f *Facade) Shutdown() error {
	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return nil
	}
	f.shuttingDown = true
	participantIDs := make([]string, 0, len(f.participants))
	for id := range f.participants {
		participantIDs = append(participantIDs, id)
	}
	f.mu.Unlock()

	for _, id := range participantIDs {
		_ = f.RemoveParticipant(id)
	}

	f.mu.Lock()
	f.workers = nil
	f.initialized = false
	f.mu.Unlock()

	logging.Info(context.Background(), "sfu facade shut down")
	return nil
}

var staticRouterCapabilities = RouterCapabilities{
	Codecs: []RouterCodec{
		{Kind: "video", MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, SDPFmtpLine: "x-google-start-bitrate=1000"},
		{Kind: "video", MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0;x-google-start-bitrate=1000"},
		{Kind: "video", MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f;x-google-start-bitrate=1000"},
		{Kind: "video", MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d0032;x-google-start-bitrate=1000"},
		{Kind: "audio", MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
	},
}

// RouterRTPCapabilities returns the static codec set advertised to clients.
func (f *Facade) RouterRTPCapabilities() RouterCapabilities {
	return staticRouterCapabilities
}

// Ready reports whether the facade has completed Init and is not shutting
// down. It backs the /health/ready media_engine check.
func (f *Facade) Ready() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.initialized && !f.shuttingDown
}
