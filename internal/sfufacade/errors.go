package sfufacade

import "errors"

var (
	// ErrNotInitialized is returned by CreateSendTransport and
	// CreateRecvTransport before Init.
	ErrNotInitialized = errors.New("sfufacade: not initialized")
	// ErrShuttingDown is returned by CreateSendTransport and
	// CreateRecvTransport once Shutdown has been called.
	ErrShuttingDown = errors.New("sfufacade: shutting down")
	// ErrTransportNotFound is returned when a transport id is unknown.
	ErrTransportNotFound = errors.New("sfufacade: transport not found")
	// ErrParticipantNotFound is returned when a participant id is unknown.
	ErrParticipantNotFound = errors.New("sfufacade: participant not found")
	// ErrProducerNotFound is returned by Consume when the producer id is unknown.
	ErrProducerNotFound = errors.New("sfufacade: producer not found")
	// ErrUnsupportedKind is returned when an RTP kind is neither audio nor video.
	ErrUnsupportedKind = errors.New("sfufacade: unsupported track kind")
)
