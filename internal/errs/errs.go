// Package errs holds the sentinel errors shared by the relay, the speech
// providers and the HTTP layer. Match them with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means the speech service credentials are missing.
	// Only the start attempt fails; the connection stays usable.
	ErrConfiguration = errors.New("transcription service not configured")

	// ErrUpstreamProtocol marks a failure reported by the speech service.
	// The stream is dead after it; clients must start again.
	ErrUpstreamProtocol = errors.New("upstream transcription failure")

	// ErrChunkProcessing is a per-chunk audio failure. Never fatal.
	ErrChunkProcessing = errors.New("audio chunk processing failed")

	// ErrChatPrecondition is returned for chat operations before join-chat.
	ErrChatPrecondition = errors.New("not authenticated in chat")

	// ErrMissingTenant rejects a join-chat without a clinic.
	ErrMissingTenant = errors.New("clinicaId is required")

	// ErrInvalidChatMessage is a send-message whose mensagem is not an object.
	ErrInvalidChatMessage = errors.New("invalid chat message")

	ErrTenantMismatch  = errors.New("clinic does not match chat session")
	ErrNoActiveStream  = errors.New("no active transcription stream")
	ErrStreamStopped   = errors.New("transcription stream stopped")
	ErrBackpressure    = errors.New("backpressure")
	ErrConnClosed      = errors.New("connection closed")
	ErrDraining        = errors.New("server is draining")
	ErrUnknownProvider = errors.New("unknown transcription provider")
)

// UpstreamKind classifies a speech service failure.
type UpstreamKind string

const (
	KindBadRequest      UpstreamKind = "bad_request"
	KindLimitExceeded   UpstreamKind = "limit_exceeded"
	KindInternalFailure UpstreamKind = "internal_failure"
	KindOther           UpstreamKind = "other"
)

// UpstreamError wraps a provider error with its classification.
// It matches ErrUpstreamProtocol as well as the wrapped cause.
type UpstreamError struct {
	Provider string
	Kind     UpstreamKind
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamProtocol, e.Err}
}

// Message is the text shown to the client.
func (e *UpstreamError) Message() string {
	switch e.Kind {
	case KindBadRequest:
		return "transcription request rejected by the speech service"
	case KindLimitExceeded:
		return "transcription rate limit exceeded, try again shortly"
	case KindInternalFailure:
		return "speech service internal failure"
	default:
		return "transcription stream failed"
	}
}

// ClientMessage turns any error into a human-readable message for the socket.
func ClientMessage(err error) string {
	var up *UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &up):
		return up.Message()
	case errors.Is(err, ErrConfiguration):
		return ErrConfiguration.Error()
	case errors.Is(err, ErrChatPrecondition):
		return ErrChatPrecondition.Error()
	case errors.Is(err, ErrTenantMismatch):
		return ErrTenantMismatch.Error()
	case errors.Is(err, ErrMissingTenant):
		return ErrMissingTenant.Error()
	case errors.Is(err, ErrInvalidChatMessage):
		return ErrInvalidChatMessage.Error()
	default:
		return "transcription stream failed"
	}
}
