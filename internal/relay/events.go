package relay

import "encoding/json"

// Client to server events.
const (
	EventStartTranscription = "start-transcription"
	EventAudioChunk         = "audio-chunk"
	EventPauseTranscription = "pause-transcription"
	EventStopTranscription  = "stop-transcription"
	EventJoinChat           = "join-chat"
	EventSendMessage        = "send-message"
	EventMessageRead        = "message-read"
)

// Server to client events.
const (
	EventTranscriptionStarted = "transcription-started"
	EventTranscriptionResult  = "transcription-result"
	EventTranscriptionError   = "transcription-error"
	EventTranscriptionPaused  = "transcription-paused"
	EventTranscriptionStopped = "transcription-stopped"
	EventNewMessage           = "new-message"
	EventMessageReadUpdate    = "message-read-update"
	EventChatError            = "chat-error"
)

// Emitter delivers a named event to one connection. Implementations must not
// block: a slow client drops events instead of stalling the caller.
type Emitter interface {
	ID() string
	Emit(event string, payload any) error
}

// TranscriptionResult is the payload of transcription-result.
type TranscriptionResult struct {
	Transcript   string   `json:"transcript"`
	IsPartial    bool     `json:"isPartial"`
	Speaker      Role     `json:"speaker"`
	SpeakerLabel string   `json:"speakerLabel,omitempty"`
	StartTime    *float64 `json:"startTime,omitempty"`
	EndTime      *float64 `json:"endTime,omitempty"`
}

// ErrorPayload is the payload of transcription-error and chat-error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessagePayload carries a chat message exactly as the sender wrote it.
type NewMessagePayload struct {
	Mensagem json.RawMessage `json:"mensagem"`
}

// ReadUpdatePayload is the payload of message-read-update.
type ReadUpdatePayload struct {
	MensagemID json.RawMessage `json:"mensagemId"`
}

type audioChunkPayload struct {
	Chunk string `json:"chunk"`
}

type joinChatPayload struct {
	UserID    json.RawMessage `json:"userId"`
	ClinicaID json.RawMessage `json:"clinicaId"`
	Tipo      string          `json:"tipo"`
}

type sendMessagePayload struct {
	Mensagem json.RawMessage `json:"mensagem"`
}

type messageReadPayload struct {
	MensagemID json.RawMessage `json:"mensagemId"`
	ClinicaID  json.RawMessage `json:"clinicaId"`
}
