// Package relay implements the per-connection transcription bridge and the
// per-clinic chat rooms carried over one socket connection.
package relay

import (
	"context"
	"encoding/json"

	"github.com/clinicflow/relay/internal/errs"
	"github.com/rs/zerolog"
)

// Principal is the authenticated caller behind a connection, if any.
type Principal struct {
	UserID   string
	TenantID string
	Role     string
}

// Relay owns the shared connection state.
type Relay struct {
	Registry      *Registry
	Transcription *TranscriptionManager
	Chat          *ChatRelay
	log           zerolog.Logger
}

// New wires a Relay around a fresh Registry.
func New(cfg TranscriptionConfig) *Relay {
	reg := NewRegistry()
	return &Relay{
		Registry:      reg,
		Transcription: NewTranscriptionManager(reg, cfg),
		Chat:          NewChatRelay(reg, cfg.Logger),
		log:           cfg.Logger.With().Str("module", "relay").Logger(),
	}
}

// ReleaseAll stops the upstream session of every open connection without
// acknowledging. Used when shutdown gives up waiting. Returns how many
// connections were still open.
func (r *Relay) ReleaseAll() int {
	ids := r.Registry.IDs()
	for _, id := range ids {
		r.Transcription.Release(id)
	}
	return len(ids)
}

// Session is one client connection. Handle must be called from a single
// goroutine so events are processed in arrival order.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	auth   *Principal
	relay  *Relay
	log    zerolog.Logger
}

// Connect registers em. It fails with errs.ErrDraining during shutdown.
func (r *Relay) Connect(ctx context.Context, em Emitter, auth *Principal) (*Session, error) {
	if !r.Registry.Add(em) {
		return nil, errs.ErrDraining
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:    ctx,
		cancel: cancel,
		id:     em.ID(),
		auth:   auth,
		relay:  r,
		log:    r.log.With().Str("conn", em.ID()).Logger(),
	}
	s.log.Debug().Msg("connection opened")
	return s, nil
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Handle dispatches one client event. Unknown events are ignored.
func (s *Session) Handle(event string, data json.RawMessage) {
	switch event {
	case EventStartTranscription:
		_ = s.relay.Transcription.Start(s.ctx, s.id)

	case EventAudioChunk:
		var p audioChunkPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn().Err(err).Msg("malformed audio-chunk")
			return
		}
		_ = s.relay.Transcription.PushAudio(s.ctx, s.id, p.Chunk)

	case EventPauseTranscription:
		s.relay.Transcription.Pause(s.id)

	case EventStopTranscription:
		s.relay.Transcription.Stop(s.id)

	case EventJoinChat:
		s.handleJoin(data)

	case EventSendMessage:
		var p sendMessagePayload
		if err := json.Unmarshal(data, &p); err != nil || len(p.Mensagem) == 0 {
			s.log.Warn().Err(err).Msg("malformed send-message")
			return
		}
		_ = s.relay.Chat.SendMessage(s.id, p.Mensagem)

	case EventMessageRead:
		var p messageReadPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn().Err(err).Msg("malformed message-read")
			return
		}
		_ = s.relay.Chat.MarkRead(s.id, p.MensagemID, normalizeID(p.ClinicaID))

	default:
		s.log.Warn().Str("event", event).Msg("unknown event ignored")
	}
}

func (s *Session) handleJoin(data json.RawMessage) {
	var p joinChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn().Err(err).Msg("malformed join-chat")
		return
	}
	ident := ChatIdentity{
		UserID:   normalizeID(p.UserID),
		TenantID: normalizeID(p.ClinicaID),
		Role:     p.Tipo,
	}
	if s.auth != nil && ident.TenantID != "" {
		if ident.TenantID != s.auth.TenantID {
			s.relay.Chat.chatError(s.id, errs.ErrTenantMismatch)
			return
		}
		ident.UserID = s.auth.UserID
		if s.auth.Role != "" {
			ident.Role = s.auth.Role
		}
	}
	_ = s.relay.Chat.Join(s.id, ident)
}

// Close releases everything the connection holds. Safe to call twice.
func (s *Session) Close() {
	s.relay.Transcription.Release(s.id)
	h, ident := s.relay.Registry.Remove(s.id)
	if h != nil {
		_ = h.Stop()
	}
	s.relay.Chat.Leave(s.id, ident)
	s.cancel()
	s.log.Debug().Msg("connection closed")
}
