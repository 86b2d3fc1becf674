package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/clinicflow/relay/internal/errs"
	"github.com/clinicflow/relay/internal/eventlog"
	"github.com/clinicflow/relay/internal/stt"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// EventRecorder persists transcription lifecycle events.
type EventRecorder interface {
	LogAsync(sessionID string, eventType eventlog.EventType, data map[string]any)
}

// Alerter is told about upstream failures.
type Alerter interface {
	NotifyTranscriptionFailure(ctx context.Context, connID, provider, kind string, err error)
}

// TranscriptionConfig wires a TranscriptionManager.
type TranscriptionConfig struct {
	Provider stt.Provider
	Options  stt.Options
	Events   EventRecorder // optional
	Alerts   Alerter       // optional
	Logger   zerolog.Logger
}

// TranscriptionManager bridges a connection's audio to one upstream session
// and relays results back to that connection only.
type TranscriptionManager struct {
	registry *Registry
	provider stt.Provider
	opts     stt.Options
	events   EventRecorder
	alerts   Alerter
	log      zerolog.Logger
}

// NewTranscriptionManager creates a manager bound to registry.
func NewTranscriptionManager(registry *Registry, cfg TranscriptionConfig) *TranscriptionManager {
	return &TranscriptionManager{
		registry: registry,
		provider: cfg.Provider,
		opts:     cfg.Options,
		events:   cfg.Events,
		alerts:   cfg.Alerts,
		log:      cfg.Logger.With().Str("module", "relay.transcription").Logger(),
	}
}

// Start opens an upstream session for the connection. Any session already
// registered for it is stopped first. The session is bound to ctx.
func (m *TranscriptionManager) Start(ctx context.Context, connID string) error {
	em := m.registry.Emitter(connID)
	if em == nil {
		return errs.ErrConnClosed
	}
	log := m.log.With().Str("conn", connID).Logger()

	if prev := m.registry.TakeStream(connID); prev != nil {
		log.Info().Str("stream", prev.ID()).Msg("stopping previous stream before restart")
		_ = prev.Stop()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := m.provider.Open(streamCtx, m.opts)
	if err != nil {
		cancel()
		log.Error().Err(err).Str("provider", m.provider.Name()).Msg("failed to open transcription stream")
		m.reportFailure(connID, err)
		_ = em.Emit(EventTranscriptionError, ErrorPayload{Message: errs.ClientMessage(err)})
		return err
	}

	h := newStreamHandle(streamCtx, connID, m.provider.Name(), stream, cancel)
	prev, ok := m.registry.BindStream(connID, h)
	if !ok {
		_ = h.Stop()
		close(h.done)
		return errs.ErrConnClosed
	}
	if prev != nil {
		_ = prev.Stop()
	}

	log.Info().Str("stream", h.ID()).Str("provider", h.provider).Msg("transcription started")
	_ = em.Emit(EventTranscriptionStarted, nil)
	m.record(h, eventlog.EventTranscriptionStarted, map[string]any{
		"conn_id":  connID,
		"provider": h.provider,
		"language": m.opts.Language,
	})

	go m.run(streamCtx, h, em)
	return nil
}

// run consumes results until the upstream ends, then tears the handle down.
func (m *TranscriptionManager) run(ctx context.Context, h *StreamHandle, em Emitter) {
	defer close(h.done)
	log := m.log.With().Str("conn", h.connID).Str("stream", h.ID()).Logger()

	err := h.consume(ctx, func(res stt.Result) {
		if len(res.Alternatives) == 0 {
			return
		}
		top := res.Alternatives[0]
		payload := TranscriptionResult{
			Transcript:   top.Transcript,
			IsPartial:    res.IsPartial,
			Speaker:      h.speakers.Resolve(top.Speaker),
			SpeakerLabel: top.Speaker,
			StartTime:    res.StartTime,
			EndTime:      res.EndTime,
		}
		if err := em.Emit(EventTranscriptionResult, payload); err != nil {
			log.Debug().Err(err).Msg("dropped transcription result")
		}
		if !res.IsPartial {
			m.record(h, eventlog.EventTranscriptionResult, map[string]any{
				"transcript": payload.Transcript,
				"speaker":    string(payload.Speaker),
				"label":      payload.SpeakerLabel,
			})
		}
	})

	// A stream that was stopped on purpose reports nothing more.
	if !m.registry.ReleaseStream(h.connID, h) || h.Stopped() {
		_ = h.Stop()
		return
	}
	_ = h.Stop()

	if err != nil {
		log.Error().Err(err).Msg("transcription stream failed")
		m.reportFailure(h.connID, err)
		m.record(h, eventlog.EventTranscriptionError, map[string]any{"error": err.Error()})
		_ = em.Emit(EventTranscriptionError, ErrorPayload{Message: errs.ClientMessage(err)})
		return
	}

	log.Info().Msg("upstream closed the transcription stream")
	m.record(h, eventlog.EventTranscriptionStopped, map[string]any{"reason": "upstream_closed"})
	_ = em.Emit(EventTranscriptionStopped, nil)
}

// PushAudio decodes a base64 chunk and forwards it. Chunks arriving without
// a registered stream are dropped.
func (m *TranscriptionManager) PushAudio(ctx context.Context, connID, chunk string) error {
	h := m.registry.Stream(connID)
	if h == nil {
		m.log.Warn().Str("conn", connID).Msg("audio chunk without active stream, dropped")
		return errs.ErrNoActiveStream
	}

	audio, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		err = fmt.Errorf("%w: decode: %w", errs.ErrChunkProcessing, err)
		m.log.Warn().Err(err).Str("conn", connID).Msg("bad audio chunk")
		return err
	}

	if err := h.SendAudio(ctx, audio); err != nil {
		err = fmt.Errorf("%w: forward: %w", errs.ErrChunkProcessing, err)
		m.log.Warn().Err(err).Str("conn", connID).Str("stream", h.ID()).Msg("failed to forward audio chunk")
		return err
	}
	return nil
}

// Pause acknowledges a client-side pause. The upstream stays open.
func (m *TranscriptionManager) Pause(connID string) {
	if em := m.registry.Emitter(connID); em != nil {
		_ = em.Emit(EventTranscriptionPaused, nil)
	}
}

// Stop ends the connection's session, if any, and always acknowledges.
func (m *TranscriptionManager) Stop(connID string) {
	m.stop(connID)
	if em := m.registry.Emitter(connID); em != nil {
		_ = em.Emit(EventTranscriptionStopped, nil)
	}
}

// Release stops the connection's session without acknowledging. Used on
// disconnect.
func (m *TranscriptionManager) Release(connID string) {
	m.stop(connID)
}

func (m *TranscriptionManager) stop(connID string) {
	h := m.registry.TakeStream(connID)
	if h == nil {
		return
	}
	if err := h.Stop(); err != nil {
		m.log.Warn().Err(err).Str("conn", connID).Str("stream", h.ID()).Msg("error closing upstream stream")
	}
	m.record(h, eventlog.EventTranscriptionStopped, map[string]any{"reason": "client"})
	m.log.Info().Str("conn", connID).Str("stream", h.ID()).Msg("transcription stopped")
}

func (m *TranscriptionManager) record(h *StreamHandle, t eventlog.EventType, data map[string]any) {
	if m.events == nil {
		return
	}
	m.events.LogAsync(h.ID(), t, data)
}

func (m *TranscriptionManager) reportFailure(connID string, err error) {
	if errors.Is(err, errs.ErrConfiguration) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("conn_id", connID)
		scope.SetTag("provider", m.provider.Name())
		sentry.CaptureException(err)
	})

	if m.alerts == nil {
		return
	}
	kind := string(errs.KindOther)
	var up *errs.UpstreamError
	if errors.As(err, &up) {
		kind = string(up.Kind)
	}
	m.alerts.NotifyTranscriptionFailure(context.Background(), connID, m.provider.Name(), kind, err)
}
