package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/clinicflow/relay/internal/errs"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	deepgramWSURL        = "wss://api.deepgram.com/v1/listen"
	deepgramProviderName = "deepgram"
	deepgramWriteTimeout = 5 * time.Second
)

// DeepgramProvider opens Deepgram live sessions with diarization.
type DeepgramProvider struct {
	URL    string // defaults to the public endpoint
	Model  string // e.g. "nova-2"
	Getenv Getenv
	Logger zerolog.Logger
}

// NewDeepgramProvider creates a Deepgram provider for the given model.
func NewDeepgramProvider(model string, logger zerolog.Logger) *DeepgramProvider {
	return &DeepgramProvider{
		URL:    deepgramWSURL,
		Model:  model,
		Logger: logger.With().Str("module", "stt.deepgram").Logger(),
	}
}

func (p *DeepgramProvider) Name() string { return deepgramProviderName }

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type     string  `json:"type"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	IsFinal  bool    `json:"is_final"`
	Channel  struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word    string `json:"word"`
				Speaker *int   `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Open dials the Deepgram streaming endpoint.
func (p *DeepgramProvider) Open(ctx context.Context, opts Options) (Stream, error) {
	apiKey := p.Getenv.lookup("DEEPGRAM_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: DEEPGRAM_API_KEY is required", errs.ErrConfiguration)
	}

	channels := opts.Channels
	if channels == 0 {
		channels = 1
	}
	q := url.Values{}
	q.Set("model", p.Model)
	q.Set("language", opts.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("diarize", "true")
	q.Set("interim_results", "true")

	base := p.URL
	if base == "" {
		base = deepgramWSURL
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, base+"?"+q.Encode(), headers)
	if err != nil {
		return nil, fmt.Errorf("connect to deepgram: %w", classifyDeepgramDialError(resp, err))
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan Result, 100),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
		logger:  p.Logger,
	}
	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

type deepgramStream struct {
	conn      *websocket.Conn
	results   chan Result
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

func (s *deepgramStream) SendAudio(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return errs.ErrStreamStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deadline := time.Now().Add(deepgramWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *deepgramStream) Results() <-chan Result { return s.results }

func (s *deepgramStream) Errors() <-chan error { return s.errors }

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
		s.mu.Unlock()

		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *deepgramStream) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			select {
			case <-s.done:
			case s.errors <- classifyDeepgramReadError(err):
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			s.logger.Warn().Err(err).Msg("failed to parse response")
			continue
		}
		if resp.Type != "Results" {
			continue
		}

		res, ok := convertDeepgramResponse(resp)
		if !ok {
			continue
		}

		select {
		case <-s.done:
			return
		case s.results <- res:
		}
	}
}

func convertDeepgramResponse(resp deepgramResponse) (Result, bool) {
	res := Result{
		IsPartial: !resp.IsFinal,
		StartTime: float64Ptr(resp.Start),
		EndTime:   float64Ptr(resp.Start + resp.Duration),
	}
	for _, alt := range resp.Channel.Alternatives {
		a := Alternative{Transcript: alt.Transcript}
		for _, w := range alt.Words {
			if w.Speaker != nil {
				a.Speaker = "spk_" + strconv.Itoa(*w.Speaker)
				break
			}
		}
		res.Alternatives = append(res.Alternatives, a)
	}
	if len(res.Alternatives) == 0 || res.Alternatives[0].Transcript == "" {
		return Result{}, false
	}
	return res, true
}

func classifyDeepgramDialError(resp *http.Response, err error) error {
	kind := errs.KindOther
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = errs.KindLimitExceeded
		case resp.StatusCode >= 500:
			kind = errs.KindInternalFailure
		case resp.StatusCode >= 400:
			kind = errs.KindBadRequest
		}
	}
	return &errs.UpstreamError{Provider: deepgramProviderName, Kind: kind, Err: err}
}

func classifyDeepgramReadError(err error) error {
	kind := errs.KindOther
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.ClosePolicyViolation, websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData:
			kind = errs.KindBadRequest
		case websocket.CloseTryAgainLater:
			kind = errs.KindLimitExceeded
		case websocket.CloseInternalServerErr:
			kind = errs.KindInternalFailure
		}
	}
	return &errs.UpstreamError{Provider: deepgramProviderName, Kind: kind, Err: err}
}
