package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/clinicflow/relay/internal/errs"
	"github.com/rs/zerolog"
)

const transcribeProviderName = "aws"

// TranscribeProvider opens Amazon Transcribe streaming sessions with speaker
// labels enabled.
type TranscribeProvider struct {
	Region string
	Getenv Getenv
	Logger zerolog.Logger
}

// NewTranscribeProvider creates a provider for the given region.
func NewTranscribeProvider(region string, logger zerolog.Logger) *TranscribeProvider {
	return &TranscribeProvider{
		Region: region,
		Logger: logger.With().Str("module", "stt.aws").Logger(),
	}
}

func (p *TranscribeProvider) Name() string { return transcribeProviderName }

// Open starts a StartStreamTranscription call. The session lives as long as ctx.
func (p *TranscribeProvider) Open(ctx context.Context, opts Options) (Stream, error) {
	keyID := p.Getenv.lookup("AWS_ACCESS_KEY_ID")
	secret := p.Getenv.lookup("AWS_SECRET_ACCESS_KEY")
	if keyID == "" || secret == "" {
		return nil, fmt.Errorf("%w: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required", errs.ErrConfiguration)
	}

	client := transcribestreaming.New(transcribestreaming.Options{
		Region:      p.Region,
		Credentials: credentials.NewStaticCredentialsProvider(keyID, secret, p.Getenv.lookup("AWS_SESSION_TOKEN")),
	})

	out, err := client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(opts.Language),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(opts.SampleRate)),
		ShowSpeakerLabel:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("start stream transcription: %w", classifyTranscribeError(err))
	}

	s := &transcribeStream{
		events:  out.GetStream(),
		results: make(chan Result, 100),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()

	p.Logger.Info().Str("language", opts.Language).Int("sample_rate", opts.SampleRate).Msg("transcribe session opened")
	return s, nil
}

type transcribeStream struct {
	events    *transcribestreaming.StartStreamTranscriptionEventStream
	results   chan Result
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// SendAudio blocks until the SDK writer takes the frame, ctx ends or the
// stream is closed.
func (s *transcribeStream) SendAudio(ctx context.Context, audio []byte) error {
	select {
	case <-s.done:
		return errs.ErrStreamStopped
	default:
	}

	return s.events.Send(ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: audio},
	})
}

func (s *transcribeStream) Results() <-chan Result { return s.results }

func (s *transcribeStream) Errors() <-chan error { return s.errors }

func (s *transcribeStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Not serialized with SendAudio: closing the writer is what
		// unblocks a pending send.
		err = s.events.Close()
		s.wg.Wait()
	})
	return err
}

func (s *transcribeStream) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for ev := range s.events.Events() {
		te, ok := ev.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		for _, r := range te.Value.Transcript.Results {
			res := convertTranscribeResult(r)
			if len(res.Alternatives) == 0 {
				continue
			}
			select {
			case <-s.done:
				return
			case s.results <- res:
			}
		}
	}

	if err := s.events.Err(); err != nil {
		select {
		case <-s.done:
		case s.errors <- classifyTranscribeError(err):
		}
	}
}

func convertTranscribeResult(r types.Result) Result {
	res := Result{
		IsPartial: r.IsPartial,
		StartTime: float64Ptr(r.StartTime),
		EndTime:   float64Ptr(r.EndTime),
	}
	for _, alt := range r.Alternatives {
		a := Alternative{Transcript: aws.ToString(alt.Transcript)}
		for _, item := range alt.Items {
			if item.Speaker != nil {
				a.Speaker = *item.Speaker
				break
			}
		}
		res.Alternatives = append(res.Alternatives, a)
	}
	return res
}

func classifyTranscribeError(err error) error {
	var (
		badRequest  *types.BadRequestException
		limit       *types.LimitExceededException
		internal    *types.InternalFailureException
		unavailable *types.ServiceUnavailableException
	)

	kind := errs.KindOther
	switch {
	case errors.As(err, &badRequest):
		kind = errs.KindBadRequest
	case errors.As(err, &limit):
		kind = errs.KindLimitExceeded
	case errors.As(err, &internal), errors.As(err, &unavailable):
		kind = errs.KindInternalFailure
	}
	return &errs.UpstreamError{Provider: transcribeProviderName, Kind: kind, Err: err}
}
