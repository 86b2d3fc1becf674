package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clinicflow/relay/internal/errs"
	"github.com/clinicflow/relay/internal/stt"
	"github.com/google/uuid"
)

// audioSendTimeout bounds one chunk forward so a stalled upstream cannot hold
// up the connection's event loop.
var audioSendTimeout = 5 * time.Second

// StreamHandle owns one upstream transcription session for one connection,
// along with its speaker mapping and the goroutine consuming its results.
type StreamHandle struct {
	id       string
	connID   string
	provider string
	stream   stt.Stream
	speakers *SpeakerResolver
	ctx      context.Context
	cancel   context.CancelFunc

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

func newStreamHandle(ctx context.Context, connID, provider string, stream stt.Stream, cancel context.CancelFunc) *StreamHandle {
	return &StreamHandle{
		id:       uuid.NewString(),
		connID:   connID,
		provider: provider,
		stream:   stream,
		speakers: NewSpeakerResolver(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ID identifies the upstream session in logs and the event log.
func (h *StreamHandle) ID() string { return h.id }

// SendAudio forwards audio unless the handle was stopped. The send gives up
// after audioSendTimeout, when ctx ends or when the handle is stopped.
func (h *StreamHandle) SendAudio(ctx context.Context, audio []byte) error {
	if h.stopped.Load() {
		return errs.ErrStreamStopped
	}
	sendCtx, cancel := context.WithTimeout(h.ctx, audioSendTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return h.stream.SendAudio(sendCtx, audio)
}

// Stop closes the upstream session. Only the first call has any effect.
// The context is cancelled first so a send blocked on the upstream returns.
func (h *StreamHandle) Stop() error {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		h.cancel()
		h.stopErr = h.stream.Close()
	})
	return h.stopErr
}

// Stopped reports whether Stop was called.
func (h *StreamHandle) Stopped() bool {
	return h.stopped.Load()
}

// Done is closed once the result consumer has exited.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// consume feeds results to fn until the upstream finishes and returns the
// terminal error, if any.
func (h *StreamHandle) consume(ctx context.Context, fn func(stt.Result)) error {
	results := h.stream.Results()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				select {
				case err := <-h.stream.Errors():
					return err
				default:
					return nil
				}
			}
			fn(res)
		case err := <-h.stream.Errors():
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
