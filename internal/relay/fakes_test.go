package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clinicflow/relay/internal/stt"
	"github.com/rs/zerolog"
)

type recorded struct {
	event   string
	payload any
}

type fakeEmitter struct {
	id     string
	mu     sync.Mutex
	events []recorded
	notify chan recorded
}

func newFakeEmitter(id string) *fakeEmitter {
	return &fakeEmitter{id: id, notify: make(chan recorded, 256)}
}

func (f *fakeEmitter) ID() string { return f.id }

func (f *fakeEmitter) Emit(event string, payload any) error {
	r := recorded{event: event, payload: payload}
	f.mu.Lock()
	f.events = append(f.events, r)
	f.mu.Unlock()
	select {
	case f.notify <- r:
	default:
	}
	return nil
}

func (f *fakeEmitter) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.events {
		if r.event == event {
			n++
		}
	}
	return n
}

func (f *fakeEmitter) all() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.events...)
}

// waitFor blocks until event arrives, skipping anything else.
func (f *fakeEmitter) waitFor(t *testing.T, event string) recorded {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-f.notify:
			if r.event == event {
				return r
			}
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %q, got %v", f.id, event, f.all())
			return recorded{}
		}
	}
}

type fakeStream struct {
	results    chan stt.Result
	errors     chan error
	finishOnce sync.Once
	closeCount atomic.Int32

	// stall makes SendAudio block until its context ends, like an upstream
	// that stopped reading.
	stall   bool
	sending chan struct{}

	mu    sync.Mutex
	audio [][]byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		results: make(chan stt.Result, 16),
		errors:  make(chan error, 1),
		sending: make(chan struct{}, 16),
	}
}

func (s *fakeStream) SendAudio(ctx context.Context, audio []byte) error {
	if s.stall {
		s.sending <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, audio)
	return nil
}

func (s *fakeStream) Results() <-chan stt.Result { return s.results }
func (s *fakeStream) Errors() <-chan error       { return s.errors }

func (s *fakeStream) Close() error {
	s.closeCount.Add(1)
	s.finish(nil)
	return nil
}

// finish ends the upstream the way a provider does: error first, then close.
func (s *fakeStream) finish(err error) {
	s.finishOnce.Do(func() {
		if err != nil {
			s.errors <- err
		}
		close(s.results)
	})
}

func (s *fakeStream) chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

type fakeProvider struct {
	mu      sync.Mutex
	err     error
	stall   bool
	streams []*fakeStream
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(_ context.Context, _ stt.Options) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s := newFakeStream()
	s.stall = p.stall
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) stream(i int) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

func (p *fakeProvider) opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

type fakeAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (a *fakeAlerter) NotifyTranscriptionFailure(_ context.Context, _, _, kind string, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

func newTestRelay(p *fakeProvider) *Relay {
	return New(TranscriptionConfig{
		Provider: p,
		Options:  stt.Options{Language: "pt-BR", SampleRate: 16000, Channels: 1},
		Logger:   zerolog.Nop(),
	})
}

// connect registers a fake emitter and returns its session.
func connect(t *testing.T, r *Relay, id string, auth *Principal) (*Session, *fakeEmitter) {
	t.Helper()
	em := newFakeEmitter(id)
	s, err := r.Connect(context.Background(), em, auth)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", id, err)
	}
	return s, em
}

func f64(v float64) *float64 { return &v }
