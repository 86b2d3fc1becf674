package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clinicflow/relay/internal/notifications"
	"github.com/clinicflow/relay/internal/relay"
	"github.com/clinicflow/relay/internal/store"
	"github.com/clinicflow/relay/internal/stt"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

type fakeStream struct {
	results   chan stt.Result
	errors    chan error
	closeOnce sync.Once

	mu    sync.Mutex
	audio [][]byte
}

func (s *fakeStream) SendAudio(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, audio)
	return nil
}

func (s *fakeStream) Results() <-chan stt.Result { return s.results }
func (s *fakeStream) Errors() <-chan error       { return s.errors }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.results) })
	return nil
}

func (s *fakeStream) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

type fakeProvider struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(_ context.Context, _ stt.Options) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeStream{results: make(chan stt.Result, 16), errors: make(chan error, 1)}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) last() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// fakeStore keeps chat messages and push tokens in memory.
type fakeStore struct {
	mu        sync.Mutex
	pingErr   error
	insertErr error
	nextID    int
	messages  []store.ChatMessage
	tokens    []store.DevicePushToken
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) InsertChatMessage(_ context.Context, m store.ChatMessage) (*store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	s.nextID++
	m.ID = strconv.Itoa(s.nextID)
	m.CriadoEm = time.Now().UTC()
	s.messages = append(s.messages, m)
	return &m, nil
}

func (s *fakeStore) ListChatMessages(_ context.Context, clinicaID string, limit int, _ *time.Time) ([]store.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []store.ChatMessage{}
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].ClinicaID == clinicaID {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

func (s *fakeStore) MarkChatMessageRead(_ context.Context, clinicaID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID && s.messages[i].ClinicaID == clinicaID {
			s.messages[i].Lida = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakeStore) RegisterPushToken(_ context.Context, userID, tenantID, token, platform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, store.DevicePushToken{UserID: userID, TenantID: tenantID, Token: token, Platform: platform})
	return nil
}

func (s *fakeStore) UnregisterPushToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tokens[:0]
	for _, t := range s.tokens {
		if !(t.UserID == userID && t.Token == token) {
			kept = append(kept, t)
		}
	}
	s.tokens = kept
	return nil
}

func (s *fakeStore) GetTenantPushTokens(_ context.Context, tenantID, excludeUserID string) ([]store.DevicePushToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DevicePushToken
	for _, t := range s.tokens {
		if t.TenantID == tenantID && t.UserID != excludeUserID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakePusher struct {
	mu   sync.Mutex
	sent []string
}

func (p *fakePusher) SendChatNotification(deviceToken string, _ notifications.ChatNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, deviceToken)
	return nil
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type testServer struct {
	*httptest.Server
	relay    *relay.Relay
	provider *fakeProvider
	store    *fakeStore
	pusher   *fakePusher
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	p := &fakeProvider{}
	rl := relay.New(relay.TranscriptionConfig{
		Provider: p,
		Options:  stt.Options{Language: "pt-BR", SampleRate: 16000, Channels: 1},
		Logger:   zerolog.Nop(),
	})
	st := &fakeStore{}
	pusher := &fakePusher{}
	h := NewRouter(RouterConfig{
		JWTSecret:  secret,
		SocketPath: "/socket",
		ReadLimit:  1 << 20,
		SendBuffer: 64,
		PingPeriod: time.Second,
	}, zerolog.Nop(), st, rl, pusher)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, relay: rl, provider: p, store: st, pusher: pusher}
}

func (s *testServer) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/socket"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads frames until event arrives and returns its data.
func expect(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

// expectNone fails if event arrives within the wait.
func expectNone(t *testing.T, conn *websocket.Conn, event string, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event == event {
			t.Fatalf("unexpected %s: %s", event, env.Data)
		}
	}
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustToken(t *testing.T, userID, tenantID, tipo string) string {
	t.Helper()
	tok, _, err := IssueToken(testSecret, userID, tenantID, tipo, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}
