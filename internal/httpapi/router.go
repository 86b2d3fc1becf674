package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/clinicflow/relay/internal/notifications"
	"github.com/clinicflow/relay/internal/relay"
	"github.com/clinicflow/relay/internal/store"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	// JWT Authentication. Empty disables REST and leaves the socket open.
	JWTSecret string

	// Socket settings
	SocketPath string
	ReadLimit  int64
	SendBuffer int
	PingPeriod time.Duration
}

// Store is the persistence the REST handlers need.
type Store interface {
	Ping(ctx context.Context) error
	InsertChatMessage(ctx context.Context, m store.ChatMessage) (*store.ChatMessage, error)
	ListChatMessages(ctx context.Context, clinicaID string, limit int, before *time.Time) ([]store.ChatMessage, error)
	MarkChatMessageRead(ctx context.Context, clinicaID, messageID string) error
	RegisterPushToken(ctx context.Context, userID, tenantID, token, platform string) error
	UnregisterPushToken(ctx context.Context, userID, token string) error
	GetTenantPushTokens(ctx context.Context, tenantID, excludeUserID string) ([]store.DevicePushToken, error)
}

// Pusher delivers chat push notifications to one device.
type Pusher interface {
	SendChatNotification(deviceToken string, n notifications.ChatNotification) error
}

type Router struct {
	cfg    RouterConfig
	logger zerolog.Logger
	store  Store
	relay  *relay.Relay
	apns   Pusher
	mux    *http.ServeMux
}

// NewRouter builds the HTTP handler. s and apns may be nil.
func NewRouter(cfg RouterConfig, logger zerolog.Logger, s Store, rl *relay.Relay, apns Pusher) http.Handler {
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/socket"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}

	r := &Router{
		cfg:    cfg,
		logger: logger.With().Str("module", "httpapi").Logger(),
		store:  s,
		relay:  rl,
		apns:   apns,
		mux:    http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Realtime socket (token checked inside when a secret is configured)
	r.mux.HandleFunc("GET "+r.cfg.SocketPath, r.handleSocket)

	// Chat history and persistence (protected)
	r.mux.HandleFunc("POST /api/chat/messages", r.withAuth(r.handleCreateChatMessage))
	r.mux.HandleFunc("GET /api/chat/messages", r.withAuth(r.handleListChatMessages))
	r.mux.HandleFunc("POST /api/chat/messages/{id}/read", r.withAuth(r.handleMarkChatMessageRead))

	// Push notifications (protected)
	r.mux.HandleFunc("POST /api/push/register", r.withAuth(r.handlePushRegister))
	r.mux.HandleFunc("POST /api/push/unregister", r.withAuth(r.handlePushUnregister))

	// Relay stats (protected)
	r.mux.HandleFunc("GET /api/relay/stats", r.withAuth(r.handleRelayStats))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports 503 while draining or when the database is unreachable.
func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	if r.relay.Registry.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.store.Ping(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("readyz: database ping failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Router) handleRelayStats(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": r.relay.Registry.ActiveCount(),
		"draining":    r.relay.Registry.IsDraining(),
		"room_size":   r.relay.Chat.RoomSize(user.TenantID),
	})
}

// requireStore writes 503 and returns false when no database is configured.
func (r *Router) requireStore(w http.ResponseWriter) bool {
	if r.store == nil {
		http.Error(w, `{"error": "storage not configured"}`, http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
