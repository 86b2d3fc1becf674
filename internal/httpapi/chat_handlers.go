package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clinicflow/relay/internal/notifications"
	"github.com/clinicflow/relay/internal/relay"
	"github.com/clinicflow/relay/internal/store"
)

const maxMessageLength = 4000

// handleCreateChatMessage persists a message, broadcasts it to the clinic
// room and pushes it to the clinic's other devices.
func (r *Router) handleCreateChatMessage(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var body struct {
		Conteudo string `json:"conteudo"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	body.Conteudo = strings.TrimSpace(body.Conteudo)
	if body.Conteudo == "" {
		http.Error(w, `{"error": "conteudo is required"}`, http.StatusBadRequest)
		return
	}
	if len(body.Conteudo) > maxMessageLength {
		http.Error(w, `{"error": "conteudo too long"}`, http.StatusBadRequest)
		return
	}

	if !r.requireStore(w) {
		return
	}

	msg, err := r.store.InsertChatMessage(req.Context(), store.ChatMessage{
		ClinicaID:     user.TenantID,
		RemetenteID:   user.ID,
		RemetenteTipo: user.Tipo,
		Conteudo:      body.Conteudo,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("clinica", user.TenantID).Msg("chat: failed to insert message")
		captureError(req, err, "chat: insert message")
		http.Error(w, `{"error": "failed to save message"}`, http.StatusInternalServerError)
		return
	}

	raw, err := json.Marshal(msg)
	if err == nil {
		delivered := r.relay.Chat.Broadcast(user.TenantID, relay.EventNewMessage, relay.NewMessagePayload{Mensagem: raw}, "")
		r.logger.Debug().Str("clinica", user.TenantID).Int("delivered", delivered).Msg("chat: message broadcast")
	}

	go r.pushChatMessage(*msg)

	writeJSON(w, http.StatusCreated, msg)
}

// pushChatMessage notifies every device in the clinic except the sender's.
func (r *Router) pushChatMessage(msg store.ChatMessage) {
	if r.apns == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tokens, err := r.store.GetTenantPushTokens(ctx, msg.ClinicaID, msg.RemetenteID)
	if err != nil {
		r.logger.Warn().Err(err).Str("clinica", msg.ClinicaID).Msg("chat: failed to load push tokens")
		return
	}

	n := notifications.ChatNotification{
		MessageID:     msg.ID,
		ClinicaID:     msg.ClinicaID,
		RemetenteTipo: msg.RemetenteTipo,
		Conteudo:      msg.Conteudo,
	}
	for _, t := range tokens {
		if t.Platform != "ios" {
			continue
		}
		if err := r.apns.SendChatNotification(t.Token, n); err != nil {
			r.logger.Warn().Err(err).Str("user", t.UserID).Msg("chat: push failed")
		}
	}
}

// handleListChatMessages returns the clinic history, newest first.
func (r *Router) handleListChatMessages(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	q := req.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error": "invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, 200)
	}

	var before *time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, `{"error": "before must be RFC3339"}`, http.StatusBadRequest)
			return
		}
		before = &t
	}

	if !r.requireStore(w) {
		return
	}

	messages, err := r.store.ListChatMessages(req.Context(), user.TenantID, limit, before)
	if err != nil {
		r.logger.Error().Err(err).Str("clinica", user.TenantID).Msg("chat: failed to list messages")
		http.Error(w, `{"error": "failed to list messages"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"mensagens": messages})
}

// handleMarkChatMessageRead flags a message as read and tells the room.
func (r *Router) handleMarkChatMessageRead(w http.ResponseWriter, req *http.Request) {
	user := getAuthUser(req.Context())
	if user == nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	id := req.PathValue("id")
	if id == "" {
		http.Error(w, `{"error": "message id is required"}`, http.StatusBadRequest)
		return
	}

	if !r.requireStore(w) {
		return
	}

	if err := r.store.MarkChatMessageRead(req.Context(), user.TenantID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error": "message not found"}`, http.StatusNotFound)
			return
		}
		r.logger.Error().Err(err).Str("clinica", user.TenantID).Msg("chat: failed to mark read")
		http.Error(w, `{"error": "failed to mark message read"}`, http.StatusInternalServerError)
		return
	}

	rawID, _ := json.Marshal(id)
	r.relay.Chat.Broadcast(user.TenantID, relay.EventMessageReadUpdate, relay.ReadUpdatePayload{MensagemID: rawID}, "")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
