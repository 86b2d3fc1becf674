package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/clinicflow/relay/internal/errs"
	"github.com/rs/zerolog"
)

// ChatRelay keeps one broadcast room per tenant. A connection belongs to at
// most one room at a time.
type ChatRelay struct {
	registry *Registry
	log      zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]Emitter
}

// NewChatRelay creates a relay bound to registry.
func NewChatRelay(registry *Registry, logger zerolog.Logger) *ChatRelay {
	return &ChatRelay{
		registry: registry,
		log:      logger.With().Str("module", "relay.chat").Logger(),
		rooms:    make(map[string]map[string]Emitter),
	}
}

// Join records the identity and moves the connection into the tenant room.
// A second join replaces both.
func (c *ChatRelay) Join(connID string, ident ChatIdentity) error {
	if ident.TenantID == "" {
		c.chatError(connID, errs.ErrMissingTenant)
		return errs.ErrMissingTenant
	}
	em := c.registry.Emitter(connID)
	if em == nil {
		return errs.ErrConnClosed
	}
	prev, ok := c.registry.SetIdentity(connID, ident)
	if !ok {
		return errs.ErrConnClosed
	}

	c.mu.Lock()
	if prev != nil {
		c.removeLocked(prev.TenantID, connID)
	}
	room, ok := c.rooms[ident.TenantID]
	if !ok {
		room = make(map[string]Emitter)
		c.rooms[ident.TenantID] = room
	}
	room[connID] = em
	c.mu.Unlock()

	c.log.Info().Str("conn", connID).Str("user", ident.UserID).Str("tenant", ident.TenantID).Str("tipo", ident.Role).Msg("joined chat")
	return nil
}

// Leave drops the connection from whatever room it is in.
func (c *ChatRelay) Leave(connID string, ident *ChatIdentity) {
	if ident == nil {
		return
	}
	c.mu.Lock()
	c.removeLocked(ident.TenantID, connID)
	c.mu.Unlock()
}

func (c *ChatRelay) removeLocked(tenantID, connID string) {
	room, ok := c.rooms[tenantID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(c.rooms, tenantID)
	}
}

// SendMessage relays a chat message to every member of the message's
// tenant room, sender included. The message is relayed byte for byte.
func (c *ChatRelay) SendMessage(connID string, mensagem json.RawMessage) error {
	ident, ok := c.registry.Identity(connID)
	if !ok {
		c.chatError(connID, errs.ErrChatPrecondition)
		return errs.ErrChatPrecondition
	}

	var m struct {
		ClinicaID json.RawMessage `json:"clinicaId"`
	}
	if err := json.Unmarshal(mensagem, &m); err != nil {
		err = fmt.Errorf("%w: %w", errs.ErrInvalidChatMessage, err)
		c.chatError(connID, err)
		return err
	}

	tenant := normalizeID(m.ClinicaID)
	if tenant == "" {
		tenant = ident.TenantID
	}
	if tenant != ident.TenantID {
		c.chatError(connID, errs.ErrTenantMismatch)
		return errs.ErrTenantMismatch
	}

	n := c.Broadcast(tenant, EventNewMessage, NewMessagePayload{Mensagem: mensagem}, "")
	c.log.Debug().Str("conn", connID).Str("tenant", tenant).Int("recipients", n).Msg("chat message relayed")
	return nil
}

// MarkRead relays a read receipt to the room, excluding the sender. It is a
// no-op before join-chat.
func (c *ChatRelay) MarkRead(connID string, mensagemID json.RawMessage, tenantID string) error {
	ident, ok := c.registry.Identity(connID)
	if !ok {
		return nil
	}
	if tenantID == "" {
		tenantID = ident.TenantID
	}
	if tenantID != ident.TenantID {
		c.chatError(connID, errs.ErrTenantMismatch)
		return errs.ErrTenantMismatch
	}

	c.Broadcast(tenantID, EventMessageReadUpdate, ReadUpdatePayload{MensagemID: mensagemID}, connID)
	return nil
}

// Broadcast emits to every member of the tenant room except the connection
// with id except. Returns the number of members reached.
func (c *ChatRelay) Broadcast(tenantID, event string, payload any, except string) int {
	c.mu.RLock()
	members := make([]Emitter, 0, len(c.rooms[tenantID]))
	for id, em := range c.rooms[tenantID] {
		if id != except {
			members = append(members, em)
		}
	}
	c.mu.RUnlock()

	sent := 0
	for _, em := range members {
		if err := em.Emit(event, payload); err != nil {
			c.log.Warn().Err(err).Str("conn", em.ID()).Str("event", event).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// RoomSize returns the number of connections in the tenant room.
func (c *ChatRelay) RoomSize(tenantID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms[tenantID])
}

func (c *ChatRelay) chatError(connID string, err error) {
	c.log.Warn().Err(err).Str("conn", connID).Msg("chat request rejected")
	msg := "chat request rejected"
	switch {
	case errors.Is(err, errs.ErrChatPrecondition),
		errors.Is(err, errs.ErrTenantMismatch),
		errors.Is(err, errs.ErrMissingTenant),
		errors.Is(err, errs.ErrInvalidChatMessage):
		msg = errs.ClientMessage(err)
	}
	if em := c.registry.Emitter(connID); em != nil {
		_ = em.Emit(EventChatError, ErrorPayload{Message: msg})
	}
}

// normalizeID accepts ids sent either as JSON strings or numbers.
func normalizeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
