package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/clinicflow/relay/internal/errs"
	"github.com/clinicflow/relay/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the wire frame in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// wsConn is the relay.Emitter for one socket. Emit never blocks: frames go
// through a bounded queue drained by writePump.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return c.trySend(frame)
}

func (c *wsConn) trySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errs.ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errs.ErrBackpressure
	}
}

// close stops the queue. writePump then sends a close frame and exits.
func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (r *Router) handleSocket(w http.ResponseWriter, req *http.Request) {
	var auth *relay.Principal
	if r.cfg.JWTSecret != "" {
		tokenString, err := bearerToken(req)
		if err != nil {
			http.Error(w, `{"error": "missing token"}`, http.StatusUnauthorized)
			return
		}
		user, err := parseToken(r.cfg.JWTSecret, tokenString)
		if err != nil {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}
		auth = &relay.Principal{UserID: user.ID, TenantID: user.TenantID, Role: user.Tipo}
	}

	if r.relay.Registry.IsDraining() {
		http.Error(w, "server draining", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("socket: upgrade failed")
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		conn: ws,
		send: make(chan []byte, r.cfg.SendBuffer),
	}
	log := r.logger.With().Str("conn", c.id).Logger()

	sess, err := r.relay.Connect(req.Context(), c, auth)
	if err != nil {
		log.Info().Err(err).Msg("socket: connection rejected")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server draining"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	log.Info().Msg("socket: connected")

	go r.writePump(c)
	r.readPump(sess, c)

	sess.Close()
	c.close()
	log.Info().Msg("socket: disconnected")
}

// readPump dispatches inbound frames in order until the socket fails or the
// peer stops answering pings.
func (r *Router) readPump(sess *relay.Session, c *wsConn) {
	pongWait := 2 * r.cfg.PingPeriod
	if r.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(r.cfg.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				r.logger.Debug().Err(err).Str("conn", c.id).Msg("socket: read ended")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			r.logger.Warn().Str("conn", c.id).Msg("socket: malformed frame ignored")
			continue
		}
		sess.Handle(env.Event, env.Data)
	}
}

func (r *Router) writePump(c *wsConn) {
	ticker := time.NewTicker(r.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					r.logger.Debug().Err(err).Str("conn", c.id).Msg("socket: write failed")
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
