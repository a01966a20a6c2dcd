// Package gateway accepts websocket connections, authenticates them, binds
// them in the presence registry and routes inbound client frames. It owns
// the transport writes: every connection has one write pump draining a
// bounded queue, and a connection that falls behind is closed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/auth"
	"github.com/Shasikumar10/Chat-App/internal/chat"
	"github.com/Shasikumar10/Chat-App/internal/delivery"
	"github.com/Shasikumar10/Chat-App/internal/errs"
	"github.com/Shasikumar10/Chat-App/internal/metrics"
	"github.com/Shasikumar10/Chat-App/internal/presence"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 << 10
	kindRateLimit  = "rate_limited"
	kindBadRequest = "bad_request"
)

// Options configures connection handling. Zero values take the defaults.
type Options struct {
	AuthTimeout  time.Duration
	PingInterval time.Duration
	SendBuffer   int
	InboundRPS   float64
	InboundBurst int
	// AllowedOrigins restricts upgrades by Origin header; empty allows all.
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.InboundRPS <= 0 {
		o.InboundRPS = 20
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 40
	}
}

// Gateway is the http.Handler for the websocket endpoint.
type Gateway struct {
	hub      *Hub
	registry *presence.Registry
	coord    *delivery.Coordinator
	chat     *chat.Service
	auth     *auth.Authenticator
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader
}

func New(hub *Hub, registry *presence.Registry, coord *delivery.Coordinator, svc *chat.Service, a *auth.Authenticator, m *metrics.Metrics, logger *zap.Logger, opts Options) *Gateway {
	opts.defaults()
	g := &Gateway{
		hub:      hub,
		registry: registry,
		coord:    coord,
		chat:     svc,
		auth:     a,
		metrics:  m,
		logger:   logger,
		opts:     opts,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// Shutdown closes every live connection.
func (g *Gateway) Shutdown() {
	g.hub.CloseAll("server shutting down")
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	id, err := g.authenticate(ws, auth.TokenFromRequest(r))
	if err != nil {
		g.reject(ws, err)
		return
	}
	g.serve(ws, id)
}

// authenticate uses the request token if there is one, otherwise waits up
// to AuthTimeout for an auth frame.
func (g *Gateway) authenticate(ws *websocket.Conn, token string) (auth.Identity, error) {
	if token == "" {
		_ = ws.SetReadDeadline(time.Now().Add(g.opts.AuthTimeout))
		var f inbound
		if err := ws.ReadJSON(&f); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return auth.Identity{}, errs.E(errs.Unauthenticated, "authentication timed out")
			}
			return auth.Identity{}, errs.Wrap(errs.Unauthenticated, err, "read auth frame")
		}
		if f.Type != frameAuth {
			return auth.Identity{}, errs.E(errs.Unauthenticated, "first frame must be auth, got %q", f.Type)
		}
		var p authPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return auth.Identity{}, errs.Wrap(errs.Unauthenticated, err, "decode auth frame")
		}
		token = p.Token
	}
	return g.auth.Verify(token)
}

func (g *Gateway) reject(ws *websocket.Conn, err error) {
	g.logger.Debug("websocket rejected", zap.Error(err))
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(delivery.Event{Type: TypeError, Payload: errorPayload(err, frameAuth)})
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"))
	_ = ws.Close()
}

// serve runs an authenticated connection until it closes.
func (g *Gateway) serve(ws *websocket.Conn, id auth.Identity) {
	c := newClient(uuid.NewString(), id.UserID, g.opts.SendBuffer)
	log := g.logger.With(zap.String("conn_id", c.id), zap.String("user_id", id.UserID))

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(delivery.Event{Type: TypeAuthOK, Payload: AuthOK{UserID: id.UserID, ConnectionID: c.id}}); err != nil {
		_ = ws.Close()
		return
	}

	g.hub.register(c)
	cameOnline, err := g.registry.Bind(c.id, id.UserID)
	if err != nil {
		log.Error("presence bind failed", zap.Error(err))
		g.hub.unregister(c.id)
		_ = ws.Close()
		return
	}
	g.updateGauges()
	log.Info("connection opened")
	if cameOnline {
		g.coord.OnPresenceChange(context.Background(), id.UserID, true, time.Time{})
	}

	go g.writePump(ws, c)
	g.readPump(ws, c, id, log)

	c.close("read closed")
	g.hub.unregister(c.id)
	if u, ok := g.registry.Unbind(c.id); ok && u.WentOffline {
		g.coord.OnPresenceChange(context.Background(), u.UserID, false, u.LastSeen)
	}
	g.updateGauges()
	log.Info("connection closed", zap.String("reason", c.reason))
}

func (g *Gateway) updateGauges() {
	st := g.registry.Stats()
	g.metrics.SetPresence(st.Connections, st.OnlineUsers)
}

func (g *Gateway) writePump(ws *websocket.Conn, c *client) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case evt := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(evt); err != nil {
				c.close("write failed")
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close("ping failed")
				return
			}
		case <-c.done:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, c.reason))
			return
		}
	}
}

func (g *Gateway) readPump(ws *websocket.Conn, c *client, id auth.Identity, log *zap.Logger) {
	pongWait := 2 * g.opts.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	limiter := rate.NewLimiter(rate.Limit(g.opts.InboundRPS), g.opts.InboundBurst)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var f inbound
		if err := json.Unmarshal(data, &f); err != nil {
			g.metrics.Inbound("invalid", "rejected")
			g.sendError(c, kindBadRequest, "frame is not valid JSON", "")
			continue
		}
		label := frameLabel(f.Type)
		if !limiter.Allow() {
			g.metrics.Inbound(label, kindRateLimit)
			g.sendError(c, kindRateLimit, "too many frames", f.Type)
			continue
		}
		if err := g.handle(c, id, f); err != nil {
			g.metrics.Inbound(label, "error")
			g.hub.Push(c.id, delivery.Event{Type: TypeError, Payload: errorPayload(err, f.Type)})
			continue
		}
		g.metrics.Inbound(label, "ok")
	}
}

func (g *Gateway) handle(c *client, id auth.Identity, f inbound) error {
	ctx := context.Background()
	switch f.Type {
	case frameJoin:
		var p roomPayload
		if err := decode(f.Payload, &p); err != nil {
			return err
		}
		return g.chat.JoinRoom(ctx, id.UserID, c.id, p.ConversationID)

	case frameLeave:
		var p roomPayload
		if err := decode(f.Payload, &p); err != nil {
			return err
		}
		g.registry.Leave(c.id, p.ConversationID)
		return nil

	case frameTyping:
		var p typingPayload
		if err := decode(f.Payload, &p); err != nil {
			return err
		}
		if !g.registry.InRoom(c.id, p.ConversationID) {
			return errs.E(errs.Forbidden, "join conversation %s before typing", p.ConversationID)
		}
		g.coord.OnTyping(ctx, p.ConversationID, id.UserID, p.Typing, c.id)
		return nil

	case frameDelivered, frameRead:
		var p ackPayload
		if err := decode(f.Payload, &p); err != nil {
			return err
		}
		var err error
		if f.Type == frameRead {
			_, err = g.chat.MarkRead(ctx, id, p.MessageID)
		} else {
			_, err = g.chat.MarkDelivered(ctx, id, p.MessageID)
		}
		return err

	case frameAuth:
		return errs.E(errs.InvalidArgument, "connection is already authenticated")

	default:
		return errs.E(errs.InvalidArgument, "unknown frame type %q", f.Type)
	}
}

func decode(raw json.RawMessage, v interface{ validate() error }) error {
	if len(raw) == 0 {
		return errs.E(errs.InvalidArgument, "payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "decode payload")
	}
	return v.validate()
}

func (p *roomPayload) validate() error {
	if p.ConversationID == "" {
		return errs.E(errs.InvalidArgument, "conversationId is required")
	}
	return nil
}

func (p *typingPayload) validate() error {
	if p.ConversationID == "" {
		return errs.E(errs.InvalidArgument, "conversationId is required")
	}
	return nil
}

func (p *ackPayload) validate() error {
	if p.MessageID == "" {
		return errs.E(errs.InvalidArgument, "messageId is required")
	}
	return nil
}

func (g *Gateway) sendError(c *client, kind, msg, ref string) {
	g.hub.Push(c.id, delivery.Event{Type: TypeError, Payload: ErrorPayload{Kind: kind, Message: msg, Ref: ref}})
}

func errorPayload(err error, ref string) ErrorPayload {
	return ErrorPayload{Kind: string(errs.KindOf(err)), Message: err.Error(), Ref: ref}
}
