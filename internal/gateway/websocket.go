package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/audit"
	"github.com/therr/realtime-server-go/internal/auth"
	"github.com/therr/realtime-server-go/internal/config"
	apperrors "github.com/therr/realtime-server-go/internal/errors"
	"github.com/therr/realtime-server-go/internal/fanout"
	"github.com/therr/realtime-server-go/internal/httputil"
	"github.com/therr/realtime-server-go/internal/middleware"
	"github.com/therr/realtime-server-go/internal/model"
	"github.com/therr/realtime-server-go/internal/presence"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
	"github.com/therr/realtime-server-go/internal/service"
	"github.com/therr/realtime-server-go/internal/session"
)

// Client frame types.
const (
	FrameHeartbeat = "heartbeat"
	FrameStatus    = "status"
	FrameLocation  = "location"
	FrameLogout    = "logout"
)

// Server frame types. Fan-out events are forwarded with their own type.
const (
	FrameHeartbeatAck      = "heartbeat-ack"
	FrameStatusAck         = "status-ack"
	FrameLocationProcessed = "location-processed"
	FrameError             = "error"
)

type Frame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type statusData struct {
	Status model.UserStatus `json:"status"`
}

type errorData struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

type LocationProcessor interface {
	ProcessLocation(ctx context.Context, userID string, position model.Coordinates) (*service.LocationResult, error)
}

// Gateway owns websocket connections. Each connection registers a session,
// receives its user's fan-out events, and keeps the session alive through
// heartbeat frames.
type Gateway struct {
	verifier *auth.Verifier
	registry *session.Registry
	tracker  *presence.Tracker
	broker   *fanout.Broker
	location LocationProcessor
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
	wg     sync.WaitGroup
}

// NewGateway builds a gateway. location may be nil, in which case location
// frames are answered with an error.
func NewGateway(
	verifier *auth.Verifier,
	registry *session.Registry,
	tracker *presence.Tracker,
	broker *fanout.Broker,
	location LocationProcessor,
) *Gateway {
	return &Gateway{
		verifier: verifier,
		registry: registry,
		tracker:  tracker,
		broker:   broker,
		location: location,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WSReadLimit,
			WriteBufferSize: config.WSReadLimit,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval: config.WSHeartbeatInterval,
		pongWait:     config.WSPongWait,
		writeWait:    config.WSWriteWait,
		conns:        make(map[string]*connection),
	}
}

type connection struct {
	gateway  *Gateway
	ws       *websocket.Conn
	handle   string
	identity *auth.Identity
	send     chan Frame
	cancel   context.CancelFunc

	loggedOut bool
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(middleware.ExtractToken(r))
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventAuthFailure,
			Details: map[string]any{"code": string(apperrors.GetCode(err)), "transport": "websocket"},
		})
		httputil.WriteError(w, err)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Server is shutting down",
		})
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("userId", identity.UserID).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		gateway:  g,
		ws:       ws,
		handle:   uuid.NewString(),
		identity: identity,
		send:     make(chan Frame, config.FanoutSubscriptionBuffer),
		cancel:   cancel,
	}

	g.track(c)
	defer g.untrack(c)

	audit.LogFromRequest(r, audit.Event{
		Type:             audit.EventSessionRegister,
		UserID:           identity.UserID,
		ConnectionHandle: c.handle,
	})

	c.serve(ctx)
}

func (g *Gateway) track(c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c.handle] = c
}

func (g *Gateway) untrack(c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c.handle)
}

// ConnectionCount reports the connections open on this instance.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close stops accepting connections, closes the open ones and waits for
// their teardown to finish.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		c.ws.Close()
	}
	g.wg.Wait()
}

func (c *connection) serve(ctx context.Context) {
	defer c.cancel()

	log.Info().
		Str("userId", c.identity.UserID).
		Str("connectionHandle", c.handle).
		Msg("websocket connection established")

	c.register(ctx)

	sub, err := c.gateway.broker.Subscribe(ctx, redisclient.UserEventsChannel(c.identity.UserID))
	if err != nil {
		log.Error().Err(err).Str("userId", c.identity.UserID).Msg("failed to subscribe to user events")
		c.sendError(err)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()

	if sub != nil {
		go func() {
			dispatcher := fanout.NewDispatcher(0)
			dispatcher.Run(ctx, sub, c.forward)
		}()
	}

	c.readPump(ctx)

	c.cancel()
	if sub != nil {
		c.gateway.broker.Unsubscribe(sub)
	}
	<-writerDone

	c.disconnect()

	log.Info().
		Str("userId", c.identity.UserID).
		Str("connectionHandle", c.handle).
		Bool("logout", c.loggedOut).
		Msg("websocket connection closed")
}

func (c *connection) register(ctx context.Context) {
	s, err := c.gateway.registry.Register(ctx, c.handle, c.identity.UserID, c.identity.Profile())
	if err != nil {
		log.Error().Err(err).
			Str("userId", c.identity.UserID).
			Str("connectionHandle", c.handle).
			Msg("failed to register session")
		if s == nil {
			c.sendError(err)
			return
		}
	}
	c.gateway.tracker.Announce(ctx, s.ID, s.UserName, model.PresenceActive)
}

func (c *connection) forward(ctx context.Context, event fanout.Event) error {
	return c.enqueue(Frame{ID: event.ID, Type: event.Type, Data: event.Data})
}

var errSendQueueFull = errors.New("send queue full")

var errSuperseded = apperrors.New(apperrors.ErrCodeConflict, "Session is bound to a newer connection")

func (c *connection) enqueue(frame Frame) error {
	select {
	case c.send <- frame:
		return nil
	default:
		log.Warn().
			Str("userId", c.identity.UserID).
			Str("frameType", frame.Type).
			Msg("websocket send queue full, dropping frame")
		return errSendQueueFull
	}
}

func (c *connection) reply(frameType string, payload any) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("frameType", frameType).Msg("failed to encode frame")
			return
		}
		data = encoded
	}
	c.enqueue(Frame{Type: frameType, Data: data})
}

func (c *connection) sendError(err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	c.reply(FrameError, errorData{Code: appErr.Code, Message: appErr.Message})
}

func (c *connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.gateway.pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(c.gateway.writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.gateway.writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Str("connectionHandle", c.handle).Msg("websocket write failed")
				c.cancel()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.gateway.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connectionHandle", c.handle).Msg("websocket ping failed")
				c.cancel()
				return
			}
		}
	}
}

func (c *connection) readPump(ctx context.Context) {
	c.ws.SetReadLimit(config.WSReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(c.gateway.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.gateway.pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("connectionHandle", c.handle).Msg("websocket read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.gateway.pongWait))

		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(apperrors.InvalidInput("frame", "malformed JSON"))
			continue
		}

		if done := c.dispatch(ctx, frame); done {
			return
		}
	}
}

// dispatch processes one client frame and reports whether the connection
// should close.
func (c *connection) dispatch(ctx context.Context, frame Frame) bool {
	switch frame.Type {
	case FrameHeartbeat:
		return c.heartbeat(ctx)
	case FrameStatus:
		c.status(ctx, frame.Data)
	case FrameLocation:
		c.locate(ctx, frame.Data)
	case FrameLogout:
		c.logout(ctx)
		return true
	default:
		c.sendError(apperrors.InvalidInput("type", "unknown frame type"))
	}
	return false
}

// heartbeat refreshes the session and reports whether the connection was
// retired by a newer one and should close.
func (c *connection) heartbeat(ctx context.Context) bool {
	result, err := c.gateway.registry.RefreshTTL(ctx, c.identity.UserID, c.handle)
	if err != nil {
		log.Warn().Err(err).Str("userId", c.identity.UserID).Msg("failed to refresh session")
		c.sendError(err)
		return false
	}

	switch result {
	case session.RefreshSuperseded:
		log.Info().
			Str("userId", c.identity.UserID).
			Str("connectionHandle", c.handle).
			Msg("connection superseded by a newer one, closing")
		c.sendError(errSuperseded)
		return true
	case session.RefreshExpired:
		log.Debug().Str("userId", c.identity.UserID).Msg("session expired, registering again")
		c.register(ctx)
	}
	c.reply(FrameHeartbeatAck, nil)
	return false
}

func (c *connection) status(ctx context.Context, raw json.RawMessage) {
	var data statusData
	if err := json.Unmarshal(raw, &data); err != nil || !data.Status.Valid() {
		c.sendError(apperrors.InvalidInput("status", "must be active or away"))
		return
	}

	updated, err := c.gateway.tracker.SetStatus(ctx, c.identity.UserID, data.Status)
	if err != nil {
		log.Warn().Err(err).Str("userId", c.identity.UserID).Msg("failed to update status")
		c.sendError(err)
		return
	}
	if !updated {
		c.register(ctx)
		if _, err := c.gateway.tracker.SetStatus(ctx, c.identity.UserID, data.Status); err != nil {
			c.sendError(err)
			return
		}
	}
	c.reply(FrameStatusAck, data)
}

func (c *connection) locate(ctx context.Context, raw json.RawMessage) {
	if c.gateway.location == nil {
		c.sendError(apperrors.New(apperrors.ErrCodeValidation, "Location processing is disabled"))
		return
	}

	var position model.Coordinates
	if err := json.Unmarshal(raw, &position); err != nil {
		c.sendError(apperrors.InvalidInput("location", "malformed coordinates"))
		return
	}

	result, err := c.gateway.location.ProcessLocation(ctx, c.identity.UserID, position)
	if err != nil {
		log.Warn().Err(err).Str("userId", c.identity.UserID).Msg("failed to process location")
		c.sendError(err)
		return
	}
	c.reply(FrameLocationProcessed, result)
}

func (c *connection) logout(ctx context.Context) {
	c.loggedOut = true

	if err := c.gateway.registry.Remove(ctx, c.handle, c.identity.UserID); err != nil {
		log.Error().Err(err).Str("userId", c.identity.UserID).Msg("failed to remove session on logout")
	}
	c.gateway.tracker.Announce(ctx, c.identity.UserID, c.identity.UserName, model.PresenceOffline)

	audit.Log(ctx, audit.Event{
		Type:             audit.EventSessionRemove,
		UserID:           c.identity.UserID,
		ConnectionHandle: c.handle,
	})
}

// disconnect marks the session away when the socket drops without a logout.
// A session already bound to a newer connection is left alone.
func (c *connection) disconnect() {
	if c.loggedOut {
		return
	}

	ctx := context.Background()
	s, err := c.gateway.registry.LookupSession(ctx, c.identity.UserID)
	if err != nil {
		log.Warn().Err(err).Str("userId", c.identity.UserID).Msg("failed to look up session on disconnect")
		return
	}
	if s == nil || s.SocketID != c.handle {
		return
	}

	if _, err := c.gateway.registry.UpdateStatus(ctx, c.identity.UserID, model.UserStatusAway); err != nil {
		log.Warn().Err(err).Str("userId", c.identity.UserID).Msg("failed to mark session away")
		return
	}
	c.gateway.tracker.Announce(ctx, c.identity.UserID, s.UserName, model.PresenceAway)
}
