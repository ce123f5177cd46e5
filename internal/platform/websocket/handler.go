package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	guardTimeout   = 5 * time.Second
)

// BranchAccessSource resolves the branches a staff user may observe.
type BranchAccessSource interface {
	BranchAccessFor(ctx context.Context, userID string) ([]uuid.UUID, error)
}

// RoomGuard decides whether a viewer may join a conversation room.
type RoomGuard interface {
	CanJoin(ctx context.Context, conversationID uuid.UUID, viewer Viewer) (bool, error)
}

// RoomGuardFunc adapts a function to RoomGuard.
type RoomGuardFunc func(ctx context.Context, conversationID uuid.UUID, viewer Viewer) (bool, error)

func (f RoomGuardFunc) CanJoin(ctx context.Context, conversationID uuid.UUID, viewer Viewer) (bool, error) {
	return f(ctx, conversationID, viewer)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAllowedOrigins restricts browser origins. Empty or "*" allows any.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.origins = allowed
	}
}

// WithPrivilegedRoles sets the roles that observe every branch.
func WithPrivilegedRoles(roles []string) HandlerOption {
	return func(h *Handler) { h.privileged = roles }
}

// Handler authenticates realtime connections and routes client frames.
type Handler struct {
	hub        *Hub
	jwt        auth.JWTConfig
	access     BranchAccessSource
	guard      RoomGuard
	privileged []string
	origins    map[string]bool
	upgrader   gorillawebsocket.Upgrader
	logger     zerolog.Logger
}

func NewHandler(hub *Hub, jwtCfg auth.JWTConfig, access BranchAccessSource, guard RoomGuard, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:        hub,
		jwt:        jwtCfg,
		access:     access,
		guard:      guard,
		privileged: []string{"admin"},
		logger:     logger.With().Str("component", "realtime").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes registers the realtime endpoint.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.HandleConnect)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 || h.origins["*"] {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || h.origins[origin]
}

// Authenticate validates the bearer credential presented at handshake time,
// from the Authorization header or the "token" query parameter, and resolves
// the caller's branch access once.
func (h *Handler) Authenticate(c echo.Context) (Viewer, error) {
	token := auth.BearerToken(c.Request().Header.Get("Authorization"))
	if token == "" {
		token = c.QueryParam("token")
	}

	claims, err := auth.ParseToken(h.jwt, token)
	if err != nil {
		return Viewer{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	viewer := Viewer{
		UserID:     claims.Subject,
		Privileged: auth.HasAnyRole(claims.Roles, h.privileged),
	}
	if viewer.Privileged {
		return viewer, nil
	}

	branches, err := h.access.BranchAccessFor(c.Request().Context(), claims.Subject)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", claims.Subject).Msg("resolve branch access")
		return Viewer{}, echo.NewHTTPError(http.StatusServiceUnavailable, "branch access unavailable")
	}
	viewer.BranchIDs = branches
	return viewer, nil
}

// HandleConnect authenticates, upgrades, registers the client under its user
// and branch rooms, and starts the read/write pumps. Authentication failures
// are answered with 401 before the upgrade.
func (h *Handler) HandleConnect(c echo.Context) error {
	viewer, err := h.Authenticate(c)
	if err != nil {
		return err
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return nil
	}

	client := NewClient(viewer, ws)
	h.hub.Register(client, initialRooms(viewer)...)

	h.logger.Info().
		Str("client_id", client.ID).
		Str("user_id", viewer.UserID).
		Bool("privileged", viewer.Privileged).
		Int("branches", len(viewer.BranchIDs)).
		Msg("realtime client connected")

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

func initialRooms(v Viewer) []string {
	rooms := []string{UserRoom(v.UserID)}
	if v.Privileged {
		return append(rooms, AllBranchesRoom)
	}
	for _, b := range v.BranchIDs {
		rooms = append(rooms, BranchRoom(b))
	}
	return rooms
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type typingIn struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type typingOut struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type errorOut struct {
	Message string `json:"message"`
}

// HandleFrame processes one client frame.
func (h *Handler) HandleFrame(ctx context.Context, client *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendError(client, "malformed frame")
		return
	}

	switch frame.Event {
	case EventConversationJoin:
		id, ok := h.conversationID(client, frame.Data)
		if !ok {
			return
		}
		allowed, err := h.guard.CanJoin(ctx, id, client.Viewer)
		if err != nil {
			h.logger.Warn().Err(err).Str("conversation_id", id.String()).Msg("room guard failed")
			h.sendError(client, "cannot join conversation")
			return
		}
		if !allowed {
			h.sendError(client, "forbidden")
			return
		}
		h.hub.Join(client, ConversationRoom(id))

	case EventConversationLeave:
		id, ok := h.conversationID(client, frame.Data)
		if !ok {
			return
		}
		h.hub.Leave(client, ConversationRoom(id))

	case EventConversationTyping:
		var in typingIn
		if err := json.Unmarshal(frame.Data, &in); err != nil {
			h.sendError(client, "malformed typing event")
			return
		}
		id, err := uuid.Parse(in.ConversationID)
		if err != nil {
			h.sendError(client, "invalid conversationId")
			return
		}
		room := ConversationRoom(id)
		if !h.hub.InRoom(client, room) {
			h.sendError(client, "join the conversation first")
			return
		}
		data, err := encodeFrame(EventConversationTyping, typingOut{
			ConversationID: id.String(),
			UserID:         client.Viewer.UserID,
			IsTyping:       in.IsTyping,
		})
		if err != nil {
			return
		}
		h.hub.Deliver([]string{room}, false, data, client)

	default:
		h.sendError(client, "unknown event")
	}
}

func (h *Handler) conversationID(client *Client, data json.RawMessage) (uuid.UUID, bool) {
	var ref conversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		h.sendError(client, "malformed conversation reference")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(ref.ConversationID)
	if err != nil {
		h.sendError(client, "invalid conversationId")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) sendError(client *Client, msg string) {
	data, err := encodeFrame(EventError, errorOut{Message: msg})
	if err != nil {
		return
	}
	h.hub.SendTo(client, data)
}

func (h *Handler) readPump(client *Client) {
	conn := client.conn
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
		h.logger.Info().Str("client_id", client.ID).Str("user_id", client.Viewer.UserID).Msg("realtime client disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
		h.HandleFrame(ctx, client, message)
		cancel()
	}
}

func (h *Handler) writePump(client *Client) {
	conn := client.conn
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
