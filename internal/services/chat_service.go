package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"nas-chat/internal/auth"
	"nas-chat/internal/config"
	"nas-chat/internal/database"
	apperrors "nas-chat/internal/errors"
	"nas-chat/internal/metrics"
	"nas-chat/internal/models"
	"nas-chat/internal/resolver"
	"nas-chat/internal/websocket"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateResolved
	StateJoined
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateResolved:
		return "resolved"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Close code sent when a connection is refused after the upgrade.
const CloseAccessDenied = 4003

// ConnectRequest is what the transport observed when the socket opened.
type ConnectRequest struct {
	NasID    string
	BSSID    string
	SourceIP string
	Token    string
	Alias    string
}

// Session is the per-connection state owned by the engine. Handle is only
// ever called from the connection's read goroutine; Close may race with it.
type Session struct {
	conn     websocket.Connection
	tenant   *models.Tenant
	token    string
	alias    string
	limiter  *rate.Limiter
	state    atomic.Int32
	resolved string
	logger   *zap.Logger
}

func (s *Session) State() State           { return State(s.state.Load()) }
func (s *Session) Tenant() *models.Tenant { return s.tenant }
func (s *Session) Alias() string          { return s.alias }

// ResolvedBy names the network hint that matched the tenant.
func (s *Session) ResolvedBy() string { return s.resolved }

func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

type ChatService struct {
	store    database.Database
	resolver *resolver.Resolver
	verifier *auth.Verifier
	caps     *auth.Capabilities
	registry *websocket.Registry
	cfg      config.ChatConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewChatService(
	store database.Database,
	res *resolver.Resolver,
	verifier *auth.Verifier,
	caps *auth.Capabilities,
	registry *websocket.Registry,
	cfg config.ChatConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ChatService {
	return &ChatService{
		store:    store,
		resolver: res,
		verifier: verifier,
		caps:     caps,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Open runs a new connection through resolution, registration and the
// default room joins. On any failure the connection is told why, closed,
// and the returned error is the reported outcome.
func (s *ChatService) Open(ctx context.Context, conn websocket.Connection, req ConnectRequest) (*Session, error) {
	sess := &Session{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst),
		logger:  s.logger.With(zap.String("conn_id", conn.ID())),
	}

	res, ok, err := s.resolver.Resolve(ctx, resolver.Request{NasID: req.NasID, BSSID: req.BSSID, SourceIP: req.SourceIP})
	if err != nil {
		return nil, s.reject(sess, "error", apperrors.PersistenceFailed(err))
	}
	if !ok {
		sess.logger.Info("connection denied, no tenant for network",
			zap.String("nas_id", req.NasID),
			zap.String("bssid", req.BSSID),
			zap.String("source_ip", req.SourceIP))
		return nil, s.reject(sess, "denied", apperrors.AccessDenied("chat is not available on this network"))
	}

	tenant, err := s.store.GetTenantByID(ctx, res.TenantID)
	if err != nil {
		return nil, s.reject(sess, "error", apperrors.Internal(fmt.Errorf("load tenant %d: %w", res.TenantID, err)))
	}
	sess.tenant = tenant
	sess.resolved = res.Method
	sess.logger = sess.logger.With(zap.Int64("tenant_id", tenant.ID))

	// An unusable token downgrades the connection to anonymous.
	var identity *auth.Identity
	if req.Token != "" {
		identity, err = s.verifier.Verify(req.Token)
		if err != nil {
			sess.logger.Debug("ignoring invalid connect token", zap.Error(err))
		} else {
			sess.token = req.Token
		}
	}
	sess.alias = defaultAlias(req.Alias, identity)

	if err := s.registry.Register(conn, tenant.ID); err != nil {
		return nil, s.reject(sess, "error", apperrors.Internal(err))
	}
	sess.state.Store(int32(StateResolved))

	joined, err := s.joinDefaultRooms(ctx, sess)
	if err != nil {
		s.registry.Unregister(conn)
		return nil, s.reject(sess, "error", err)
	}

	rooms, err := s.visibleRooms(ctx, sess)
	if err != nil {
		s.registry.Unregister(conn)
		return nil, s.reject(sess, "error", err)
	}

	s.send(sess, models.OutboundEvent{Type: models.EventConnected, Tenant: tenant, Rooms: rooms, Joined: joined})
	for _, roomID := range joined {
		s.sendHistory(ctx, sess, roomID, 0)
	}

	sess.advance(StateResolved, StateJoined)
	s.metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	sess.logger.Info("connection opened",
		zap.String("tenant", tenant.Slug),
		zap.String("resolved_by", res.Method),
		zap.Bool("authenticated", identity != nil))
	return sess, nil
}

func (s *ChatService) reject(sess *Session, outcome string, err error) error {
	s.metrics.ConnectionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "error" {
		sess.logger.Error("connection setup failed", zap.Error(err))
	}
	s.sendError(sess, err)
	sess.state.Store(int32(StateClosed))
	closeWith(sess.conn, CloseAccessDenied, string(apperrors.As(err).Code))
	return err
}

type closeWither interface {
	CloseWith(code int, text string)
}

func closeWith(conn websocket.Connection, code int, text string) {
	if c, ok := conn.(closeWither); ok {
		c.CloseWith(code, text)
		return
	}
	conn.Close()
}

// joinDefaultRooms auto-joins the configured rooms. A name that already
// belongs to a staff room is skipped unless the session could join it.
func (s *ChatService) joinDefaultRooms(ctx context.Context, sess *Session) ([]int64, error) {
	identity := s.identity(sess)
	joined := make([]int64, 0, len(s.cfg.DefaultRooms))
	for _, name := range s.cfg.DefaultRooms {
		room, err := s.store.EnsureRoom(ctx, sess.tenant.ID, name, models.RoomTypePublic)
		if err != nil {
			return nil, apperrors.Internal(fmt.Errorf("ensure room %q: %w", name, err))
		}
		ok, err := s.caps.CanJoinRoom(ctx, identity, sess.tenant, room)
		if err != nil {
			return nil, apperrors.Internal(err)
		}
		if !ok {
			sess.logger.Debug("skipping default room", zap.Int64("room_id", room.ID), zap.String("type", string(room.Type)))
			continue
		}
		if err := s.registry.JoinRoom(ctx, sess.conn, room.ID); err != nil {
			return nil, s.registryError(sess, room.ID, err)
		}
		joined = append(joined, room.ID)
	}
	return joined, nil
}

// visibleRooms lists the tenant's rooms, hiding staff rooms from callers
// that could not join them anyway.
func (s *ChatService) visibleRooms(ctx context.Context, sess *Session) ([]*models.Room, error) {
	rooms, err := s.store.ListRooms(ctx, sess.tenant.ID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	identity := s.identity(sess)
	out := rooms[:0]
	for _, room := range rooms {
		ok, err := s.caps.CanJoinRoom(ctx, identity, sess.tenant, room)
		if err != nil {
			return nil, apperrors.Internal(err)
		}
		if ok {
			out = append(out, room)
		}
	}
	return out, nil
}

// Handle processes one inbound frame. Failures are reported to this
// session only and never returned to the transport.
func (s *ChatService) Handle(ctx context.Context, sess *Session, raw []byte) {
	if sess.State() == StateClosed {
		return
	}
	if !sess.limiter.Allow() {
		s.metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		s.sendError(sess, apperrors.RateLimited())
		return
	}

	ev, err := models.DecodeInbound(raw, s.cfg.MaxMessageLen)
	if err != nil {
		s.sendError(sess, err)
		return
	}

	switch ev.Type {
	case models.EventJoin:
		err = s.Join(ctx, sess, ev.RoomID)
	case models.EventLeave:
		s.Leave(sess, ev.RoomID)
	case models.EventMessage:
		_, err = s.SendMessage(ctx, sess, ev.RoomID, ev.Text, ev.Alias)
	case models.EventHistory:
		err = s.replayHistory(ctx, sess, ev.RoomID, ev.Limit)
	case models.EventDeleteMessage:
		err = s.deleteFromSession(ctx, sess, ev)
	case models.EventPing:
		s.send(sess, models.OutboundEvent{Type: models.EventPong})
	}
	if err != nil {
		s.sendError(sess, err)
	}
}

// Join adds the session to a room of its own tenant and replays its history.
func (s *ChatService) Join(ctx context.Context, sess *Session, roomID int64) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, database.ErrNotFound) {
		return apperrors.NotFound("room not found")
	}
	if err != nil {
		return apperrors.Internal(err)
	}

	if room.TenantID == sess.tenant.ID {
		ok, err := s.caps.CanJoinRoom(ctx, s.identity(sess), sess.tenant, room)
		if err != nil {
			return apperrors.Internal(err)
		}
		if !ok {
			return apperrors.Forbidden("room requires moderator access")
		}
	}

	if err := s.registry.JoinRoom(ctx, sess.conn, room.ID); err != nil {
		return s.registryError(sess, room.ID, err)
	}
	s.send(sess, models.OutboundEvent{Type: models.EventJoined, RoomID: room.ID})
	s.sendHistory(ctx, sess, room.ID, 0)
	return nil
}

func (s *ChatService) Leave(sess *Session, roomID int64) {
	s.registry.LeaveRoom(sess.conn, roomID)
	s.send(sess, models.OutboundEvent{Type: models.EventLeft, RoomID: roomID})
}

func (s *ChatService) registryError(sess *Session, roomID int64, err error) error {
	switch {
	case errors.Is(err, websocket.ErrCrossTenantRoom):
		return apperrors.CrossTenant("room belongs to another tenant")
	case errors.Is(err, websocket.ErrRoomNotFound):
		return apperrors.NotFound("room not found")
	default:
		sess.logger.Error("room join failed", zap.Int64("room_id", roomID), zap.Error(err))
		return apperrors.Internal(err)
	}
}

// SendMessage stores text in a room the session has joined and, once the
// store has acknowledged it, fans it out to every member including the
// sender. Nothing is broadcast if the write fails.
func (s *ChatService) SendMessage(ctx context.Context, sess *Session, roomID int64, text, alias string) (*models.Message, error) {
	if !s.registry.IsMember(sess.conn, roomID) {
		s.metrics.MessagesTotal.WithLabelValues("not_joined").Inc()
		return nil, apperrors.NotJoined(roomID)
	}

	if alias == "" {
		alias = sess.alias
	}
	nm := &models.NewMessage{
		TenantID:    sess.tenant.ID,
		RoomID:      roomID,
		SenderAlias: alias,
		Text:        text,
	}
	if identity := s.identity(sess); identity != nil {
		userID := identity.UserID
		nm.SenderID = &userID
	}

	msg, err := s.appendWithRetry(ctx, nm)
	if err != nil {
		if errors.Is(err, database.ErrRoomTenantMismatch) {
			s.metrics.CrossTenantRejects.Inc()
			sess.logger.Warn("cross-tenant write rejected", zap.Int64("room_id", roomID))
			return nil, apperrors.CrossTenant("room belongs to another tenant")
		}
		s.metrics.MessagesTotal.WithLabelValues("persist_failed").Inc()
		sess.logger.Error("message not stored", zap.Int64("room_id", roomID), zap.Error(err))
		ce := apperrors.PersistenceFailed(err)
		ce.Retryable = database.IsTransient(err)
		return nil, ce
	}

	payload, err := json.Marshal(models.OutboundEvent{Type: models.EventMessage, RoomID: roomID, Message: msg})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	s.registry.Broadcast(roomID, payload, nil)
	s.metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	sess.advance(StateJoined, StateActive)
	return msg, nil
}

func (s *ChatService) appendWithRetry(ctx context.Context, nm *models.NewMessage) (*models.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(s.cfg.PersistBackoff * time.Duration(attempt)):
			}
		}

		msg, err := s.store.AppendMessage(ctx, nm)
		if err == nil {
			return msg, nil
		}
		if !database.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *ChatService) replayHistory(ctx context.Context, sess *Session, roomID int64, limit int) error {
	if !s.registry.IsMember(sess.conn, roomID) {
		return apperrors.NotJoined(roomID)
	}
	s.sendHistory(ctx, sess, roomID, limit)
	return nil
}

func (s *ChatService) sendHistory(ctx context.Context, sess *Session, roomID int64, limit int) {
	messages, err := s.History(ctx, sess.tenant.ID, roomID, limit)
	if err != nil {
		sess.logger.Warn("history unavailable", zap.Int64("room_id", roomID), zap.Error(err))
		return
	}
	s.send(sess, models.OutboundEvent{Type: models.EventHistory, RoomID: roomID, Messages: messages})
}

// History returns up to limit messages of a room, most recent first. A
// non-positive or oversized limit is clamped to the configured maximum.
func (s *ChatService) History(ctx context.Context, tenantID, roomID int64, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	messages, err := s.store.History(ctx, tenantID, roomID, limit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	return messages, nil
}

func (s *ChatService) deleteFromSession(ctx context.Context, sess *Session, ev *models.InboundEvent) error {
	token := sess.token
	if ev.Authorization != "" {
		token = ev.Authorization
		if bearer := auth.BearerToken(ev.Authorization); bearer != "" {
			token = bearer
		}
	}
	if ev.TenantID != sess.tenant.ID {
		s.metrics.CrossTenantRejects.Inc()
		sess.logger.Warn("cross-tenant delete rejected",
			zap.Int64("target_tenant_id", ev.TenantID),
			zap.Int64("message_id", ev.MessageID))
		return apperrors.CrossTenant("tenant does not match this connection")
	}
	return s.ModerateDelete(ctx, token, ev.TenantID, ev.MessageID)
}

// ModerateDelete removes a message on behalf of the token holder and tells
// the room. The token is verified on every call; nothing is touched unless
// the holder may moderate the tenant.
func (s *ChatService) ModerateDelete(ctx context.Context, token string, tenantID, messageID int64) error {
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.metrics.ModerationTotal.WithLabelValues("unauthorized").Inc()
		return apperrors.Unauthorized(err)
	}

	tenant, err := s.store.GetTenantByID(ctx, tenantID)
	if errors.Is(err, database.ErrNotFound) {
		s.metrics.ModerationTotal.WithLabelValues("forbidden").Inc()
		return apperrors.Forbidden("not allowed to moderate this tenant")
	}
	if err != nil {
		return apperrors.Internal(err)
	}

	ok, err := s.caps.CanModerate(ctx, identity, tenant)
	if err != nil {
		return apperrors.Internal(err)
	}
	if !ok {
		s.metrics.ModerationTotal.WithLabelValues("forbidden").Inc()
		s.logger.Warn("moderation denied",
			zap.String("user_id", identity.UserID),
			zap.String("role", identity.Role),
			zap.Int64("tenant_id", tenantID),
			zap.Int64("message_id", messageID))
		return apperrors.Forbidden("not allowed to moderate this tenant")
	}

	roomID, deleted, err := s.store.DeleteMessage(ctx, messageID, tenantID, s.cfg.HardDelete)
	if err != nil {
		ce := apperrors.PersistenceFailed(err)
		ce.Retryable = database.IsTransient(err)
		return ce
	}
	if !deleted {
		s.metrics.ModerationTotal.WithLabelValues("not_found").Inc()
		return apperrors.NotFound("message not found")
	}

	payload, err := json.Marshal(models.OutboundEvent{Type: models.EventMessageDeleted, RoomID: roomID, MessageID: messageID})
	if err != nil {
		return apperrors.Internal(err)
	}
	s.registry.Broadcast(roomID, payload, nil)
	s.metrics.ModerationTotal.WithLabelValues("deleted").Inc()
	s.logger.Info("message deleted",
		zap.String("user_id", identity.UserID),
		zap.Int64("tenant_id", tenantID),
		zap.Int64("room_id", roomID),
		zap.Int64("message_id", messageID),
		zap.Bool("hard", s.cfg.HardDelete))
	return nil
}

// Close is terminal and idempotent. The registry entry is gone when it
// returns.
func (s *ChatService) Close(sess *Session) {
	if State(sess.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	s.registry.Unregister(sess.conn)
	sess.conn.Close()
	sess.logger.Debug("connection closed")
}

// Shutdown closes every live connection.
func (s *ChatService) Shutdown() {
	s.registry.CloseAll()
}

// identity re-verifies the token the session connected with, so an expired
// token stops granting capabilities mid-connection.
func (s *ChatService) identity(sess *Session) *auth.Identity {
	if sess.token == "" {
		return nil
	}
	identity, err := s.verifier.Verify(sess.token)
	if err != nil {
		return nil
	}
	return identity
}

func (s *ChatService) send(sess *Session, ev models.OutboundEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		sess.logger.Error("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if err := sess.conn.Send(payload); err != nil {
		sess.logger.Debug("event not delivered", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (s *ChatService) sendError(sess *Session, err error) {
	s.send(sess, models.ErrorEvent(err))
}

func defaultAlias(alias string, identity *auth.Identity) string {
	alias = strings.TrimSpace(alias)
	if utf8.RuneCountInString(alias) > models.MaxAliasLen {
		alias = string([]rune(alias)[:models.MaxAliasLen])
	}
	if alias != "" {
		return alias
	}
	if identity != nil {
		return identity.UserID
	}
	return "guest-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
}
