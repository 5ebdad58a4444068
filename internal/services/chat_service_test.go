package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"nas-chat/internal/auth"
	"nas-chat/internal/auth/authtest"
	"nas-chat/internal/config"
	"nas-chat/internal/database"
	apperrors "nas-chat/internal/errors"
	"nas-chat/internal/metrics"
	"nas-chat/internal/models"
	"nas-chat/internal/resolver"
	"nas-chat/internal/websocket"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const trainNasID = "ae:b6:ac:f9:6e:1e"

type fakeConn struct {
	id string

	mu        sync.Mutex
	payloads  [][]byte
	closed    bool
	closeCode int
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrConnClosed
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeConn) Close() { f.CloseWith(1000, "") }

func (f *fakeConn) CloseWith(code int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
}

func (f *fakeConn) events(t *testing.T) []models.OutboundEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OutboundEvent, 0, len(f.payloads))
	for _, p := range f.payloads {
		var ev models.OutboundEvent
		require.NoError(t, json.Unmarshal(p, &ev))
		out = append(out, ev)
	}
	return out
}

func (f *fakeConn) ofType(t *testing.T, typ models.EventType) []models.OutboundEvent {
	t.Helper()
	var out []models.OutboundEvent
	for _, ev := range f.events(t) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = nil
}

// flakyStore fails AppendMessage with err for the first failures calls.
type flakyStore struct {
	database.Database
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (s *flakyStore) AppendMessage(ctx context.Context, msg *models.NewMessage) (*models.Message, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return nil, s.err
	}
	return s.Database.AppendMessage(ctx, msg)
}

type engineFixture struct {
	svc      *ChatService
	db       *database.MemoryDB
	store    database.Database
	registry *websocket.Registry
	metrics  *metrics.Metrics
	train    *models.Tenant
	station  *models.Tenant
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		HistoryLimit:   50,
		MaxMessageLen:  2000,
		SendBuffer:     16,
		RatePerSecond:  1000,
		RateBurst:      1000,
		PersistRetries: 2,
		PersistBackoff: time.Millisecond,
		DefaultRooms:   []string{"general"},
	}
}

func newEngineFixture(t *testing.T, wrap func(database.Database) database.Database, cfg config.ChatConfig) *engineFixture {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()

	train, err := db.CreateTenant(ctx, "treno-pisa-aulla", "Treno Pisa-Aulla")
	require.NoError(t, err)
	station, err := db.CreateTenant(ctx, "stazione-pisa", "Stazione di Pisa")
	require.NoError(t, err)
	_, err = db.CreateDevice(ctx, &models.NasDevice{TenantID: train.ID, NasID: trainNasID})
	require.NoError(t, err)
	_, err = db.CreateDevice(ctx, &models.NasDevice{TenantID: station.ID, PublicIP: "93.40.1.2"})
	require.NoError(t, err)
	require.NoError(t, db.AddModerator(ctx, "mod-1", train.ID))

	var store database.Database = db
	if wrap != nil {
		store = wrap(db)
	}

	logger := zap.NewNop()
	m := metrics.NewNop()
	res := resolver.New(store, resolver.NewMemoryCache(0), 30*time.Second, logger, m)
	registry := websocket.NewRegistry(store, logger, m)
	svc := NewChatService(store, res, auth.NewVerifier(authtest.Secret, ""), auth.NewCapabilities(store), registry, cfg, logger, m)

	return &engineFixture{svc: svc, db: db, store: store, registry: registry, metrics: m, train: train, station: station}
}

func (f *engineFixture) open(t *testing.T, id string, req ConnectRequest) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(id)
	sess, err := f.svc.Open(context.Background(), conn, req)
	require.NoError(t, err)
	return sess, conn
}

func (f *engineFixture) generalRoom(t *testing.T, tenantID int64) *models.Room {
	t.Helper()
	room, err := f.db.EnsureRoom(context.Background(), tenantID, "general", models.RoomTypePublic)
	require.NoError(t, err)
	return room
}

func handle(t *testing.T, f *engineFixture, sess *Session, ev map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	f.svc.Handle(context.Background(), sess, raw)
}

func TestOpen_UnresolvedNetworkDenied(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	conn := newFakeConn("c1")

	sess, err := f.svc.Open(context.Background(), conn, ConnectRequest{NasID: "de:ad:be:ef:00:01", SourceIP: "198.51.100.7"})
	require.Error(t, err)
	assert.Nil(t, sess)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeAccessDenied))

	errs := conn.ofType(t, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrorCodeAccessDenied), errs[0].Code)
	assert.True(t, conn.closed)
	assert.Equal(t, CloseAccessDenied, conn.closeCode)
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsTotal.WithLabelValues("denied")))
}

func TestOpen_JoinsDefaultRoomsAndReplaysHistory(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	ctx := context.Background()
	general := f.generalRoom(t, f.train.ID)
	_, err := f.db.AppendMessage(ctx, &models.NewMessage{TenantID: f.train.ID, RoomID: general.ID, SenderAlias: "x", Text: "earlier"})
	require.NoError(t, err)

	sess, conn := f.open(t, "c1", ConnectRequest{NasID: "AE-B6-AC-F9-6E-1E", SourceIP: "203.0.113.9", Alias: "  Mario "})

	assert.Equal(t, StateJoined, sess.State())
	assert.Equal(t, f.train.ID, sess.Tenant().ID)
	assert.Equal(t, "Mario", sess.Alias())
	assert.Equal(t, resolver.MethodNasID, sess.ResolvedBy())

	connected := conn.ofType(t, models.EventConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, "treno-pisa-aulla", connected[0].Tenant.Slug)
	assert.Equal(t, []int64{general.ID}, connected[0].Joined)

	history := conn.ofType(t, models.EventHistory)
	require.Len(t, history, 1)
	require.Len(t, history[0].Messages, 1)
	assert.Equal(t, "earlier", history[0].Messages[0].Text)
	assert.Equal(t, 1, f.registry.RoomSize(general.ID))
}

func TestOpen_ResolvesBySourceIP(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	sess, _ := f.open(t, "c1", ConnectRequest{SourceIP: "93.40.1.2"})
	assert.Equal(t, "stazione-pisa", sess.Tenant().Slug)
	assert.Contains(t, sess.Alias(), "guest-")
}

func TestOpen_InvalidTokenIsAnonymous(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	sess, _ := f.open(t, "c1", ConnectRequest{NasID: trainNasID, Token: "garbage"})

	msg, err := f.svc.SendMessage(context.Background(), sess, f.generalRoom(t, f.train.ID).ID, "hi", "")
	require.NoError(t, err)
	assert.Nil(t, msg.SenderID)
}

func TestScenarioB_BroadcastWithinTenantOnly(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	general := f.generalRoom(t, f.train.ID)

	s1, c1 := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	_, c2 := f.open(t, "c2", ConnectRequest{NasID: trainNasID})
	s3, c3 := f.open(t, "c3", ConnectRequest{SourceIP: "93.40.1.2"})

	handle(t, f, s1, map[string]interface{}{"type": "message", "roomId": general.ID, "text": "hello"})

	for _, c := range []*fakeConn{c1, c2} {
		msgs := c.ofType(t, models.EventMessage)
		require.Len(t, msgs, 1, c.id)
		assert.Equal(t, "hello", msgs[0].Message.Text)
		assert.Equal(t, general.ID, msgs[0].RoomID)
	}
	assert.Empty(t, c3.ofType(t, models.EventMessage))
	assert.Equal(t, StateActive, s1.State())

	handle(t, f, s3, map[string]interface{}{"type": "join", "roomId": general.ID})
	errs := c3.ofType(t, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrorCodeCrossTenant), errs[0].Code)
	assert.False(t, f.registry.IsMember(c3, general.ID))

	handle(t, f, s3, map[string]interface{}{"type": "message", "roomId": general.ID, "text": "sneaky"})
	errs = c3.ofType(t, models.EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, string(apperrors.ErrorCodeNotJoined), errs[1].Code)
	assert.Len(t, c1.ofType(t, models.EventMessage), 1)
}

func TestSendMessage_AuthenticatedSender(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	token := authtest.Token(t, "user-7", auth.RoleGuest, "")
	sess, _ := f.open(t, "c1", ConnectRequest{NasID: trainNasID, Token: token})

	msg, err := f.svc.SendMessage(context.Background(), sess, f.generalRoom(t, f.train.ID).ID, "ciao", "")
	require.NoError(t, err)
	require.NotNil(t, msg.SenderID)
	assert.Equal(t, "user-7", *msg.SenderID)
	assert.Equal(t, "user-7", msg.SenderAlias)
}

func TestSendMessage_PersistenceFailureNotBroadcast(t *testing.T) {
	var flaky *flakyStore
	f := newEngineFixture(t, func(db database.Database) database.Database {
		flaky = &flakyStore{Database: db, failures: 100, err: database.ErrUnavailable}
		return flaky
	}, testChatConfig())
	general := f.generalRoom(t, f.train.ID)

	s1, c1 := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	_, c2 := f.open(t, "c2", ConnectRequest{NasID: trainNasID})

	handle(t, f, s1, map[string]interface{}{"type": "message", "roomId": general.ID, "text": "lost"})

	assert.Equal(t, 3, flaky.calls)
	errs := c1.ofType(t, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrorCodePersistenceFailed), errs[0].Code)
	assert.True(t, errs[0].Retryable)
	assert.Empty(t, c1.ofType(t, models.EventMessage))
	assert.Empty(t, c2.ofType(t, models.EventMessage))
	assert.Empty(t, c2.ofType(t, models.EventError))
	assert.Equal(t, StateJoined, s1.State())
}

func TestSendMessage_TransientFailureRetried(t *testing.T) {
	var flaky *flakyStore
	f := newEngineFixture(t, func(db database.Database) database.Database {
		flaky = &flakyStore{Database: db, failures: 2, err: database.ErrUnavailable}
		return flaky
	}, testChatConfig())
	general := f.generalRoom(t, f.train.ID)
	sess, conn := f.open(t, "c1", ConnectRequest{NasID: trainNasID})

	_, err := f.svc.SendMessage(context.Background(), sess, general.ID, "eventually", "")
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Len(t, conn.ofType(t, models.EventMessage), 1)
}

func TestSendMessage_PermanentFailureNotRetried(t *testing.T) {
	var flaky *flakyStore
	f := newEngineFixture(t, func(db database.Database) database.Database {
		flaky = &flakyStore{Database: db, failures: 100, err: fmt.Errorf("check constraint violated")}
		return flaky
	}, testChatConfig())
	sess, _ := f.open(t, "c1", ConnectRequest{NasID: trainNasID})

	_, err := f.svc.SendMessage(context.Background(), sess, f.generalRoom(t, f.train.ID).ID, "x", "")
	require.Error(t, err)
	ce := apperrors.As(err)
	assert.Equal(t, apperrors.ErrorCodePersistenceFailed, ce.Code)
	assert.False(t, ce.Retryable)
	assert.Equal(t, 1, flaky.calls)
}

func TestSendMessage_OrderPreservedForSender(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	general := f.generalRoom(t, f.train.ID)
	s1, _ := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	_, c2 := f.open(t, "c2", ConnectRequest{NasID: trainNasID})

	for i := 0; i < 10; i++ {
		_, err := f.svc.SendMessage(context.Background(), s1, general.ID, fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}
	msgs := c2.ofType(t, models.EventMessage)
	require.Len(t, msgs, 10)
	for i, ev := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), ev.Message.Text)
	}
}

func TestScenarioC_NonModeratorForbidden(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	ctx := context.Background()
	general := f.generalRoom(t, f.train.ID)
	sess, _ := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	msg, err := f.svc.SendMessage(ctx, sess, general.ID, "keep me", "")
	require.NoError(t, err)

	err = f.svc.ModerateDelete(ctx, authtest.Token(t, "user-9", auth.RoleStaff, "treno-pisa-aulla"), f.train.ID, msg.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeForbidden))

	history, err := f.svc.History(ctx, f.train.ID, general.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestModerateDelete_Outcomes(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	ctx := context.Background()
	general := f.generalRoom(t, f.train.ID)
	sess, c1 := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	_, c2 := f.open(t, "c2", ConnectRequest{NasID: trainNasID})

	t.Run("missing token", func(t *testing.T) {
		err := f.svc.ModerateDelete(ctx, "", f.train.ID, 1)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeUnauthorized))
	})

	t.Run("tenant admin of another tenant", func(t *testing.T) {
		msg, err := f.svc.SendMessage(ctx, sess, general.ID, "x", "")
		require.NoError(t, err)
		err = f.svc.ModerateDelete(ctx, authtest.Token(t, "a", auth.RoleTenantAdmin, "stazione-pisa"), f.train.ID, msg.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeForbidden))
	})

	t.Run("unknown tenant", func(t *testing.T) {
		err := f.svc.ModerateDelete(ctx, authtest.Token(t, "root", auth.RoleSuperAdmin, ""), 9999, 1)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeForbidden))
	})

	t.Run("moderator deletes and room is told", func(t *testing.T) {
		msg, err := f.svc.SendMessage(ctx, sess, general.ID, "spam", "")
		require.NoError(t, err)
		c2.reset()

		require.NoError(t, f.svc.ModerateDelete(ctx, authtest.Token(t, "mod-1", auth.RoleStaff, ""), f.train.ID, msg.ID))

		deleted := c2.ofType(t, models.EventMessageDeleted)
		require.Len(t, deleted, 1)
		assert.Equal(t, msg.ID, deleted[0].MessageID)
		assert.Equal(t, general.ID, deleted[0].RoomID)

		history, err := f.svc.History(ctx, f.train.ID, general.ID, 50)
		require.NoError(t, err)
		for _, m := range history {
			assert.NotEqual(t, msg.ID, m.ID)
		}

		err = f.svc.ModerateDelete(ctx, authtest.Token(t, "mod-1", auth.RoleStaff, ""), f.train.ID, msg.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeNotFound))
	})

	t.Run("message of another tenant looks absent", func(t *testing.T) {
		msg, err := f.svc.SendMessage(ctx, sess, general.ID, "mine", "")
		require.NoError(t, err)
		err = f.svc.ModerateDelete(ctx, authtest.Token(t, "root", auth.RoleSuperAdmin, ""), f.station.ID, msg.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeNotFound))
	})

	assert.NotEmpty(t, c1.events(t))
}

func TestHandle_DeleteMessageOverSocket(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	ctx := context.Background()
	general := f.generalRoom(t, f.train.ID)
	adminToken := authtest.Token(t, "admin", auth.RoleTenantAdmin, "treno-pisa-aulla")

	guest, guestConn := f.open(t, "g", ConnectRequest{NasID: trainNasID})
	admin, adminConn := f.open(t, "a", ConnectRequest{NasID: trainNasID, Token: adminToken})
	msg, err := f.svc.SendMessage(ctx, guest, general.ID, "delete me", "")
	require.NoError(t, err)

	handle(t, f, guest, map[string]interface{}{"type": "deleteMessage", "messageId": msg.ID, "tenantId": f.train.ID})
	errs := guestConn.ofType(t, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrorCodeUnauthorized), errs[0].Code)

	handle(t, f, admin, map[string]interface{}{"type": "deleteMessage", "messageId": msg.ID, "tenantId": f.station.ID})
	errs = adminConn.ofType(t, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrorCodeCrossTenant), errs[0].Code)

	handle(t, f, guest, map[string]interface{}{
		"type": "deleteMessage", "messageId": msg.ID, "tenantId": f.train.ID,
		"authorization": "Bearer " + adminToken,
	})
	assert.Len(t, guestConn.ofType(t, models.EventMessageDeleted), 1)
	assert.Len(t, adminConn.ofType(t, models.EventMessageDeleted), 1)
}

func TestHandle_StaffRoomRequiresModerator(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	ctx := context.Background()
	staff, err := f.db.CreateRoom(ctx, f.train.ID, "staff", models.RoomTypeStaff)
	require.NoError(t, err)

	guest, guestConn := f.open(t, "g", ConnectRequest{NasID: trainNasID})
	handle(t, f, guest, map[string]interface{}{"type": "join", "roomId": staff.ID})
	errs := guestConn.ofType(t, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrorCodeForbidden), errs[0].Code)
	for _, room := range guestConn.ofType(t, models.EventConnected)[0].Rooms {
		assert.NotEqual(t, staff.ID, room.ID)
	}

	mod, modConn := f.open(t, "m", ConnectRequest{NasID: trainNasID, Token: authtest.Token(t, "mod-1", auth.RoleStaff, "")})
	handle(t, f, mod, map[string]interface{}{"type": "join", "roomId": staff.ID})
	assert.Empty(t, modConn.ofType(t, models.EventError))
	assert.Len(t, modConn.ofType(t, models.EventJoined), 1)
	assert.True(t, f.registry.IsMember(modConn, staff.ID))
}

func TestOpen_DefaultStaffRoomNotAutoJoined(t *testing.T) {
	cfg := testChatConfig()
	cfg.DefaultRooms = []string{"general", "staff"}
	f := newEngineFixture(t, nil, cfg)
	ctx := context.Background()
	staff, err := f.db.CreateRoom(ctx, f.train.ID, "staff", models.RoomTypeStaff)
	require.NoError(t, err)
	general := f.generalRoom(t, f.train.ID)

	guest, guestConn := f.open(t, "g", ConnectRequest{NasID: trainNasID})
	assert.False(t, f.registry.IsMember(guestConn, staff.ID))
	assert.True(t, f.registry.IsMember(guestConn, general.ID))
	assert.Equal(t, []int64{general.ID}, guestConn.ofType(t, models.EventConnected)[0].Joined)

	_, err = f.svc.SendMessage(ctx, guest, staff.ID, "let me in", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeNotJoined))

	_, modConn := f.open(t, "m", ConnectRequest{NasID: trainNasID, Token: authtest.Token(t, "mod-1", auth.RoleStaff, "")})
	assert.True(t, f.registry.IsMember(modConn, staff.ID))
	assert.ElementsMatch(t, []int64{general.ID, staff.ID}, modConn.ofType(t, models.EventConnected)[0].Joined)
}

func TestHandle_LeaveHistoryPing(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	general := f.generalRoom(t, f.train.ID)
	sess, conn := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	_, err := f.svc.SendMessage(context.Background(), sess, general.ID, "one", "")
	require.NoError(t, err)
	conn.reset()

	handle(t, f, sess, map[string]interface{}{"type": "history", "roomId": general.ID, "limit": 5})
	history := conn.ofType(t, models.EventHistory)
	require.Len(t, history, 1)
	assert.Len(t, history[0].Messages, 1)

	handle(t, f, sess, map[string]interface{}{"type": "ping"})
	assert.Len(t, conn.ofType(t, models.EventPong), 1)

	handle(t, f, sess, map[string]interface{}{"type": "leave", "roomId": general.ID})
	assert.Len(t, conn.ofType(t, models.EventLeft), 1)
	assert.False(t, f.registry.IsMember(conn, general.ID))

	handle(t, f, sess, map[string]interface{}{"type": "history", "roomId": general.ID})
	errs := conn.ofType(t, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrorCodeNotJoined), errs[0].Code)
}

func TestHandle_MalformedFrames(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	sess, conn := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	conn.reset()

	for _, raw := range []string{`not json`, `{"type":"message","roomId":1}`, `{"type":"join"}`, `{"type":"message","roomId":1,"text":"x","senderId":"spoof"}`} {
		f.svc.Handle(context.Background(), sess, []byte(raw))
	}
	errs := conn.ofType(t, models.EventError)
	require.Len(t, errs, 4)
	for _, ev := range errs {
		assert.Equal(t, string(apperrors.ErrorCodeValidation), ev.Code)
	}
	assert.Equal(t, StateJoined, sess.State())
}

func TestHandle_RateLimited(t *testing.T) {
	cfg := testChatConfig()
	cfg.RatePerSecond = 0.001
	cfg.RateBurst = 2
	f := newEngineFixture(t, nil, cfg)
	sess, conn := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	conn.reset()

	for i := 0; i < 3; i++ {
		handle(t, f, sess, map[string]interface{}{"type": "ping"})
	}
	assert.Len(t, conn.ofType(t, models.EventPong), 2)
	errs := conn.ofType(t, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrorCodeRateLimited), errs[0].Code)
}

func TestClose_Idempotent(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	general := f.generalRoom(t, f.train.ID)
	sess, conn := f.open(t, "c1", ConnectRequest{NasID: trainNasID})

	f.svc.Close(sess)
	f.svc.Close(sess)

	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, conn.closed)
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.registry.RoomSize(general.ID))

	conn.reset()
	handle(t, f, sess, map[string]interface{}{"type": "ping"})
	assert.Empty(t, conn.events(t))
}

func TestShutdown_ClosesAll(t *testing.T) {
	f := newEngineFixture(t, nil, testChatConfig())
	_, c1 := f.open(t, "c1", ConnectRequest{NasID: trainNasID})
	_, c2 := f.open(t, "c2", ConnectRequest{SourceIP: "93.40.1.2"})

	f.svc.Shutdown()
	assert.True(t, c1.closed)
	assert.True(t, c2.closed)
}
