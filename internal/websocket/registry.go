package websocket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"nas-chat/internal/database"
	"nas-chat/internal/metrics"
	"nas-chat/internal/models"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrNotRegistered     = errors.New("connection not registered")
	ErrCrossTenantRoom   = errors.New("room belongs to another tenant")
	ErrRoomNotFound      = errors.New("room not found")

	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Connection is a live transport handle. Send must not block; it fails with
// ErrConnClosed once the connection is closed, or ErrSendBufferFull when the
// peer cannot keep up.
type Connection interface {
	ID() string
	Send(payload []byte) error
	Close()
}

type RoomDirectory interface {
	GetRoom(ctx context.Context, roomID int64) (*models.Room, error)
}

type entry struct {
	conn     Connection
	tenantID int64
	rooms    map[int64]struct{}
}

// Registry tracks live connections, their tenant and their room
// memberships. A single lock guards both indexes so a broadcast snapshot
// never observes a half-applied join or unregister.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*entry
	rooms     map[int64]map[string]Connection
	roomOwner map[int64]int64

	directory RoomDirectory
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewRegistry(directory RoomDirectory, logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		conns:     make(map[string]*entry),
		rooms:     make(map[int64]map[string]Connection),
		roomOwner: make(map[int64]int64),
		directory: directory,
		logger:    logger,
		metrics:   m,
	}
}

func (r *Registry) Register(conn Connection, tenantID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return ErrAlreadyRegistered
	}
	r.conns[conn.ID()] = &entry{
		conn:     conn,
		tenantID: tenantID,
		rooms:    make(map[int64]struct{}),
	}
	r.metrics.ConnectionsActive.Inc()
	return nil
}

// JoinRoom adds conn to roomID. The room's owner is looked up in the
// directory, never taken from the caller, and must equal the tenant the
// connection was registered with.
func (r *Registry) JoinRoom(ctx context.Context, conn Connection, roomID int64) error {
	roomTenant, err := r.roomTenant(ctx, roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[conn.ID()]
	if !ok {
		return ErrNotRegistered
	}
	if e.tenantID != roomTenant {
		r.metrics.CrossTenantRejects.Inc()
		r.logger.Warn("cross-tenant room join rejected",
			zap.String("conn_id", conn.ID()),
			zap.Int64("tenant_id", e.tenantID),
			zap.Int64("room_id", roomID),
			zap.Int64("room_tenant_id", roomTenant))
		return ErrCrossTenantRoom
	}

	e.rooms[roomID] = struct{}{}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Connection)
		r.rooms[roomID] = members
	}
	members[conn.ID()] = conn
	return nil
}

func (r *Registry) roomTenant(ctx context.Context, roomID int64) (int64, error) {
	r.mu.RLock()
	tenantID, ok := r.roomOwner[roomID]
	r.mu.RUnlock()
	if ok {
		return tenantID, nil
	}

	room, err := r.directory.GetRoom(ctx, roomID)
	if errors.Is(err, database.ErrNotFound) {
		return 0, ErrRoomNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("room %d: %w", roomID, err)
	}

	r.mu.Lock()
	r.roomOwner[roomID] = room.TenantID
	r.mu.Unlock()
	return room.TenantID, nil
}

// LeaveRoom is a no-op when conn is not a member.
func (r *Registry) LeaveRoom(conn Connection, roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[conn.ID()]; ok {
		delete(e.rooms, roomID)
	}
	r.removeMember(roomID, conn.ID())
}

func (r *Registry) removeMember(roomID int64, connID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// Unregister drops conn and every membership it holds. It reports whether
// anything was removed; calling it again is a no-op.
func (r *Registry) Unregister(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[conn.ID()]
	if !ok {
		return false
	}
	for roomID := range e.rooms {
		r.removeMember(roomID, conn.ID())
	}
	delete(r.conns, conn.ID())
	r.metrics.ConnectionsActive.Dec()
	return true
}

// IsMember reports whether conn has joined roomID.
func (r *Registry) IsMember(conn Connection, roomID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[conn.ID()]
	if !ok {
		return false
	}
	_, joined := e.rooms[roomID]
	return joined
}

// Broadcast delivers payload to the members of roomID at the time of the
// call, skipping exclude. Recipients that cannot keep up are closed;
// recipients already closing are skipped. It returns the number of
// successful deliveries.
func (r *Registry) Broadcast(roomID int64, payload []byte, exclude Connection) int {
	r.mu.RLock()
	members := make([]Connection, 0, len(r.rooms[roomID]))
	for _, conn := range r.rooms[roomID] {
		if exclude != nil && conn.ID() == exclude.ID() {
			continue
		}
		members = append(members, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range members {
		err := conn.Send(payload)
		if err == nil {
			delivered++
			continue
		}
		if !errors.Is(err, ErrSendBufferFull) {
			continue
		}
		r.metrics.DroppedClients.Inc()
		r.logger.Warn("dropping unresponsive client",
			zap.String("conn_id", conn.ID()),
			zap.Int64("room_id", roomID))
		conn.Close()
	}
	r.metrics.BroadcastFanout.Observe(float64(delivered))
	return delivered
}

func (r *Registry) Rooms(conn Connection) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[conn.ID()]
	if !ok {
		return nil
	}
	rooms := make([]int64, 0, len(e.rooms))
	for roomID := range e.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (r *Registry) RoomSize(roomID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection. Each connection unregisters
// itself through its own close path.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]Connection, 0, len(r.conns))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}
