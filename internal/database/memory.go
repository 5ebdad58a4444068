package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nas-chat/internal/models"
)

// MemoryDB implements Database in process memory. It backs tests and local
// runs without Postgres, and enforces the same invariants as PostgresDB.
type MemoryDB struct {
	mu sync.RWMutex

	nextID     int64
	tenants    map[int64]*models.Tenant
	devices    map[int64]*models.NasDevice
	rooms      map[int64]*models.Room
	messages   map[int64]*memoryMessage
	moderators map[string]map[int64]bool
	lastStamp  time.Time
}

type memoryMessage struct {
	msg     models.Message
	deleted bool
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		tenants:    make(map[int64]*models.Tenant),
		devices:    make(map[int64]*models.NasDevice),
		rooms:      make(map[int64]*models.Room),
		messages:   make(map[int64]*memoryMessage),
		moderators: make(map[string]map[int64]bool),
	}
}

func (db *MemoryDB) Ping(context.Context) error { return nil }
func (db *MemoryDB) Close() error { return nil }

func (db *MemoryDB) id() int64 {
	db.nextID++
	return db.nextID
}

func (db *MemoryDB) CreateTenant(_ context.Context, slug, name string) (*models.Tenant, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, t := range db.tenants {
		if t.Slug == slug {
			return nil, fmt.Errorf("tenant %q: %w", slug, ErrDuplicateIdentifier)
		}
	}
	t := &models.Tenant{ID: db.id(), Slug: slug, Name: name, CreatedAt: time.Now()}
	db.tenants[t.ID] = t
	cp := *t
	return &cp, nil
}

func (db *MemoryDB) GetTenantBySlug(_ context.Context, slug string) (*models.Tenant, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, t := range db.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (db *MemoryDB) GetTenantByID(_ context.Context, id int64) (*models.Tenant, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	t, ok := db.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (db *MemoryDB) CreateDevice(_ context.Context, device *models.NasDevice) (*models.NasDevice, error) {
	d, err := normalizeDevice(device)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tenant, ok := db.tenants[d.TenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %d: %w", d.TenantID, ErrNotFound)
	}
	for _, existing := range db.devices {
		if d.NasID != "" && existing.NasID == d.NasID {
			return nil, ErrDuplicateIdentifier
		}
		for _, ip := range nonEmpty(d.PublicIP, d.VpnIP) {
			if ip == existing.PublicIP || ip == existing.VpnIP {
				return nil, ErrDuplicateIdentifier
			}
		}
	}
	d.ID = db.id()
	d.TenantSlug = tenant.Slug
	db.devices[d.ID] = d
	cp := *d
	return &cp, nil
}

func (db *MemoryDB) FindDeviceByNasID(_ context.Context, nasID string) (*models.NasDevice, error) {
	nasID = models.NormalizeNasID(nasID)
	if nasID == "" {
		return nil, ErrNotFound
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, d := range db.devices {
		if d.NasID == nasID {
			return db.deviceCopy(d), nil
		}
	}
	return nil, ErrNotFound
}

func (db *MemoryDB) FindDeviceByIP(_ context.Context, ip string) (*models.NasDevice, error) {
	addr, ok := models.NormalizeIP(ip)
	if !ok {
		return nil, ErrNotFound
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, d := range db.devices {
		if d.VpnIP == addr {
			return db.deviceCopy(d), nil
		}
	}
	for _, d := range db.devices {
		if d.PublicIP == addr {
			return db.deviceCopy(d), nil
		}
	}
	return nil, ErrNotFound
}

func (db *MemoryDB) deviceCopy(d *models.NasDevice) *models.NasDevice {
	cp := *d
	if t, ok := db.tenants[d.TenantID]; ok {
		cp.TenantSlug = t.Slug
	}
	return &cp
}

func (db *MemoryDB) CreateRoom(_ context.Context, tenantID int64, name string, roomType models.RoomType) (*models.Room, error) {
	if !roomType.Valid() {
		return nil, fmt.Errorf("room %q: %w", name, ErrInvalidRoomType)
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.tenants[tenantID]; !ok {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	if r := db.roomByName(tenantID, name); r != nil {
		return nil, fmt.Errorf("room %q: %w", name, ErrDuplicateIdentifier)
	}
	return db.insertRoom(tenantID, name, roomType), nil
}

func (db *MemoryDB) EnsureRoom(_ context.Context, tenantID int64, name string, roomType models.RoomType) (*models.Room, error) {
	if !roomType.Valid() {
		return nil, fmt.Errorf("room %q: %w", name, ErrInvalidRoomType)
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.tenants[tenantID]; !ok {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, ErrNotFound)
	}
	if r := db.roomByName(tenantID, name); r != nil {
		cp := *r
		return &cp, nil
	}
	return db.insertRoom(tenantID, name, roomType), nil
}

func (db *MemoryDB) roomByName(tenantID int64, name string) *models.Room {
	for _, r := range db.rooms {
		if r.TenantID == tenantID && r.Name == name {
			return r
		}
	}
	return nil
}

func (db *MemoryDB) insertRoom(tenantID int64, name string, roomType models.RoomType) *models.Room {
	r := &models.Room{ID: db.id(), TenantID: tenantID, Name: name, Type: roomType, CreatedAt: time.Now()}
	db.rooms[r.ID] = r
	cp := *r
	return &cp
}

func (db *MemoryDB) GetRoom(_ context.Context, roomID int64) (*models.Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	r, ok := db.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (db *MemoryDB) ListRooms(_ context.Context, tenantID int64) ([]*models.Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var rooms []*models.Room
	for _, r := range db.rooms {
		if r.TenantID == tenantID {
			cp := *r
			rooms = append(rooms, &cp)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (db *MemoryDB) AppendMessage(_ context.Context, msg *models.NewMessage) (*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	room, ok := db.rooms[msg.RoomID]
	if !ok || room.TenantID != msg.TenantID {
		return nil, ErrRoomTenantMismatch
	}

	// Timestamps never go backwards, even if the wall clock does.
	now := time.Now()
	if !now.After(db.lastStamp) {
		now = db.lastStamp.Add(time.Microsecond)
	}
	db.lastStamp = now

	m := models.Message{
		ID:          db.id(),
		TenantID:    msg.TenantID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		SenderAlias: msg.SenderAlias,
		Text:        msg.Text,
		Timestamp:   now,
	}
	db.messages[m.ID] = &memoryMessage{msg: m}
	return &m, nil
}

func (db *MemoryDB) History(_ context.Context, tenantID, roomID int64, limit int) ([]*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	messages := []*models.Message{}
	room, ok := db.rooms[roomID]
	if !ok || room.TenantID != tenantID {
		return messages, nil
	}
	for _, stored := range db.messages {
		if stored.deleted || stored.msg.TenantID != tenantID || stored.msg.RoomID != roomID {
			continue
		}
		cp := stored.msg
		messages = append(messages, &cp)
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].ID > messages[j].ID
		}
		return messages[i].Timestamp.After(messages[j].Timestamp)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (db *MemoryDB) DeleteMessage(_ context.Context, messageID, tenantID int64, hard bool) (int64, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	stored, ok := db.messages[messageID]
	if !ok || stored.msg.TenantID != tenantID {
		return 0, false, nil
	}
	if stored.deleted {
		return 0, false, nil
	}
	if hard {
		delete(db.messages, messageID)
		return stored.msg.RoomID, true, nil
	}
	stored.deleted = true
	return stored.msg.RoomID, true, nil
}

func (db *MemoryDB) AddModerator(_ context.Context, userID string, tenantID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.moderators[userID] == nil {
		db.moderators[userID] = make(map[int64]bool)
	}
	db.moderators[userID][tenantID] = true
	return nil
}

func (db *MemoryDB) IsModerator(_ context.Context, userID string, tenantID int64) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.moderators[userID][tenantID], nil
}
