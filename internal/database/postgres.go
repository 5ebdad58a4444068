package database

import (
	"context"
	"errors"
	"fmt"

	"nas-chat/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type PostgresDB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresDB(ctx context.Context, databaseURL string, maxConns int, logger *zap.Logger) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to database", zap.Int32("max_conns", poolCfg.MaxConns))
	return &PostgresDB{pool: pool, logger: logger}, nil
}

func (db *PostgresDB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Identity Directory Implementation
func (db *PostgresDB) CreateTenant(ctx context.Context, slug, name string) (*models.Tenant, error) {
	query := `
		INSERT INTO tenants (slug, name, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id, slug, name, created_at`

	tenant := &models.Tenant{}
	err := db.pool.QueryRow(ctx, query, slug, name).Scan(&tenant.ID, &tenant.Slug, &tenant.Name, &tenant.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("tenant %q: %w", slug, ErrDuplicateIdentifier)
		}
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return tenant, nil
}

func (db *PostgresDB) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	query := `SELECT id, slug, name, created_at FROM tenants WHERE slug = $1`
	return db.scanTenant(ctx, query, slug)
}

func (db *PostgresDB) GetTenantByID(ctx context.Context, id int64) (*models.Tenant, error) {
	query := `SELECT id, slug, name, created_at FROM tenants WHERE id = $1`
	return db.scanTenant(ctx, query, id)
}

func (db *PostgresDB) scanTenant(ctx context.Context, query string, arg interface{}) (*models.Tenant, error) {
	tenant := &models.Tenant{}
	err := db.pool.QueryRow(ctx, query, arg).Scan(&tenant.ID, &tenant.Slug, &tenant.Name, &tenant.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return tenant, nil
}

func (db *PostgresDB) CreateDevice(ctx context.Context, device *models.NasDevice) (*models.NasDevice, error) {
	d, err := normalizeDevice(device)
	if err != nil {
		return nil, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO nas_devices (tenant_id, nas_id, public_ip, vpn_ip)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''))
		RETURNING id`
	if err := tx.QueryRow(ctx, query, d.TenantID, d.NasID, d.PublicIP, d.VpnIP).Scan(&d.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateIdentifier
		}
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	// device_ips holds every address of every device under one primary key,
	// so an IP cannot be public on one device and vpn on another.
	for _, ip := range nonEmpty(d.PublicIP, d.VpnIP) {
		if _, err := tx.Exec(ctx, `INSERT INTO device_ips (ip, device_id) VALUES ($1, $2)`, ip, d.ID); err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDuplicateIdentifier
			}
			return nil, fmt.Errorf("failed to reserve device ip: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

const deviceColumns = `d.id, d.tenant_id, t.slug, COALESCE(d.nas_id, ''), COALESCE(d.public_ip, ''), COALESCE(d.vpn_ip, '')`

func (db *PostgresDB) FindDeviceByNasID(ctx context.Context, nasID string) (*models.NasDevice, error) {
	query := `SELECT ` + deviceColumns + `
		FROM nas_devices d JOIN tenants t ON t.id = d.tenant_id
		WHERE d.nas_id = $1`
	return db.scanDevice(ctx, query, models.NormalizeNasID(nasID))
}

func (db *PostgresDB) FindDeviceByIP(ctx context.Context, ip string) (*models.NasDevice, error) {
	addr, ok := models.NormalizeIP(ip)
	if !ok {
		return nil, ErrNotFound
	}
	query := `SELECT ` + deviceColumns + `
		FROM nas_devices d JOIN tenants t ON t.id = d.tenant_id
		WHERE d.vpn_ip = $1 OR d.public_ip = $1
		ORDER BY (d.vpn_ip = $1) DESC NULLS LAST, d.id
		LIMIT 1`
	return db.scanDevice(ctx, query, addr)
}

func (db *PostgresDB) scanDevice(ctx context.Context, query string, arg interface{}) (*models.NasDevice, error) {
	d := &models.NasDevice{}
	err := db.pool.QueryRow(ctx, query, arg).Scan(&d.ID, &d.TenantID, &d.TenantSlug, &d.NasID, &d.PublicIP, &d.VpnIP)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// Room Repository Implementation
func (db *PostgresDB) CreateRoom(ctx context.Context, tenantID int64, name string, roomType models.RoomType) (*models.Room, error) {
	if !roomType.Valid() {
		return nil, fmt.Errorf("room %q: %w", name, ErrInvalidRoomType)
	}
	query := `
		INSERT INTO rooms (tenant_id, name, type, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, tenant_id, name, type, created_at`

	room, err := db.scanRoom(ctx, query, tenantID, name, string(roomType))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("room %q: %w", name, ErrDuplicateIdentifier)
		}
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return room, nil
}

func (db *PostgresDB) EnsureRoom(ctx context.Context, tenantID int64, name string, roomType models.RoomType) (*models.Room, error) {
	if !roomType.Valid() {
		return nil, fmt.Errorf("room %q: %w", name, ErrInvalidRoomType)
	}
	query := `
		INSERT INTO rooms (tenant_id, name, type, created_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, tenant_id, name, type, created_at`

	room, err := db.scanRoom(ctx, query, tenantID, name, string(roomType))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure room: %w", err)
	}
	return room, nil
}

func (db *PostgresDB) GetRoom(ctx context.Context, roomID int64) (*models.Room, error) {
	query := `SELECT id, tenant_id, name, type, created_at FROM rooms WHERE id = $1`
	room, err := db.scanRoom(ctx, query, roomID)
	if err != nil {
		return nil, notFound(err)
	}
	return room, nil
}

func (db *PostgresDB) scanRoom(ctx context.Context, query string, args ...interface{}) (*models.Room, error) {
	room := &models.Room{}
	var roomType string
	err := db.pool.QueryRow(ctx, query, args...).Scan(&room.ID, &room.TenantID, &room.Name, &roomType, &room.CreatedAt)
	if err != nil {
		return nil, err
	}
	room.Type = models.RoomType(roomType)
	return room, nil
}

func (db *PostgresDB) ListRooms(ctx context.Context, tenantID int64) ([]*models.Room, error) {
	query := `
		SELECT id, tenant_id, name, type, created_at
		FROM rooms
		WHERE tenant_id = $1
		ORDER BY id`

	rows, err := db.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		room := &models.Room{}
		var roomType string
		if err := rows.Scan(&room.ID, &room.TenantID, &room.Name, &roomType, &room.CreatedAt); err != nil {
			return nil, err
		}
		room.Type = models.RoomType(roomType)
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// Message Repository Implementation
func (db *PostgresDB) AppendMessage(ctx context.Context, msg *models.NewMessage) (*models.Message, error) {
	// The SELECT only yields a row when the room belongs to the tenant, so a
	// cross-tenant write inserts nothing.
	query := `
		INSERT INTO messages (tenant_id, room_id, sender_id, sender_alias, text, created_at)
		SELECT r.tenant_id, r.id, $3, $4, $5, clock_timestamp()
		FROM rooms r
		WHERE r.id = $2 AND r.tenant_id = $1
		RETURNING id, tenant_id, room_id, sender_id, sender_alias, text, created_at`

	m := &models.Message{}
	err := db.pool.QueryRow(ctx, query, msg.TenantID, msg.RoomID, msg.SenderID, msg.SenderAlias, msg.Text).Scan(
		&m.ID, &m.TenantID, &m.RoomID, &m.SenderID, &m.SenderAlias, &m.Text, &m.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomTenantMismatch
		}
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return m, nil
}

func (db *PostgresDB) History(ctx context.Context, tenantID, roomID int64, limit int) ([]*models.Message, error) {
	// The join re-checks room ownership on every read.
	query := `
		SELECT m.id, m.tenant_id, m.room_id, m.sender_id, m.sender_alias, m.text, m.created_at
		FROM messages m
		JOIN rooms r ON r.id = m.room_id AND r.tenant_id = m.tenant_id
		WHERE m.tenant_id = $1 AND m.room_id = $2 AND m.deleted_at IS NULL
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3`

	rows, err := db.pool.Query(ctx, query, tenantID, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		m := &models.Message{}
		if err := rows.Scan(&m.ID, &m.TenantID, &m.RoomID, &m.SenderID, &m.SenderAlias, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PostgresDB) DeleteMessage(ctx context.Context, messageID, tenantID int64, hard bool) (int64, bool, error) {
	query := `
		UPDATE messages SET deleted_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		RETURNING room_id`
	if hard {
		query = `DELETE FROM messages WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL RETURNING room_id`
	}

	var roomID int64
	err := db.pool.QueryRow(ctx, query, messageID, tenantID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to delete message: %w", err)
	}
	return roomID, true, nil
}

// Moderator Repository Implementation
func (db *PostgresDB) AddModerator(ctx context.Context, userID string, tenantID int64) error {
	query := `
		INSERT INTO tenant_moderators (user_id, tenant_id) VALUES ($1, $2)
		ON CONFLICT (user_id, tenant_id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query, userID, tenantID)
	return err
}

func (db *PostgresDB) IsModerator(ctx context.Context, userID string, tenantID int64) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM tenant_moderators WHERE user_id = $1 AND tenant_id = $2)`

	var exists bool
	err := db.pool.QueryRow(ctx, query, userID, tenantID).Scan(&exists)
	return exists, err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func normalizeDevice(device *models.NasDevice) (*models.NasDevice, error) {
	d := *device
	d.NasID = models.NormalizeNasID(d.NasID)
	for _, field := range []*string{&d.PublicIP, &d.VpnIP} {
		if *field == "" {
			continue
		}
		addr, ok := models.NormalizeIP(*field)
		if !ok {
			return nil, fmt.Errorf("invalid ip %q: %w", *field, ErrInvalidDevice)
		}
		*field = addr
	}
	if !d.HasIdentifier() {
		return nil, ErrInvalidDevice
	}
	if d.PublicIP != "" && d.PublicIP == d.VpnIP {
		return nil, ErrDuplicateIdentifier
	}
	return &d, nil
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
