package database

import (
	"context"
	"errors"

	"nas-chat/internal/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidDevice       = errors.New("device needs a nas id, public ip or vpn ip")
	ErrDuplicateIdentifier = errors.New("identifier already assigned to another device")
	ErrRoomTenantMismatch  = errors.New("room does not belong to tenant")
	ErrInvalidRoomType     = errors.New("unknown room type")
	ErrUnavailable         = errors.New("store unavailable")
)

// DirectoryRepository is the Identity Directory: network identifier -> tenant.
type DirectoryRepository interface {
	CreateTenant(ctx context.Context, slug, name string) (*models.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	GetTenantByID(ctx context.Context, id int64) (*models.Tenant, error)
	CreateDevice(ctx context.Context, device *models.NasDevice) (*models.NasDevice, error)
	FindDeviceByNasID(ctx context.Context, nasID string) (*models.NasDevice, error)
	// FindDeviceByIP matches vpn_ip first, then public_ip.
	FindDeviceByIP(ctx context.Context, ip string) (*models.NasDevice, error)
}

type RoomRepository interface {
	CreateRoom(ctx context.Context, tenantID int64, name string, roomType models.RoomType) (*models.Room, error)
	EnsureRoom(ctx context.Context, tenantID int64, name string, roomType models.RoomType) (*models.Room, error)
	GetRoom(ctx context.Context, roomID int64) (*models.Room, error)
	ListRooms(ctx context.Context, tenantID int64) ([]*models.Room, error)
}

type MessageRepository interface {
	// AppendMessage fails with ErrRoomTenantMismatch when the room is not
	// owned by msg.TenantID.
	AppendMessage(ctx context.Context, msg *models.NewMessage) (*models.Message, error)
	// History returns up to limit messages, most recent first.
	History(ctx context.Context, tenantID, roomID int64, limit int) ([]*models.Message, error)
	// DeleteMessage reports false when the message is absent or owned by
	// another tenant; the two cases are indistinguishable.
	DeleteMessage(ctx context.Context, messageID, tenantID int64, hard bool) (roomID int64, ok bool, err error)
}

type ModeratorRepository interface {
	AddModerator(ctx context.Context, userID string, tenantID int64) error
	IsModerator(ctx context.Context, userID string, tenantID int64) (bool, error)
}

type Database interface {
	DirectoryRepository
	RoomRepository
	MessageRepository
	ModeratorRepository
	Ping(ctx context.Context) error
	Close() error
}
