package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"nas-chat/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTenant(t *testing.T, db *MemoryDB, slug string) (*models.Tenant, *models.Room) {
	t.Helper()
	ctx := context.Background()
	tenant, err := db.CreateTenant(ctx, slug, slug)
	require.NoError(t, err)
	room, err := db.EnsureRoom(ctx, tenant.ID, "general", models.RoomTypePublic)
	require.NoError(t, err)
	return tenant, room
}

func TestMemoryDB_CreateDevice(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	tenant, _ := seedTenant(t, db, "treno-pisa-aulla")

	t.Run("rejects device without identifiers", func(t *testing.T) {
		_, err := db.CreateDevice(ctx, &models.NasDevice{TenantID: tenant.ID})
		assert.ErrorIs(t, err, ErrInvalidDevice)
	})

	t.Run("rejects malformed ip", func(t *testing.T) {
		_, err := db.CreateDevice(ctx, &models.NasDevice{TenantID: tenant.ID, PublicIP: "not-an-ip"})
		assert.ErrorIs(t, err, ErrInvalidDevice)
	})

	d, err := db.CreateDevice(ctx, &models.NasDevice{TenantID: tenant.ID, NasID: "AE-B6-AC-F9-6E-1E", VpnIP: "10.8.0.2"})
	require.NoError(t, err)
	assert.Equal(t, "ae:b6:ac:f9:6e:1e", d.NasID)
	assert.Equal(t, "treno-pisa-aulla", d.TenantSlug)

	t.Run("nas id is unique", func(t *testing.T) {
		_, err := db.CreateDevice(ctx, &models.NasDevice{TenantID: tenant.ID, NasID: "ae:b6:ac:f9:6e:1e"})
		assert.ErrorIs(t, err, ErrDuplicateIdentifier)
	})

	t.Run("ips are unique across columns", func(t *testing.T) {
		_, err := db.CreateDevice(ctx, &models.NasDevice{TenantID: tenant.ID, PublicIP: "10.8.0.2"})
		assert.ErrorIs(t, err, ErrDuplicateIdentifier)
	})
}

func TestMemoryDB_FindDeviceByIP_PrefersVpn(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	a, _ := seedTenant(t, db, "a")
	b, _ := seedTenant(t, db, "b")

	_, err := db.CreateDevice(ctx, &models.NasDevice{TenantID: a.ID, PublicIP: "93.184.216.34"})
	require.NoError(t, err)
	_, err = db.CreateDevice(ctx, &models.NasDevice{TenantID: b.ID, VpnIP: "10.8.0.9"})
	require.NoError(t, err)

	d, err := db.FindDeviceByIP(ctx, "10.8.0.9")
	require.NoError(t, err)
	assert.Equal(t, "b", d.TenantSlug)

	d, err = db.FindDeviceByIP(ctx, "::ffff:93.184.216.34")
	require.NoError(t, err)
	assert.Equal(t, "a", d.TenantSlug)

	_, err = db.FindDeviceByIP(ctx, "192.0.2.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDB_AppendThenHistory(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	tenant, room := seedTenant(t, db, "t1")

	for i := 0; i < 3; i++ {
		_, err := db.AppendMessage(ctx, &models.NewMessage{TenantID: tenant.ID, RoomID: room.ID, SenderAlias: "guest", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	last, err := db.AppendMessage(ctx, &models.NewMessage{TenantID: tenant.ID, RoomID: room.ID, SenderAlias: "guest", Text: "latest"})
	require.NoError(t, err)

	history, err := db.History(ctx, tenant.ID, room.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, *last, *history[0])

	history, err = db.History(ctx, tenant.ID, room.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "latest", history[0].Text)
	assert.Equal(t, "m0", history[3].Text)
}

func TestMemoryDB_CrossTenantIsolation(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	t1, room1 := seedTenant(t, db, "t1")
	t2, _ := seedTenant(t, db, "t2")

	_, err := db.AppendMessage(ctx, &models.NewMessage{TenantID: t2.ID, RoomID: room1.ID, SenderAlias: "x", Text: "sneaky"})
	assert.ErrorIs(t, err, ErrRoomTenantMismatch)

	msg, err := db.AppendMessage(ctx, &models.NewMessage{TenantID: t1.ID, RoomID: room1.ID, SenderAlias: "x", Text: "hi"})
	require.NoError(t, err)

	history, err := db.History(ctx, t2.ID, room1.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, ok, err := db.DeleteMessage(ctx, msg.ID, t2.ID, false)
	require.NoError(t, err)
	assert.False(t, ok)

	history, err = db.History(ctx, t1.ID, room1.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemoryDB_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	tenant, room := seedTenant(t, db, "t1")

	soft, err := db.AppendMessage(ctx, &models.NewMessage{TenantID: tenant.ID, RoomID: room.ID, SenderAlias: "x", Text: "soft"})
	require.NoError(t, err)
	hard, err := db.AppendMessage(ctx, &models.NewMessage{TenantID: tenant.ID, RoomID: room.ID, SenderAlias: "x", Text: "hard"})
	require.NoError(t, err)

	roomID, ok, err := db.DeleteMessage(ctx, soft.ID, tenant.ID, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, room.ID, roomID)

	_, ok, err = db.DeleteMessage(ctx, soft.ID, tenant.ID, false)
	require.NoError(t, err)
	assert.False(t, ok, "second soft delete is a miss")

	_, ok, err = db.DeleteMessage(ctx, hard.ID, tenant.ID, true)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = db.DeleteMessage(ctx, soft.ID, tenant.ID, true)
	require.NoError(t, err)
	assert.False(t, ok, "hard delete of a soft-deleted message is a miss")

	_, ok, err = db.DeleteMessage(ctx, 9999, tenant.ID, true)
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := db.History(ctx, tenant.ID, room.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryDB_EnsureRoomIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()
	tenant, room := seedTenant(t, db, "t1")

	again, err := db.EnsureRoom(ctx, tenant.ID, "general", models.RoomTypeStaff)
	require.NoError(t, err)
	assert.Equal(t, room.ID, again.ID)
	assert.Equal(t, models.RoomTypePublic, again.Type)

	_, err = db.CreateRoom(ctx, tenant.ID, "general", models.RoomTypePublic)
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)

	_, err = db.CreateRoom(ctx, tenant.ID, "lounge", models.RoomType("vip"))
	assert.ErrorIs(t, err, ErrInvalidRoomType)
	_, err = db.EnsureRoom(ctx, tenant.ID, "lounge", "")
	assert.ErrorIs(t, err, ErrInvalidRoomType)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrUnavailable))
	assert.True(t, IsTransient(fmt.Errorf("append: %w", ErrUnavailable)))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "08006"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsTransient(ErrRoomTenantMismatch))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}
