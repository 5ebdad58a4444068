package auth

import (
	"context"
	"fmt"

	"nas-chat/internal/models"
)

type ModeratorLookup interface {
	IsModerator(ctx context.Context, userID string, tenantID int64) (bool, error)
}

// Capabilities is the single authorization check used by both the socket
// and HTTP surfaces.
type Capabilities struct {
	moderators ModeratorLookup
}

func NewCapabilities(moderators ModeratorLookup) *Capabilities {
	return &Capabilities{moderators: moderators}
}

// CanModerate reports whether identity may delete messages in tenant.
// A tenant-admin token only counts for the tenant it names.
func (c *Capabilities) CanModerate(ctx context.Context, identity *Identity, tenant *models.Tenant) (bool, error) {
	if identity == nil || tenant == nil {
		return false, nil
	}

	switch identity.Role {
	case RoleSuperAdmin:
		return true, nil
	case RoleTenantAdmin:
		if identity.Tenant == tenant.Slug {
			return true, nil
		}
	}

	ok, err := c.moderators.IsModerator(ctx, identity.UserID, tenant.ID)
	if err != nil {
		return false, fmt.Errorf("moderator lookup: %w", err)
	}
	return ok, nil
}

// CanJoinRoom gates staff rooms behind the moderation capability.
func (c *Capabilities) CanJoinRoom(ctx context.Context, identity *Identity, tenant *models.Tenant, room *models.Room) (bool, error) {
	if room.Type != models.RoomTypeStaff {
		return true, nil
	}
	return c.CanModerate(ctx, identity, tenant)
}
