package services

import (
	"context"
	"errors"
	"fmt"

	"nas-chat/internal/database"
	apperrors "nas-chat/internal/errors"
	"nas-chat/internal/models"
	"nas-chat/internal/resolver"
)

// TenantService backs the lookup endpoints used before a socket is opened.
type TenantService struct {
	db       database.Database
	resolver *resolver.Resolver
}

func NewTenantService(db database.Database, res *resolver.Resolver) *TenantService {
	return &TenantService{db: db, resolver: res}
}

// GetTenant returns the tenant and its public rooms.
func (s *TenantService) GetTenant(ctx context.Context, slug string) (*models.TenantResponse, error) {
	if slug == "" {
		return nil, apperrors.Validation("tenant slug is required")
	}

	tenant, err := s.db.GetTenantBySlug(ctx, slug)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperrors.NotFound("tenant not found")
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("get tenant %q: %w", slug, err))
	}

	rooms, err := s.db.ListRooms(ctx, tenant.ID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("list rooms: %w", err))
	}
	public := make([]*models.Room, 0, len(rooms))
	for _, room := range rooms {
		if room.Type == models.RoomTypePublic {
			public = append(public, room)
		}
	}

	return &models.TenantResponse{Tenant: *tenant, Rooms: public}, nil
}

// ValidateNas tells a client whether it would be admitted to chat.
func (s *TenantService) ValidateNas(ctx context.Context, req resolver.Request) (*models.ValidateNasResponse, error) {
	res, ok, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, apperrors.PersistenceFailed(err)
	}
	if !ok {
		return &models.ValidateNasResponse{Valid: false}, nil
	}
	return &models.ValidateNasResponse{Valid: true, TenantSlug: res.TenantSlug}, nil
}
