package items

import (
	"context"
	"errors"

	"github.com/quartermaster-erp/quartermaster/internal/masterdata/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters shared.ListFilters) ([]Item, int, error) {
	if filters.TenantID <= 0 {
		return nil, 0, errors.New("tenant is required")
	}
	filters.Normalize()
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, tenantID, id int64) (Item, error) {
	if tenantID <= 0 || id <= 0 {
		return Item{}, shared.ErrInvalidID
	}
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) Create(ctx context.Context, item Item) (Item, error) {
	if err := s.validate(item); err != nil {
		return Item{}, err
	}
	return s.repo.Create(ctx, item)
}

func (s *Service) Update(ctx context.Context, tenantID, id int64, item Item) error {
	if tenantID <= 0 || id <= 0 {
		return shared.ErrInvalidID
	}
	item.TenantID = tenantID
	if err := s.validate(item); err != nil {
		return err
	}
	return s.repo.Update(ctx, tenantID, id, item)
}

func (s *Service) Deactivate(ctx context.Context, tenantID, id int64) error {
	if tenantID <= 0 || id <= 0 {
		return shared.ErrInvalidID
	}
	return s.repo.Deactivate(ctx, tenantID, id)
}

// Exists reports whether an active item belongs to the tenant.
func (s *Service) Exists(ctx context.Context, tenantID, id int64) (bool, error) {
	if tenantID <= 0 || id <= 0 {
		return false, shared.ErrInvalidID
	}
	return s.repo.Exists(ctx, tenantID, id)
}
