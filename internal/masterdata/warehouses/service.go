package warehouses

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

func (s *Service) List(ctx context.Context, filters shared.ListFilters) ([]Warehouse, int, error) {
	if filters.TenantID <= 0 {
		return nil, 0, errors.New("tenant is required")
	}
	filters.Normalize()
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, tenantID, id int64) (Warehouse, error) {
	if tenantID <= 0 || id <= 0 {
		return Warehouse{}, shared.ErrInvalidID
	}
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) Create(ctx context.Context, warehouse Warehouse) (Warehouse, error) {
	if err := s.validate(warehouse); err != nil {
		return Warehouse{}, err
	}
	return s.repo.Create(ctx, warehouse)
}

func (s *Service) Update(ctx context.Context, tenantID, id int64, warehouse Warehouse) error {
	if tenantID <= 0 || id <= 0 {
		return shared.ErrInvalidID
	}
	warehouse.TenantID = tenantID
	if err := s.validate(warehouse); err != nil {
		return err
	}
	return s.repo.Update(ctx, tenantID, id, warehouse)
}

func (s *Service) Deactivate(ctx context.Context, tenantID, id int64) error {
	if tenantID <= 0 || id <= 0 {
		return shared.ErrInvalidID
	}
	return s.repo.Deactivate(ctx, tenantID, id)
}

// NegativeStockPolicy reports whether the warehouse allows negative
// available stock. Missing or inactive warehouses return ErrNotFound.
func (s *Service) NegativeStockPolicy(ctx context.Context, tenantID, warehouseID int64) (bool, error) {
	w, err := s.Get(ctx, tenantID, warehouseID)
	if err != nil {
		return false, err
	}
	if !w.IsActive {
		return false, shared.ErrNotFound
	}
	return w.AllowNegativeStock, nil
}
