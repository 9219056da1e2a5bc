package items

import (
	"errors"
	"strings"
)

func (s *Service) validate(it Item) error {
	if it.TenantID <= 0 {
		return errors.New("tenant is required")
	}
	if strings.TrimSpace(it.SKU) == "" {
		return errors.New("item SKU is required")
	}
	if strings.TrimSpace(it.Name) == "" {
		return errors.New("item name is required")
	}
	if strings.TrimSpace(it.UOM) == "" {
		return errors.New("item unit of measure is required")
	}
	return nil
}
