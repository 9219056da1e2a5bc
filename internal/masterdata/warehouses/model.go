package warehouses

import (
	"time"
)

// Warehouse represents a warehouse entity. AllowNegativeStock controls
// whether the posting engine may drive available quantity below zero
// in this warehouse.
type Warehouse struct {
	ID                 int64     `json:"id"`
	TenantID           int64     `json:"tenant_id"`
	Code               string    `json:"code"`
	Name               string    `json:"name"`
	Address            string    `json:"address"`
	AllowNegativeStock bool      `json:"allow_negative_stock"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
