package items

import (
	"time"
)

// Item represents a stock-keeping unit. BatchTracked items carry a
// batch identifier on every ledger movement.
type Item struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	SKU          string    `json:"sku"`
	Name         string    `json:"name"`
	UOM          string    `json:"uom"`
	BatchTracked bool      `json:"batch_tracked"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
