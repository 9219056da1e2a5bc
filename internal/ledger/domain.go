package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MovementKind enumerates supported stock movements.
type MovementKind string

const (
	// MovementReceipt represents goods received into a warehouse.
	MovementReceipt MovementKind = "RECEIPT"
	// MovementIssue represents goods dispatched out of a warehouse.
	MovementIssue MovementKind = "ISSUE"
	// MovementAdjustment represents a manual signed correction.
	MovementAdjustment MovementKind = "ADJUSTMENT"
	// MovementTransferOut is the outbound leg of a warehouse transfer.
	MovementTransferOut MovementKind = "TRANSFER_OUT"
	// MovementTransferIn is the inbound leg of a warehouse transfer.
	MovementTransferIn MovementKind = "TRANSFER_IN"
	// MovementProductionIssue is raw material consumed by a work order.
	MovementProductionIssue MovementKind = "PRODUCTION_ISSUE"
	// MovementProductionReceipt is finished goods produced by a work order.
	MovementProductionReceipt MovementKind = "PRODUCTION_RECEIPT"
	// MovementScrap is a write-off of damaged or expired stock.
	MovementScrap MovementKind = "SCRAP"
	// MovementCancellation reverses a prior movement. Only
	// CancelTransaction creates entries of this kind.
	MovementCancellation MovementKind = "CANCELLATION"
)

// RefCancellation is the reference kind carried by reversal entries;
// the reference id is the original transaction id.
const RefCancellation = "CANCELLATION"

var movementKinds = map[MovementKind]struct{}{
	MovementReceipt:           {},
	MovementIssue:             {},
	MovementAdjustment:        {},
	MovementTransferOut:       {},
	MovementTransferIn:        {},
	MovementProductionIssue:   {},
	MovementProductionReceipt: {},
	MovementScrap:             {},
	MovementCancellation:      {},
}

// Valid reports whether the kind is a known movement kind.
func (k MovementKind) Valid() bool {
	_, ok := movementKinds[k]
	return ok
}

// NormalizeBatch maps the absence of a batch onto the empty-string
// sentinel so the ledger key never relies on NULL uniqueness.
func NormalizeBatch(batch string) string {
	return strings.TrimSpace(batch)
}

// Key identifies one ledger row: the current balance of one item in
// one warehouse, per batch. Batch is always the normalized form.
type Key struct {
	TenantID    int64
	ItemID      int64
	WarehouseID int64
	Batch       string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d:%s", k.TenantID, k.ItemID, k.WarehouseID, k.Batch)
}

// BalanceRow is the current-balance record for one ledger key.
// Rows are created on first movement and never deleted; a drained
// combination stays at zero.
type BalanceRow struct {
	TenantID     int64
	ItemID       int64
	WarehouseID  int64
	Batch        string
	Available    float64
	Reserved     float64
	InTransit    float64
	LastUnitCost float64
	LastTxID     int64
	UpdatedAt    time.Time
}

// Key returns the ledger key of the row.
func (b BalanceRow) Key() Key {
	return Key{TenantID: b.TenantID, ItemID: b.ItemID, WarehouseID: b.WarehouseID, Batch: b.Batch}
}

// Transaction is one immutable movement entry. After creation the only
// permitted change is the cancellation flag flipping false to true,
// together with a reason.
type Transaction struct {
	ID           int64
	TenantID     int64
	Kind         MovementKind
	ItemID       int64
	WarehouseID  int64
	Batch        string
	Quantity     float64
	UnitCost     float64
	TotalValue   float64
	RefKind      string
	RefID        string
	BalanceAfter float64
	Cancelled    bool
	CancelReason string
	CreatedBy    int64
	TxDate       time.Time
	CreatedAt    time.Time
}

// Key returns the ledger key the transaction moved.
func (t Transaction) Key() Key {
	return Key{TenantID: t.TenantID, ItemID: t.ItemID, WarehouseID: t.WarehouseID, Batch: t.Batch}
}

// MovementInput describes one physical stock movement to post.
// IdempotencyKey is an optional caller-supplied token; when set, a
// second post carrying the same token is rejected as a duplicate.
// The business reference is deliberately not used for dedupe: one
// document may legitimately produce several movements against the
// same ledger key (several lines of one goods receipt, for example).
type MovementInput struct {
	TenantID       int64
	Kind           MovementKind
	ItemID         int64
	WarehouseID    int64
	Batch          string
	Quantity       float64
	UnitCost       float64
	RefKind        string
	RefID          string
	ActorID        int64
	TxDate         time.Time
	IdempotencyKey string
}

// TransferInput describes a stock transfer between two warehouses of
// the same tenant, posted as an outbound plus an inbound movement.
type TransferInput struct {
	TenantID       int64
	ItemID         int64
	Batch          string
	SrcWarehouse   int64
	DstWarehouse   int64
	Quantity       float64
	UnitCost       float64
	RefKind        string
	RefID          string
	ActorID        int64
	IdempotencyKey string
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	TenantID    int64
	ItemID      int64
	WarehouseID int64
	Batch       *string
	RefKind     string
	RefID       string
	From        time.Time
	To          time.Time
	Limit       int
}

// Quantities are compared against this tolerance to absorb float
// accumulation noise; stored values are rounded at the same scale.
const qtyEpsilon = 1e-9

var (
	// ErrInsufficientStock is returned when a post would drive the
	// available quantity negative in a warehouse that disallows it.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrInvalidQuantity indicates a zero movement quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be non zero")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")
	// ErrInvalidMovementKind indicates an unknown movement kind, or a
	// CANCELLATION posted directly instead of via CancelTransaction.
	ErrInvalidMovementKind = errors.New("ledger: invalid movement kind")
	// ErrNotFound indicates the transaction does not exist for the tenant.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrAlreadyCancelled indicates the transaction is already cancelled.
	ErrAlreadyCancelled = errors.New("ledger: transaction already cancelled")
	// ErrDirectMutationBlocked is raised when ledger state is written
	// outside the posting engine. This is a programming error, not a
	// user-facing condition.
	ErrDirectMutationBlocked = errors.New("ledger: direct mutation blocked")
	// ErrImmutableHistory is raised when a transaction row is altered
	// beyond the single permitted cancellation transition.
	ErrImmutableHistory = errors.New("ledger: transaction history is immutable")
	// ErrNegativeCounter is raised when a reservation or in-transit
	// adjustment would drop the counter below zero.
	ErrNegativeCounter = errors.New("ledger: counter cannot go negative")
	// ErrWarehouseNotFound indicates the warehouse is missing or owned
	// by a different tenant.
	ErrWarehouseNotFound = errors.New("ledger: warehouse not found for tenant")
	// ErrItemNotFound indicates the item is missing or owned by a
	// different tenant.
	ErrItemNotFound = errors.New("ledger: item not found for tenant")
	// ErrBalanceNotFound indicates a missing balance row.
	ErrBalanceNotFound = errors.New("ledger: balance row not found")
)

// validateTransactionUpdate enforces the append-only rule: the only
// legal post-creation change is the cancellation flag moving from
// false to true, optionally carrying a reason. Both the in-memory
// store and the storage triggers apply the same rule.
func validateTransactionUpdate(old, updated Transaction) error {
	if old.Cancelled {
		return ErrAlreadyCancelled
	}
	if !updated.Cancelled {
		return ErrImmutableHistory
	}
	same := old.ID == updated.ID &&
		old.TenantID == updated.TenantID &&
		old.Kind == updated.Kind &&
		old.ItemID == updated.ItemID &&
		old.WarehouseID == updated.WarehouseID &&
		old.Batch == updated.Batch &&
		old.Quantity == updated.Quantity &&
		old.UnitCost == updated.UnitCost &&
		old.TotalValue == updated.TotalValue &&
		old.RefKind == updated.RefKind &&
		old.RefID == updated.RefID &&
		old.BalanceAfter == updated.BalanceAfter &&
		old.CreatedBy == updated.CreatedBy &&
		old.TxDate.Equal(updated.TxDate) &&
		old.CreatedAt.Equal(updated.CreatedAt)
	if !same {
		return ErrImmutableHistory
	}
	return nil
}
