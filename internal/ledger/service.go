package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/quartermaster-erp/quartermaster/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort deduplicates posts by business reference.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// WarehousePolicy resolves warehouse existence and the negative-stock
// policy for a tenant. Implemented by the masterdata module; must
// return ErrWarehouseNotFound when the warehouse does not belong to
// the tenant.
type WarehousePolicy interface {
	AllowNegativeStock(ctx context.Context, tenantID, warehouseID int64) (bool, error)
}

// ItemCatalog resolves item existence for a tenant.
type ItemCatalog interface {
	ItemExists(ctx context.Context, tenantID, itemID int64) (bool, error)
}

// MetricsPort records posting outcomes.
type MetricsPort interface {
	PostRecorded(kind string, duration time.Duration)
	PostFailed(reason string)
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Metrics MetricsPort
	Cache   *BalanceCache
}

// Service is the posting engine: the single owner of all writes to the
// stock ledger and the transaction log.
type Service struct {
	repo       RepositoryPort
	audit      AuditPort
	idem       IdempotencyPort
	warehouses WarehousePolicy
	items      ItemCatalog
	locks      *shared.KeyedMutex
	metrics    MetricsPort
	cache      *BalanceCache
	now        func() time.Time
}

// NewService builds the posting engine.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, warehouses WarehousePolicy, items ItemCatalog, cfg ServiceConfig) *Service {
	return &Service{
		repo:       repo,
		audit:      audit,
		idem:       idem,
		warehouses: warehouses,
		items:      items,
		locks:      shared.NewKeyedMutex(),
		metrics:    cfg.Metrics,
		cache:      cfg.Cache,
		now:        time.Now,
	}
}

// WithNow overrides the engine clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// movement is the validated internal form of one posting.
type movement struct {
	key           Key
	kind          MovementKind
	quantity      float64
	unitCost      float64
	refKind       string
	refID         string
	actorID       int64
	txDate        time.Time
	allowNegative bool
	cancelled     bool
	cancelReason  string
	idemKey       string
}

// Post applies one stock movement: it locks the ledger key, verifies
// the non-negative-stock policy, and writes the transaction entry plus
// the updated balance in one atomic unit. On any failure nothing is
// written.
func (s *Service) Post(ctx context.Context, input MovementInput) (Transaction, error) {
	if input.Kind == MovementCancellation {
		return Transaction{}, fmt.Errorf("%w: cancellations are created via CancelTransaction", ErrInvalidMovementKind)
	}
	m, err := s.prepare(ctx, input)
	if err != nil {
		s.countFailure(err)
		return Transaction{}, err
	}
	return s.postMovement(ctx, m)
}

func (s *Service) prepare(ctx context.Context, input MovementInput) (movement, error) {
	if input.TenantID <= 0 {
		return movement{}, errors.New("ledger: tenant required")
	}
	if !input.Kind.Valid() {
		return movement{}, ErrInvalidMovementKind
	}
	if input.ItemID <= 0 || input.WarehouseID <= 0 {
		return movement{}, errors.New("ledger: item and warehouse required")
	}
	if math.Abs(input.Quantity) < qtyEpsilon {
		return movement{}, ErrInvalidQuantity
	}
	if err := checkQuantitySign(input.Kind, input.Quantity); err != nil {
		return movement{}, err
	}
	if input.UnitCost < 0 {
		return movement{}, ErrInvalidUnitCost
	}
	if input.RefKind == "" || input.RefID == "" {
		return movement{}, errors.New("ledger: reference kind and id required")
	}

	allowNeg, err := s.warehouses.AllowNegativeStock(ctx, input.TenantID, input.WarehouseID)
	if err != nil {
		return movement{}, err
	}
	if s.items != nil {
		ok, err := s.items.ItemExists(ctx, input.TenantID, input.ItemID)
		if err != nil {
			return movement{}, err
		}
		if !ok {
			return movement{}, ErrItemNotFound
		}
	}

	txDate := input.TxDate
	if txDate.IsZero() {
		txDate = s.now().UTC()
	}
	return movement{
		key: Key{
			TenantID:    input.TenantID,
			ItemID:      input.ItemID,
			WarehouseID: input.WarehouseID,
			Batch:       NormalizeBatch(input.Batch),
		},
		kind:          input.Kind,
		quantity:      input.Quantity,
		unitCost:      input.UnitCost,
		refKind:       input.RefKind,
		refID:         input.RefID,
		actorID:       input.ActorID,
		txDate:        txDate,
		allowNegative: allowNeg,
		idemKey:       strings.TrimSpace(input.IdempotencyKey),
	}, nil
}

// transferLegKey derives per-leg dedupe tokens from one transfer
// token, so a retried transfer skips whichever legs already landed.
func transferLegKey(key, leg string) string {
	if key == "" {
		return ""
	}
	return key + ":" + leg
}

// checkQuantitySign rejects movements whose sign contradicts the kind.
func checkQuantitySign(kind MovementKind, qty float64) error {
	switch kind {
	case MovementReceipt, MovementProductionReceipt, MovementTransferIn:
		if qty < 0 {
			return fmt.Errorf("%w: %s quantity must be positive", ErrInvalidQuantity, kind)
		}
	case MovementIssue, MovementProductionIssue, MovementScrap, MovementTransferOut:
		if qty > 0 {
			return fmt.Errorf("%w: %s quantity must be negative", ErrInvalidQuantity, kind)
		}
	}
	return nil
}

func (s *Service) postMovement(ctx context.Context, m movement) (Transaction, error) {
	unlock := s.locks.Lock(m.key.String())
	defer unlock()

	idemKey := ""
	if s.idem != nil && m.idemKey != "" {
		idemKey = m.idemKey
		if err := s.idem.CheckAndInsert(ctx, idemKey, "ledger"); err != nil {
			s.countFailure(err)
			return Transaction{}, err
		}
	}

	start := s.now()
	var created Transaction
	err := s.repo.WithPosting(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = s.apply(ctx, tx, m)
		return err
	})
	if err != nil {
		if idemKey != "" {
			_ = s.idem.Delete(ctx, idemKey)
		}
		s.countFailure(err)
		return Transaction{}, err
	}

	s.afterCommit(ctx, created, start)
	return created, nil
}

// apply computes and writes one movement against an already-locked
// posting unit of work. Callers hold the per-key lock.
func (s *Service) apply(ctx context.Context, tx TxRepository, m movement) (Transaction, error) {
	bal, err := tx.GetBalanceForUpdate(ctx, m.key)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Transaction{}, err
	}

	newAvailable := bal.Available + m.quantity
	if math.Abs(newAvailable) < qtyEpsilon {
		newAvailable = 0
	}
	if newAvailable < -qtyEpsilon && !m.allowNegative {
		return Transaction{}, ErrInsufficientStock
	}

	record := Transaction{
		TenantID:     m.key.TenantID,
		Kind:         m.kind,
		ItemID:       m.key.ItemID,
		WarehouseID:  m.key.WarehouseID,
		Batch:        m.key.Batch,
		Quantity:     m.quantity,
		UnitCost:     m.unitCost,
		TotalValue:   m.quantity * m.unitCost,
		RefKind:      m.refKind,
		RefID:        m.refID,
		BalanceAfter: newAvailable,
		Cancelled:    m.cancelled,
		CancelReason: m.cancelReason,
		CreatedBy:    m.actorID,
		TxDate:       m.txDate,
		CreatedAt:    s.now().UTC(),
	}
	id, err := tx.InsertTransaction(ctx, record)
	if err != nil {
		return Transaction{}, err
	}
	record.ID = id

	bal.Available = newAvailable
	if m.unitCost > 0 {
		bal.LastUnitCost = m.unitCost
	}
	bal.LastTxID = id
	bal.UpdatedAt = record.CreatedAt
	if err := tx.UpsertBalance(ctx, bal); err != nil {
		return Transaction{}, err
	}
	return record, nil
}

// CancelTransaction flips the cancellation flag of the original entry
// and posts the additive inverse as a CANCELLATION movement, both in
// the same atomic unit. The reversal is born cancelled: it annuls the
// original and can never itself be reversed.
func (s *Service) CancelTransaction(ctx context.Context, tenantID, txID int64, reason string, actorID int64) (Transaction, error) {
	if tenantID <= 0 {
		return Transaction{}, errors.New("ledger: tenant required")
	}
	if strings.TrimSpace(reason) == "" {
		return Transaction{}, errors.New("ledger: cancellation reason required")
	}

	orig, err := s.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		s.countFailure(err)
		return Transaction{}, err
	}
	if orig.Cancelled {
		s.countFailure(ErrAlreadyCancelled)
		return Transaction{}, ErrAlreadyCancelled
	}

	allowNeg, err := s.warehouses.AllowNegativeStock(ctx, tenantID, orig.WarehouseID)
	if err != nil {
		s.countFailure(err)
		return Transaction{}, err
	}

	key := orig.Key()
	unlock := s.locks.Lock(key.String())
	defer unlock()

	start := s.now()
	var reversal Transaction
	err = s.repo.WithPosting(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTransactionForUpdate(ctx, tenantID, txID)
		if err != nil {
			return err
		}
		if current.Cancelled {
			return ErrAlreadyCancelled
		}
		if err := tx.MarkCancelled(ctx, tenantID, txID, reason); err != nil {
			return err
		}
		reversal, err = s.apply(ctx, tx, movement{
			key:           key,
			kind:          MovementCancellation,
			quantity:      -current.Quantity,
			unitCost:      current.UnitCost,
			refKind:       RefCancellation,
			refID:         strconv.FormatInt(txID, 10),
			actorID:       actorID,
			txDate:        s.now().UTC(),
			allowNegative: allowNeg,
			cancelled:     true,
			cancelReason:  reason,
		})
		return err
	})
	if err != nil {
		s.countFailure(err)
		return Transaction{}, err
	}

	s.afterCommit(ctx, reversal, start)
	return reversal, nil
}

// CounterAdjustment moves a secondary counter (reserved or in-transit)
// on a ledger row.
type CounterAdjustment struct {
	TenantID    int64
	ItemID      int64
	WarehouseID int64
	Batch       string
	Delta       float64
	ActorID     int64
}

// AdjustReservation moves the reserved counter by delta. Reservations
// track committed-but-not-shipped demand and never feed the
// negative-stock check.
func (s *Service) AdjustReservation(ctx context.Context, adj CounterAdjustment) (BalanceRow, error) {
	return s.adjustCounter(ctx, adj, "RESERVATION")
}

// AdjustInTransit moves the in-transit counter by delta, used by
// two-phase transfers.
func (s *Service) AdjustInTransit(ctx context.Context, adj CounterAdjustment) (BalanceRow, error) {
	return s.adjustCounter(ctx, adj, "IN_TRANSIT")
}

func (s *Service) adjustCounter(ctx context.Context, adj CounterAdjustment, counter string) (BalanceRow, error) {
	if adj.TenantID <= 0 || adj.ItemID <= 0 || adj.WarehouseID <= 0 {
		return BalanceRow{}, errors.New("ledger: tenant, item and warehouse required")
	}
	if math.Abs(adj.Delta) < qtyEpsilon {
		return BalanceRow{}, ErrInvalidQuantity
	}
	if _, err := s.warehouses.AllowNegativeStock(ctx, adj.TenantID, adj.WarehouseID); err != nil {
		return BalanceRow{}, err
	}

	key := Key{TenantID: adj.TenantID, ItemID: adj.ItemID, WarehouseID: adj.WarehouseID, Batch: NormalizeBatch(adj.Batch)}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	var updated BalanceRow
	err := s.repo.WithPosting(ctx, func(ctx context.Context, tx TxRepository) error {
		bal, err := tx.GetBalanceForUpdate(ctx, key)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		var next float64
		switch counter {
		case "RESERVATION":
			next = bal.Reserved + adj.Delta
		default:
			next = bal.InTransit + adj.Delta
		}
		if math.Abs(next) < qtyEpsilon {
			next = 0
		}
		if next < -qtyEpsilon {
			return ErrNegativeCounter
		}
		switch counter {
		case "RESERVATION":
			bal.Reserved = next
		default:
			bal.InTransit = next
		}
		if err := tx.UpsertBalance(ctx, bal); err != nil {
			return err
		}
		updated = bal
		return nil
	})
	if err != nil {
		s.countFailure(err)
		return BalanceRow{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: adj.TenantID,
			ActorID:  adj.ActorID,
			Action:   "ledger:" + counter,
			Entity:   "stock_ledger",
			EntityID: key.String(),
			Meta:     map[string]any{"delta": adj.Delta},
		})
	}
	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
	return updated, nil
}

// PostTransfer moves stock between warehouses as an outbound post at
// the source followed by an inbound post at the destination. If the
// inbound leg fails, the outbound leg is reversed.
func (s *Service) PostTransfer(ctx context.Context, input TransferInput) (Transaction, Transaction, error) {
	if input.SrcWarehouse == input.DstWarehouse {
		return Transaction{}, Transaction{}, errors.New("ledger: source and destination warehouse must differ")
	}
	if input.Quantity <= 0 {
		return Transaction{}, Transaction{}, ErrInvalidQuantity
	}

	out, err := s.Post(ctx, MovementInput{
		TenantID:       input.TenantID,
		Kind:           MovementTransferOut,
		ItemID:         input.ItemID,
		WarehouseID:    input.SrcWarehouse,
		Batch:          input.Batch,
		Quantity:       -input.Quantity,
		UnitCost:       input.UnitCost,
		RefKind:        input.RefKind,
		RefID:          input.RefID,
		ActorID:        input.ActorID,
		IdempotencyKey: transferLegKey(input.IdempotencyKey, "out"),
	})
	if err != nil {
		return Transaction{}, Transaction{}, err
	}

	in, err := s.Post(ctx, MovementInput{
		TenantID:       input.TenantID,
		Kind:           MovementTransferIn,
		ItemID:         input.ItemID,
		WarehouseID:    input.DstWarehouse,
		Batch:          input.Batch,
		Quantity:       input.Quantity,
		UnitCost:       input.UnitCost,
		RefKind:        input.RefKind,
		RefID:          input.RefID,
		ActorID:        input.ActorID,
		IdempotencyKey: transferLegKey(input.IdempotencyKey, "in"),
	})
	if err != nil {
		if _, cancelErr := s.CancelTransaction(ctx, input.TenantID, out.ID, "transfer inbound leg failed", input.ActorID); cancelErr != nil {
			return Transaction{}, Transaction{}, errors.Join(err, cancelErr)
		}
		return Transaction{}, Transaction{}, err
	}
	return out, in, nil
}

// GetBalance returns the current balance row for the combination,
// zero-valued when no movement has touched it yet.
func (s *Service) GetBalance(ctx context.Context, tenantID, itemID, warehouseID int64, batch string) (BalanceRow, error) {
	if tenantID <= 0 || itemID <= 0 || warehouseID <= 0 {
		return BalanceRow{}, errors.New("ledger: tenant, item and warehouse required")
	}
	key := Key{TenantID: tenantID, ItemID: itemID, WarehouseID: warehouseID, Batch: NormalizeBatch(batch)}

	load := func(ctx context.Context) (BalanceRow, error) {
		bal, err := s.repo.GetBalance(ctx, key)
		if errors.Is(err, ErrBalanceNotFound) {
			return BalanceRow{TenantID: key.TenantID, ItemID: key.ItemID, WarehouseID: key.WarehouseID, Batch: key.Batch}, nil
		}
		return bal, err
	}
	if s.cache != nil {
		return s.cache.Fetch(ctx, key, load)
	}
	return load(ctx)
}

// ListTransactions returns movement history matching the filter.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.TenantID <= 0 {
		return nil, errors.New("ledger: tenant required")
	}
	return s.repo.ListTransactions(ctx, filter)
}

// GetTransaction returns one transaction scoped to the tenant.
func (s *Service) GetTransaction(ctx context.Context, tenantID, txID int64) (Transaction, error) {
	if tenantID <= 0 {
		return Transaction{}, errors.New("ledger: tenant required")
	}
	return s.repo.GetTransaction(ctx, tenantID, txID)
}

func (s *Service) afterCommit(ctx context.Context, created Transaction, start time.Time) {
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: created.TenantID,
			ActorID:  created.CreatedBy,
			Action:   "ledger:" + string(created.Kind),
			Entity:   "stock_transaction",
			EntityID: strconv.FormatInt(created.ID, 10),
			Meta: map[string]any{
				"item_id":       created.ItemID,
				"warehouse_id":  created.WarehouseID,
				"batch":         created.Batch,
				"quantity":      created.Quantity,
				"ref_kind":      created.RefKind,
				"ref_id":        created.RefID,
				"balance_after": created.BalanceAfter,
			},
		})
	}
	if s.metrics != nil {
		s.metrics.PostRecorded(string(created.Kind), s.now().Sub(start))
	}
	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
}

func (s *Service) countFailure(err error) {
	if s.metrics == nil || err == nil {
		return
	}
	s.metrics.PostFailed(failureReason(err))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrAlreadyCancelled):
		return "already_cancelled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDirectMutationBlocked), errors.Is(err, ErrImmutableHistory):
		return "guard"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost), errors.Is(err, ErrInvalidMovementKind):
		return "invalid_input"
	case errors.Is(err, ErrWarehouseNotFound), errors.Is(err, ErrItemNotFound):
		return "unknown_target"
	case errors.Is(err, ErrNegativeCounter):
		return "negative_counter"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return "duplicate_reference"
	default:
		return "internal"
	}
}
