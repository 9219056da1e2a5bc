package ledger

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/quartermaster-erp/quartermaster/internal/shared"
	_ "github.com/quartermaster-erp/quartermaster/internal/testing/guard"
)

type memoryStore struct {
	mu       sync.Mutex
	balances map[Key]BalanceRow
	txs      map[int64]Transaction
	order    []int64
	nextID   int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		balances: map[Key]BalanceRow{},
		txs:      map[int64]Transaction{},
		nextID:   1,
	}
}

type memoryTx struct {
	balances map[Key]BalanceRow
	txs      map[int64]Transaction
	order    []int64
	nextID   int64
}

// WithPosting stages all writes and commits them only when fn
// succeeds, mirroring the transactional repository.
func (m *memoryStore) WithPosting(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := &memoryTx{
		balances: make(map[Key]BalanceRow, len(m.balances)),
		txs:      make(map[int64]Transaction, len(m.txs)),
		order:    append([]int64(nil), m.order...),
		nextID:   m.nextID,
	}
	for k, v := range m.balances {
		staged.balances[k] = v
	}
	for id, t := range m.txs {
		staged.txs[id] = t
	}

	if err := fn(withPostingContext(ctx), staged); err != nil {
		return err
	}
	m.balances = staged.balances
	m.txs = staged.txs
	m.order = staged.order
	m.nextID = staged.nextID
	return nil
}

func (m *memoryStore) GetBalance(_ context.Context, key Key) (BalanceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[key]
	if !ok {
		return BalanceRow{}, ErrBalanceNotFound
	}
	return bal, nil
}

func (m *memoryStore) GetTransaction(_ context.Context, tenantID, txID int64) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok || t.TenantID != tenantID {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Transaction{}
	for _, id := range m.order {
		t := m.txs[id]
		if t.TenantID != filter.TenantID {
			continue
		}
		if filter.ItemID != 0 && t.ItemID != filter.ItemID {
			continue
		}
		if filter.WarehouseID != 0 && t.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Batch != nil && t.Batch != NormalizeBatch(*filter.Batch) {
			continue
		}
		if filter.RefKind != "" && t.RefKind != filter.RefKind {
			continue
		}
		if filter.RefID != "" && t.RefID != filter.RefID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memoryTx) GetBalanceForUpdate(_ context.Context, key Key) (BalanceRow, error) {
	bal, ok := m.balances[key]
	if !ok {
		return BalanceRow{TenantID: key.TenantID, ItemID: key.ItemID, WarehouseID: key.WarehouseID, Batch: key.Batch}, ErrBalanceNotFound
	}
	return bal, nil
}

func (m *memoryTx) UpsertBalance(ctx context.Context, row BalanceRow) error {
	if err := requirePostingContext(ctx); err != nil {
		return err
	}
	m.balances[row.Key()] = row
	return nil
}

func (m *memoryTx) InsertTransaction(ctx context.Context, t Transaction) (int64, error) {
	if err := requirePostingContext(ctx); err != nil {
		return 0, err
	}
	t.ID = m.nextID
	m.nextID++
	m.txs[t.ID] = t
	m.order = append(m.order, t.ID)
	return t.ID, nil
}

func (m *memoryTx) GetTransactionForUpdate(_ context.Context, tenantID, txID int64) (Transaction, error) {
	t, ok := m.txs[txID]
	if !ok || t.TenantID != tenantID {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryTx) MarkCancelled(ctx context.Context, tenantID, txID int64, reason string) error {
	if err := requirePostingContext(ctx); err != nil {
		return err
	}
	cur, ok := m.txs[txID]
	if !ok || cur.TenantID != tenantID {
		return ErrNotFound
	}
	updated := cur
	updated.Cancelled = true
	updated.CancelReason = reason
	if err := validateTransactionUpdate(cur, updated); err != nil {
		return err
	}
	m.txs[txID] = updated
	return nil
}

type stubPolicy struct {
	allowNegative map[int64]bool
	missing       map[int64]bool
}

func (p *stubPolicy) AllowNegativeStock(_ context.Context, _, warehouseID int64) (bool, error) {
	if p.missing[warehouseID] {
		return false, ErrWarehouseNotFound
	}
	return p.allowNegative[warehouseID], nil
}

type stubCatalog struct {
	missing map[int64]bool
}

func (c *stubCatalog) ItemExists(_ context.Context, _, itemID int64) (bool, error) {
	return !c.missing[itemID], nil
}

type memoryIdem struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newMemoryIdem() *memoryIdem {
	return &memoryIdem{keys: map[string]struct{}{}}
}

func (m *memoryIdem) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryIdem) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type auditRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type stubMetrics struct {
	mu       sync.Mutex
	posted   map[string]int
	failures map[string]int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{posted: map[string]int{}, failures: map[string]int{}}
}

func (m *stubMetrics) PostRecorded(kind string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted[kind]++
}

func (m *stubMetrics) PostFailed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[reason]++
}

type testEnv struct {
	service *Service
	store   *memoryStore
	policy  *stubPolicy
	catalog *stubCatalog
	idem    *memoryIdem
	audit   *auditRecorder
	metrics *stubMetrics
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:   newMemoryStore(),
		policy:  &stubPolicy{allowNegative: map[int64]bool{}, missing: map[int64]bool{}},
		catalog: &stubCatalog{missing: map[int64]bool{}},
		idem:    newMemoryIdem(),
		audit:   &auditRecorder{},
		metrics: newStubMetrics(),
	}
	env.service = NewService(env.store, env.audit, env.idem, env.policy, env.catalog, ServiceConfig{Metrics: env.metrics})
	return env
}

func receipt(qty float64, refID string) MovementInput {
	return MovementInput{
		TenantID:    1,
		Kind:        MovementReceipt,
		ItemID:      100,
		WarehouseID: 10,
		Quantity:    qty,
		UnitCost:    5,
		RefKind:     "GRN",
		RefID:       refID,
		ActorID:     7,
	}
}

func issue(qty float64, refID string) MovementInput {
	return MovementInput{
		TenantID:    1,
		Kind:        MovementIssue,
		ItemID:      100,
		WarehouseID: 10,
		Quantity:    qty,
		UnitCost:    5,
		RefKind:     "DO",
		RefID:       refID,
		ActorID:     7,
	}
}

func TestPostReceiptCreatesBalance(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	tx, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)
	require.NotZero(t, tx.ID)
	require.Equal(t, MovementReceipt, tx.Kind)
	require.Equal(t, 10.0, tx.Quantity)
	require.Equal(t, 50.0, tx.TotalValue)
	require.Equal(t, 10.0, tx.BalanceAfter)
	require.False(t, tx.Cancelled)

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Equal(t, 10.0, bal.Available)
	require.Equal(t, 5.0, bal.LastUnitCost)
	require.Equal(t, tx.ID, bal.LastTxID)

	require.Equal(t, 1, env.metrics.posted["RECEIPT"])
	require.Len(t, env.audit.logs, 1)
	require.Equal(t, "ledger:RECEIPT", env.audit.logs[0].Action)
}

func TestPostNormalizesBatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	in := receipt(4, "GRN-B")
	in.Batch = "  LOT-9  "
	tx, err := env.service.Post(ctx, in)
	require.NoError(t, err)
	require.Equal(t, "LOT-9", tx.Batch)

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "LOT-9")
	require.NoError(t, err)
	require.Equal(t, 4.0, bal.Available)
}

func TestPostInsufficientStock(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.service.Post(ctx, issue(-5, "DO-1"))
	require.ErrorIs(t, err, ErrInsufficientStock)

	require.Empty(t, env.store.txs)
	require.Empty(t, env.store.balances)
	require.Equal(t, 1, env.metrics.failures["insufficient_stock"])

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Zero(t, bal.Available)
}

func TestPostAllowNegativeWarehouse(t *testing.T) {
	env := newTestEnv()
	env.policy.allowNegative[10] = true
	ctx := context.Background()

	tx, err := env.service.Post(ctx, issue(-5, "DO-1"))
	require.NoError(t, err)
	require.Equal(t, -5.0, tx.BalanceAfter)

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Equal(t, -5.0, bal.Available)
}

func TestPostRejectsInvalidInput(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*MovementInput)
		wantErr error
	}{
		{"zero quantity", func(m *MovementInput) { m.Quantity = 0 }, ErrInvalidQuantity},
		{"unknown kind", func(m *MovementInput) { m.Kind = "TELEPORT" }, ErrInvalidMovementKind},
		{"direct cancellation", func(m *MovementInput) { m.Kind = MovementCancellation }, ErrInvalidMovementKind},
		{"negative cost", func(m *MovementInput) { m.UnitCost = -1 }, ErrInvalidUnitCost},
		{"receipt with negative quantity", func(m *MovementInput) { m.Quantity = -3 }, ErrInvalidQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := receipt(10, "GRN-X")
			tc.mutate(&in)
			_, err := env.service.Post(ctx, in)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}

	in := receipt(10, "")
	_, err := env.service.Post(ctx, in)
	require.Error(t, err)
	require.Empty(t, env.store.txs)
}

func TestPostUnknownWarehouseAndItem(t *testing.T) {
	env := newTestEnv()
	env.policy.missing[99] = true
	env.catalog.missing[500] = true
	ctx := context.Background()

	in := receipt(10, "GRN-1")
	in.WarehouseID = 99
	_, err := env.service.Post(ctx, in)
	require.ErrorIs(t, err, ErrWarehouseNotFound)

	in = receipt(10, "GRN-2")
	in.ItemID = 500
	_, err = env.service.Post(ctx, in)
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestConcurrentPostsSameKey(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	const workers = 25
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		refID := "GRN-" + strconv.Itoa(i)
		g.Go(func() error {
			_, err := env.service.Post(ctx, receipt(2, refID))
			return err
		})
	}
	require.NoError(t, g.Wait())

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Equal(t, float64(workers*2), bal.Available)

	txs, err := env.service.ListTransactions(ctx, TransactionFilter{TenantID: 1})
	require.NoError(t, err)
	require.Len(t, txs, workers)

	seen := map[float64]bool{}
	for _, tx := range txs {
		require.False(t, seen[tx.BalanceAfter], "balance_after %v repeated", tx.BalanceAfter)
		seen[tx.BalanceAfter] = true
	}
}

func TestCancelTransaction(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	orig, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)

	reversal, err := env.service.CancelTransaction(ctx, 1, orig.ID, "posted in error", 9)
	require.NoError(t, err)
	require.Equal(t, MovementCancellation, reversal.Kind)
	require.Equal(t, -10.0, reversal.Quantity)
	require.Equal(t, RefCancellation, reversal.RefKind)
	require.Equal(t, strconv.FormatInt(orig.ID, 10), reversal.RefID)
	require.True(t, reversal.Cancelled)
	require.Equal(t, 0.0, reversal.BalanceAfter)

	stored, err := env.service.GetTransaction(ctx, 1, orig.ID)
	require.NoError(t, err)
	require.True(t, stored.Cancelled)
	require.Equal(t, "posted in error", stored.CancelReason)

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Zero(t, bal.Available)

	// The log conserves: every movement is matched by its reversal.
	txs, err := env.service.ListTransactions(ctx, TransactionFilter{TenantID: 1})
	require.NoError(t, err)
	var sum float64
	for _, tx := range txs {
		sum += tx.Quantity
	}
	require.Zero(t, sum)
}

func TestCancelTransactionTwice(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	orig, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)
	_, err = env.service.CancelTransaction(ctx, 1, orig.ID, "first", 9)
	require.NoError(t, err)

	_, err = env.service.CancelTransaction(ctx, 1, orig.ID, "second", 9)
	require.ErrorIs(t, err, ErrAlreadyCancelled)
}

func TestCancelUnknownTransaction(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.service.CancelTransaction(ctx, 1, 404, "missing", 9)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.service.CancelTransaction(ctx, 1, 1, "   ", 9)
	require.Error(t, err)
}

func TestCancelReversalRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	orig, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)
	reversal, err := env.service.CancelTransaction(ctx, 1, orig.ID, "undo", 9)
	require.NoError(t, err)

	_, err = env.service.CancelTransaction(ctx, 1, reversal.ID, "undo the undo", 9)
	require.ErrorIs(t, err, ErrAlreadyCancelled)
}

func TestCancelBlockedWhenStockConsumed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	orig, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)
	_, err = env.service.Post(ctx, issue(-10, "DO-1"))
	require.NoError(t, err)

	// Reversing the receipt would drive available to -10.
	_, err = env.service.CancelTransaction(ctx, 1, orig.ID, "late undo", 9)
	require.ErrorIs(t, err, ErrInsufficientStock)

	stored, err := env.service.GetTransaction(ctx, 1, orig.ID)
	require.NoError(t, err)
	require.False(t, stored.Cancelled)

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Zero(t, bal.Available)
}

func TestDuplicateIdempotencyKeyRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	in := receipt(10, "GRN-1")
	in.IdempotencyKey = "grn-1-line-1"
	_, err := env.service.Post(ctx, in)
	require.NoError(t, err)

	_, err = env.service.Post(ctx, in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Equal(t, 1, env.metrics.failures["duplicate_reference"])

	txs, err := env.service.ListTransactions(ctx, TransactionFilter{TenantID: 1})
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestRepeatedReferenceWithoutKeyAllowed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Two lines of one goods receipt hit the same ledger key and share
	// the document reference; both are real movements.
	_, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)
	_, err = env.service.Post(ctx, receipt(4, "GRN-1"))
	require.NoError(t, err)

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Equal(t, 14.0, bal.Available)

	txs, err := env.service.ListTransactions(ctx, TransactionFilter{TenantID: 1, RefID: "GRN-1"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
}

func TestFailedPostReleasesIdempotencyKey(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	out := issue(-5, "DO-1")
	out.IdempotencyKey = "do-1"
	_, err := env.service.Post(ctx, out)
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = env.service.Post(ctx, receipt(5, "GRN-1"))
	require.NoError(t, err)

	// Same token as the failed attempt must now succeed.
	_, err = env.service.Post(ctx, out)
	require.NoError(t, err)
}

func TestReservationFloor(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	adj := CounterAdjustment{TenantID: 1, ItemID: 100, WarehouseID: 10, Delta: 5, ActorID: 7}
	bal, err := env.service.AdjustReservation(ctx, adj)
	require.NoError(t, err)
	require.Equal(t, 5.0, bal.Reserved)

	adj.Delta = -3
	bal, err = env.service.AdjustReservation(ctx, adj)
	require.NoError(t, err)
	require.Equal(t, 2.0, bal.Reserved)

	adj.Delta = -5
	_, err = env.service.AdjustReservation(ctx, adj)
	require.ErrorIs(t, err, ErrNegativeCounter)

	bal, err = env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Equal(t, 2.0, bal.Reserved)
	require.Zero(t, bal.Available)
}

func TestInTransitCounter(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	adj := CounterAdjustment{TenantID: 1, ItemID: 100, WarehouseID: 10, Delta: 8, ActorID: 7}
	bal, err := env.service.AdjustInTransit(ctx, adj)
	require.NoError(t, err)
	require.Equal(t, 8.0, bal.InTransit)

	adj.Delta = -9
	_, err = env.service.AdjustInTransit(ctx, adj)
	require.ErrorIs(t, err, ErrNegativeCounter)
}

func TestPostTransfer(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)

	out, in, err := env.service.PostTransfer(ctx, TransferInput{
		TenantID:     1,
		ItemID:       100,
		SrcWarehouse: 10,
		DstWarehouse: 20,
		Quantity:     4,
		UnitCost:     5,
		RefKind:      "TRF",
		RefID:        "TRF-1",
		ActorID:      7,
	})
	require.NoError(t, err)
	require.Equal(t, MovementTransferOut, out.Kind)
	require.Equal(t, -4.0, out.Quantity)
	require.Equal(t, MovementTransferIn, in.Kind)
	require.Equal(t, 4.0, in.Quantity)

	src, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Equal(t, 6.0, src.Available)
	dst, err := env.service.GetBalance(ctx, 1, 100, 20, "")
	require.NoError(t, err)
	require.Equal(t, 4.0, dst.Available)
}

func TestPostTransferCompensatesFailedInbound(t *testing.T) {
	env := newTestEnv()
	env.policy.missing[20] = true
	ctx := context.Background()

	_, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)

	_, _, err = env.service.PostTransfer(ctx, TransferInput{
		TenantID:     1,
		ItemID:       100,
		SrcWarehouse: 10,
		DstWarehouse: 20,
		Quantity:     4,
		UnitCost:     5,
		RefKind:      "TRF",
		RefID:        "TRF-1",
		ActorID:      7,
	})
	require.ErrorIs(t, err, ErrWarehouseNotFound)

	// The outbound leg must be rolled back by a reversal.
	src, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Equal(t, 10.0, src.Available)

	txs, err := env.service.ListTransactions(ctx, TransactionFilter{TenantID: 1, RefKind: RefCancellation})
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestPostTransferRejectsSameWarehouse(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, _, err := env.service.PostTransfer(ctx, TransferInput{
		TenantID:     1,
		ItemID:       100,
		SrcWarehouse: 10,
		DstWarehouse: 10,
		Quantity:     4,
		RefKind:      "TRF",
		RefID:        "TRF-1",
		ActorID:      7,
	})
	require.Error(t, err)
}

func TestGetBalanceUntouchedCombination(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "LOT-1")
	require.NoError(t, err)
	require.Zero(t, bal.Available)
	require.Equal(t, "LOT-1", bal.Batch)
}

func TestPostingContextGuard(t *testing.T) {
	require.ErrorIs(t, requirePostingContext(context.Background()), ErrDirectMutationBlocked)
	require.NoError(t, requirePostingContext(withPostingContext(context.Background())))
}

func TestTransactionImmutability(t *testing.T) {
	orig := Transaction{ID: 1, TenantID: 1, Kind: MovementReceipt, Quantity: 10, RefKind: "GRN", RefID: "GRN-1"}

	cancelled := orig
	cancelled.Cancelled = true
	cancelled.CancelReason = "ok"
	require.NoError(t, validateTransactionUpdate(orig, cancelled))

	tampered := orig
	tampered.Cancelled = true
	tampered.Quantity = 99
	require.ErrorIs(t, validateTransactionUpdate(orig, tampered), ErrImmutableHistory)

	uncancel := cancelled
	uncancel.Cancelled = false
	require.ErrorIs(t, validateTransactionUpdate(cancelled, uncancel), ErrAlreadyCancelled)

	require.ErrorIs(t, validateTransactionUpdate(orig, orig), ErrImmutableHistory)
}

func TestCancelIssueRestoresStock(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.service.Post(ctx, receipt(10, "GRN-1"))
	require.NoError(t, err)
	out, err := env.service.Post(ctx, issue(-6, "DO-1"))
	require.NoError(t, err)

	reversal, err := env.service.CancelTransaction(ctx, 1, out.ID, "customer refused", 9)
	require.NoError(t, err)
	require.Equal(t, 6.0, reversal.Quantity)

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Equal(t, 10.0, bal.Available)
}

func TestSnapToZeroAbsorbsFloatNoise(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.service.Post(ctx, receipt(0.3, "GRN-1"))
	require.NoError(t, err)
	_, err = env.service.Post(ctx, issue(-0.1, "DO-1"))
	require.NoError(t, err)
	_, err = env.service.Post(ctx, issue(-0.1, "DO-2"))
	require.NoError(t, err)
	_, err = env.service.Post(ctx, issue(-0.1, "DO-3"))
	require.NoError(t, err)

	bal, err := env.service.GetBalance(ctx, 1, 100, 10, "")
	require.NoError(t, err)
	require.Zero(t, bal.Available)
}
