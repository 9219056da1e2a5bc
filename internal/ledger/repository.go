package ledger

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postingContextKey struct{}

// withPostingContext marks ctx as executing inside the posting
// engine's unit of work. The marker is deliberately unexported:
// no package outside the engine can forge it.
func withPostingContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, postingContextKey{}, true)
}

func inPostingContext(ctx context.Context) bool {
	flag, _ := ctx.Value(postingContextKey{}).(bool)
	return flag
}

func requirePostingContext(ctx context.Context) error {
	if !inPostingContext(ctx) {
		return ErrDirectMutationBlocked
	}
	return nil
}

// TxRepository is the only mutating surface of the ledger. Instances
// exist solely inside WithPosting; the storage triggers additionally
// reject writes arriving without the session posting flag.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, key Key) (BalanceRow, error)
	UpsertBalance(ctx context.Context, row BalanceRow) error
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	GetTransactionForUpdate(ctx context.Context, tenantID, txID int64) (Transaction, error)
	MarkCancelled(ctx context.Context, tenantID, txID int64, reason string) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithPosting(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, key Key) (BalanceRow, error)
	GetTransaction(ctx context.Context, tenantID, txID int64) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// Repository persists ledger state in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithPosting runs fn inside one repeatable-read transaction flagged
// as the posting engine's. The flag is set both in the context (for
// the in-process guard) and as a transaction-local session setting
// (for the storage triggers); it vanishes with the transaction.
func (r *Repository) WithPosting(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('app.posting_context', 'engine', true)`); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := fn(withPostingContext(ctx), &txRepository{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const balanceColumns = `tenant_id, item_id, warehouse_id, batch, qty_available, qty_reserved, qty_in_transit, last_unit_cost, last_tx_id, updated_at`

func scanBalance(row pgx.Row) (BalanceRow, error) {
	var b BalanceRow
	err := row.Scan(&b.TenantID, &b.ItemID, &b.WarehouseID, &b.Batch,
		&b.Available, &b.Reserved, &b.InTransit, &b.LastUnitCost, &b.LastTxID, &b.UpdatedAt)
	return b, err
}

// GetBalance returns the current balance row for the key.
func (r *Repository) GetBalance(ctx context.Context, key Key) (BalanceRow, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM stock_ledger
WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3 AND batch=$4`,
		key.TenantID, key.ItemID, key.WarehouseID, key.Batch)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceRow{}, ErrBalanceNotFound
		}
		return BalanceRow{}, err
	}
	return b, nil
}

const transactionColumns = `id, tenant_id, kind, item_id, warehouse_id, batch, quantity, unit_cost, total_value, ref_kind, ref_id, balance_after, is_cancelled, cancel_reason, created_by, tx_date, created_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.TenantID, &t.Kind, &t.ItemID, &t.WarehouseID, &t.Batch,
		&t.Quantity, &t.UnitCost, &t.TotalValue, &t.RefKind, &t.RefID,
		&t.BalanceAfter, &t.Cancelled, &t.CancelReason, &t.CreatedBy, &t.TxDate, &t.CreatedAt)
	return t, err
}

// GetTransaction returns one transaction scoped to the tenant.
func (r *Repository) GetTransaction(ctx context.Context, tenantID, txID int64) (Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM stock_transactions
WHERE tenant_id=$1 AND id=$2`, tenantID, txID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

// ListTransactions returns movement history matching the filter.
func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM stock_transactions WHERE tenant_id=$1`
	args := []any{filter.TenantID}
	if filter.ItemID != 0 {
		args = append(args, filter.ItemID)
		query += ` AND item_id=$` + strconv.Itoa(len(args))
	}
	if filter.WarehouseID != 0 {
		args = append(args, filter.WarehouseID)
		query += ` AND warehouse_id=$` + strconv.Itoa(len(args))
	}
	if filter.Batch != nil {
		args = append(args, NormalizeBatch(*filter.Batch))
		query += ` AND batch=$` + strconv.Itoa(len(args))
	}
	if filter.RefKind != "" {
		args = append(args, filter.RefKind)
		query += ` AND ref_kind=$` + strconv.Itoa(len(args))
	}
	if filter.RefID != "" {
		args = append(args, filter.RefID)
		query += ` AND ref_id=$` + strconv.Itoa(len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += ` AND tx_date >= $` + strconv.Itoa(len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += ` AND tx_date <= $` + strconv.Itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query += ` ORDER BY id ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	txs := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, key Key) (BalanceRow, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM stock_ledger
WHERE tenant_id=$1 AND item_id=$2 AND warehouse_id=$3 AND batch=$4 FOR UPDATE`,
		key.TenantID, key.ItemID, key.WarehouseID, key.Batch)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceRow{TenantID: key.TenantID, ItemID: key.ItemID, WarehouseID: key.WarehouseID, Batch: key.Batch}, ErrBalanceNotFound
		}
		return BalanceRow{}, err
	}
	return b, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, row BalanceRow) error {
	if err := requirePostingContext(ctx); err != nil {
		return err
	}
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_ledger (tenant_id, item_id, warehouse_id, batch, qty_available, qty_reserved, qty_in_transit, last_unit_cost, last_tx_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (tenant_id, item_id, warehouse_id, batch) DO UPDATE SET
  qty_available=EXCLUDED.qty_available,
  qty_reserved=EXCLUDED.qty_reserved,
  qty_in_transit=EXCLUDED.qty_in_transit,
  last_unit_cost=EXCLUDED.last_unit_cost,
  last_tx_id=EXCLUDED.last_tx_id,
  updated_at=NOW()`,
		row.TenantID, row.ItemID, row.WarehouseID, row.Batch,
		row.Available, row.Reserved, row.InTransit, row.LastUnitCost, nullID(row.LastTxID))
	return err
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (int64, error) {
	if err := requirePostingContext(ctx); err != nil {
		return 0, err
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transactions (tenant_id, kind, item_id, warehouse_id, batch, quantity, unit_cost, total_value, ref_kind, ref_id, balance_after, is_cancelled, cancel_reason, created_by, tx_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW()) RETURNING id`,
		t.TenantID, string(t.Kind), t.ItemID, t.WarehouseID, t.Batch,
		t.Quantity, t.UnitCost, t.TotalValue, t.RefKind, t.RefID,
		t.BalanceAfter, t.Cancelled, t.CancelReason, t.CreatedBy, t.TxDate).Scan(&id)
	return id, err
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, tenantID, txID int64) (Transaction, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM stock_transactions
WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, txID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

func (r *txRepository) MarkCancelled(ctx context.Context, tenantID, txID int64, reason string) error {
	if err := requirePostingContext(ctx); err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE stock_transactions SET is_cancelled=TRUE, cancel_reason=$3
WHERE tenant_id=$1 AND id=$2 AND is_cancelled=FALSE`, tenantID, txID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyCancelled
	}
	return nil
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
