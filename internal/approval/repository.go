package approval

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quartermaster-erp/quartermaster/internal/platform/db"
)

// TxStore is the transactional surface used while advancing a request.
type TxStore interface {
	GetForUpdate(ctx context.Context, tenantID, requestID int64) (Request, error)
	Update(ctx context.Context, req Request) error
	LogAction(ctx context.Context, action Action) error
}

// RepositoryPort abstracts approval persistence for the service.
type RepositoryPort interface {
	Create(ctx context.Context, req Request, action Action) (Request, error)
	Get(ctx context.Context, tenantID, requestID int64) (Request, error)
	Latest(ctx context.Context, tenantID int64, entityType string, entityID uuid.UUID) (Request, error)
	ListActions(ctx context.Context, tenantID, requestID int64) ([]Action, error)
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// Repository persists approval requests in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txStore struct {
	tx pgx.Tx
}

// WithTx runs fn inside one repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

const requestColumns = `id, tenant_id, entity_type, entity_id, from_status, to_status, current_step, total_steps, status, reject_reason, requested_by, created_at, updated_at`

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var status string
	err := row.Scan(&req.ID, &req.TenantID, &req.EntityType, &req.EntityID,
		&req.FromStatus, &req.ToStatus, &req.CurrentStep, &req.TotalSteps,
		&status, &req.RejectReason, &req.RequestedBy, &req.CreatedAt, &req.UpdatedAt)
	req.Status = Status(status)
	return req, err
}

// Create inserts a new pending request together with its SUBMIT action.
// The partial unique index on open (entity_type, entity_id) rows maps
// conflicts to ErrDuplicateRequest.
func (r *Repository) Create(ctx context.Context, req Request, action Action) (Request, error) {
	var created Request
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `INSERT INTO approval_requests
(tenant_id, entity_type, entity_id, from_status, to_status, current_step, total_steps, status, requested_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
RETURNING `+requestColumns,
			req.TenantID, req.EntityType, req.EntityID, req.FromStatus, req.ToStatus,
			req.CurrentStep, req.TotalSteps, string(req.Status), req.RequestedBy)
		var err error
		created, err = scanRequest(row)
		if err != nil {
			return err
		}
		action.RequestID = created.ID
		return (&txStore{tx: tx}).LogAction(ctx, action)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Request{}, ErrDuplicateRequest
		}
		return Request{}, err
	}
	return created, nil
}

// Get returns one request scoped to the tenant.
func (r *Repository) Get(ctx context.Context, tenantID, requestID int64) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests
WHERE tenant_id=$1 AND id=$2`, tenantID, requestID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	return req, nil
}

// Latest returns the most recent request attached to the entity.
func (r *Repository) Latest(ctx context.Context, tenantID int64, entityType string, entityID uuid.UUID) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests
WHERE tenant_id=$1 AND entity_type=$2 AND entity_id=$3
ORDER BY id DESC LIMIT 1`, tenantID, entityType, entityID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	return req, nil
}

func (s *txStore) GetForUpdate(ctx context.Context, tenantID, requestID int64) (Request, error) {
	row := s.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests
WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, requestID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	return req, nil
}

func (s *txStore) Update(ctx context.Context, req Request) error {
	_, err := s.tx.Exec(ctx, `UPDATE approval_requests
SET current_step=$3, status=$4, reject_reason=$5, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2`,
		req.TenantID, req.ID, req.CurrentStep, string(req.Status), req.RejectReason)
	return err
}

func (s *txStore) LogAction(ctx context.Context, action Action) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO approval_actions (request_id, actor_id, kind, step, note, at)
VALUES ($1,$2,$3,$4,$5,NOW())`,
		action.RequestID, action.ActorID, string(action.Kind), action.Step, action.Note)
	return err
}

// ListActions returns the action history of a request, oldest first.
func (r *Repository) ListActions(ctx context.Context, tenantID, requestID int64) ([]Action, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.request_id, a.actor_id, a.kind, a.step, a.note, a.at
FROM approval_actions a
JOIN approval_requests r ON r.id = a.request_id
WHERE r.tenant_id=$1 AND a.request_id=$2
ORDER BY a.id ASC`, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	actions := []Action{}
	for rows.Next() {
		var a Action
		var kind string
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ActorID, &kind, &a.Step, &a.Note, &a.At); err != nil {
			return nil, err
		}
		a.Kind = ActionKind(kind)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
