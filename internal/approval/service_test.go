package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/quartermaster-erp/quartermaster/internal/testing/guard"
)

type memoryRepo struct {
	mu       sync.Mutex
	requests map[int64]Request
	actions  []Action
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{requests: map[int64]Request{}, nextID: 1}
}

func (m *memoryRepo) Create(_ context.Context, req Request, action Action) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.requests {
		if existing.TenantID == req.TenantID && existing.EntityType == req.EntityType &&
			existing.EntityID == req.EntityID && existing.Status == StatusPending {
			return Request{}, ErrDuplicateRequest
		}
	}
	req.ID = m.nextID
	m.nextID++
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	m.requests[req.ID] = req
	action.RequestID = req.ID
	action.ID = int64(len(m.actions) + 1)
	m.actions = append(m.actions, action)
	return req, nil
}

func (m *memoryRepo) Get(_ context.Context, tenantID, requestID int64) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok || req.TenantID != tenantID {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (m *memoryRepo) Latest(_ context.Context, tenantID int64, entityType string, entityID uuid.UUID) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest Request
	for _, req := range m.requests {
		if req.TenantID != tenantID || req.EntityType != entityType || req.EntityID != entityID {
			continue
		}
		if req.ID > latest.ID {
			latest = req
		}
	}
	if latest.ID == 0 {
		return Request{}, ErrNotFound
	}
	return latest, nil
}

func (m *memoryRepo) ListActions(_ context.Context, tenantID, requestID int64) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok || req.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := []Action{}
	for _, a := range m.actions {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := &memoryRepoTx{
		requests: make(map[int64]Request, len(m.requests)),
		actions:  append([]Action(nil), m.actions...),
	}
	for id, req := range m.requests {
		staged.requests[id] = req
	}
	if err := fn(ctx, staged); err != nil {
		return err
	}
	m.requests = staged.requests
	m.actions = staged.actions
	return nil
}

type memoryRepoTx struct {
	requests map[int64]Request
	actions  []Action
}

func (t *memoryRepoTx) GetForUpdate(_ context.Context, tenantID, requestID int64) (Request, error) {
	req, ok := t.requests[requestID]
	if !ok || req.TenantID != tenantID {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (t *memoryRepoTx) Update(_ context.Context, req Request) error {
	req.UpdatedAt = time.Now()
	t.requests[req.ID] = req
	return nil
}

func (t *memoryRepoTx) LogAction(_ context.Context, action Action) error {
	action.ID = int64(len(t.actions) + 1)
	action.At = time.Now()
	t.actions = append(t.actions, action)
	return nil
}

func submitInput(entityID uuid.UUID, steps int) SubmitInput {
	return SubmitInput{
		TenantID:    1,
		EntityType:  "STOCK_ADJUSTMENT",
		EntityID:    entityID,
		FromStatus:  "DRAFT",
		ToStatus:    "POSTED",
		TotalSteps:  steps,
		RequestedBy: 7,
		Note:        "count variance",
	}
}

func TestTwoStepApproval(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	entityID := uuid.New()

	req, err := svc.Submit(ctx, submitInput(entityID, 2))
	require.NoError(t, err)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, 0, req.CurrentStep)

	approved, err := svc.Approved(ctx, 1, "STOCK_ADJUSTMENT", entityID)
	require.NoError(t, err)
	require.False(t, approved)

	req, err = svc.Approve(ctx, 1, req.ID, 11, "first sign-off")
	require.NoError(t, err)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, 1, req.CurrentStep)

	req, err = svc.Approve(ctx, 1, req.ID, 12, "second sign-off")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, req.Status)
	require.Equal(t, 2, req.CurrentStep)

	approved, err = svc.Approved(ctx, 1, "STOCK_ADJUSTMENT", entityID)
	require.NoError(t, err)
	require.True(t, approved)

	_, err = svc.Approve(ctx, 1, req.ID, 13, "third sign-off")
	require.ErrorIs(t, err, ErrAlreadyFinalized)

	actions, err := svc.ListActions(ctx, 1, req.ID)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	require.Equal(t, ActionSubmit, actions[0].Kind)
	require.Equal(t, ActionApprove, actions[1].Kind)
	require.Equal(t, ActionApprove, actions[2].Kind)
}

func TestRejectTerminates(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	entityID := uuid.New()

	req, err := svc.Submit(ctx, submitInput(entityID, 3))
	require.NoError(t, err)

	req, err = svc.Approve(ctx, 1, req.ID, 11, "")
	require.NoError(t, err)
	require.Equal(t, 1, req.CurrentStep)

	req, err = svc.Reject(ctx, 1, req.ID, 12, "quantities do not match recount")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, req.Status)
	require.Equal(t, "quantities do not match recount", req.RejectReason)

	_, err = svc.Approve(ctx, 1, req.ID, 13, "")
	require.ErrorIs(t, err, ErrAlreadyFinalized)
	_, err = svc.Reject(ctx, 1, req.ID, 13, "again")
	require.ErrorIs(t, err, ErrAlreadyFinalized)

	approved, err := svc.Approved(ctx, 1, "STOCK_ADJUSTMENT", entityID)
	require.NoError(t, err)
	require.False(t, approved)
}

func TestSingleStepApproval(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	req, err := svc.Submit(ctx, submitInput(uuid.New(), 1))
	require.NoError(t, err)

	req, err = svc.Approve(ctx, 1, req.ID, 11, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, req.Status)
}

func TestSubmitValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{})
	require.Error(t, err)

	in := submitInput(uuid.New(), 0)
	_, err = svc.Submit(ctx, in)
	require.Error(t, err)

	in = submitInput(uuid.Nil, 2)
	_, err = svc.Submit(ctx, in)
	require.Error(t, err)
}

func TestDuplicateOpenRequestRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	entityID := uuid.New()

	_, err := svc.Submit(ctx, submitInput(entityID, 2))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, submitInput(entityID, 2))
	require.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestApproveUnknownRequest(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.Approve(ctx, 1, 404, 11, "")
	require.ErrorIs(t, err, ErrNotFound)

	req, err := svc.Submit(ctx, submitInput(uuid.New(), 2))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, 2, req.ID, 11, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApprovedUnknownEntity(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)

	approved, err := svc.Approved(context.Background(), 1, "STOCK_ADJUSTMENT", uuid.New())
	require.NoError(t, err)
	require.False(t, approved)
}
