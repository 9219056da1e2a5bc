package approval

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/quartermaster-erp/quartermaster/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the multi-step approval state machine.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService builds the workflow engine.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// Submit opens a new pending request for a governed change.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (Request, error) {
	if input.TenantID <= 0 {
		return Request{}, errors.New("approval: tenant required")
	}
	if strings.TrimSpace(input.EntityType) == "" {
		return Request{}, errors.New("approval: entity type required")
	}
	if input.EntityID == uuid.Nil {
		return Request{}, errors.New("approval: entity id required")
	}
	if input.TotalSteps < 1 {
		return Request{}, errors.New("approval: total steps must be >= 1")
	}
	if input.RequestedBy <= 0 {
		return Request{}, errors.New("approval: requester required")
	}

	created, err := s.repo.Create(ctx, Request{
		TenantID:    input.TenantID,
		EntityType:  input.EntityType,
		EntityID:    input.EntityID,
		FromStatus:  input.FromStatus,
		ToStatus:    input.ToStatus,
		CurrentStep: 0,
		TotalSteps:  input.TotalSteps,
		Status:      StatusPending,
		RequestedBy: input.RequestedBy,
	}, Action{
		ActorID: input.RequestedBy,
		Kind:    ActionSubmit,
		Step:    0,
		Note:    input.Note,
	})
	if err != nil {
		return Request{}, err
	}

	s.recordAudit(ctx, created, input.RequestedBy, "approval:SUBMIT")
	return created, nil
}

// Approve advances the request one step; the final step flips it to
// APPROVED. Calling it on a terminal request fails.
func (s *Service) Approve(ctx context.Context, tenantID, requestID, actorID int64, note string) (Request, error) {
	var updated Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		req, err := tx.GetForUpdate(ctx, tenantID, requestID)
		if err != nil {
			return err
		}
		if req.Terminal() {
			return ErrAlreadyFinalized
		}
		req.CurrentStep++
		if req.CurrentStep >= req.TotalSteps {
			req.CurrentStep = req.TotalSteps
			req.Status = StatusApproved
		}
		if err := tx.Update(ctx, req); err != nil {
			return err
		}
		if err := tx.LogAction(ctx, Action{
			RequestID: req.ID,
			ActorID:   actorID,
			Kind:      ActionApprove,
			Step:      req.CurrentStep,
			Note:      note,
		}); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}

	s.recordAudit(ctx, updated, actorID, "approval:APPROVE")
	return updated, nil
}

// Reject terminates the request at any pending step. A rejected change
// can never reach the posting engine.
func (s *Service) Reject(ctx context.Context, tenantID, requestID, actorID int64, reason string) (Request, error) {
	if strings.TrimSpace(reason) == "" {
		return Request{}, errors.New("approval: rejection reason required")
	}

	var updated Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		req, err := tx.GetForUpdate(ctx, tenantID, requestID)
		if err != nil {
			return err
		}
		if req.Terminal() {
			return ErrAlreadyFinalized
		}
		req.Status = StatusRejected
		req.RejectReason = reason
		if err := tx.Update(ctx, req); err != nil {
			return err
		}
		if err := tx.LogAction(ctx, Action{
			RequestID: req.ID,
			ActorID:   actorID,
			Kind:      ActionReject,
			Step:      req.CurrentStep,
			Note:      reason,
		}); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}

	s.recordAudit(ctx, updated, actorID, "approval:REJECT")
	return updated, nil
}

// Get returns one request scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, requestID int64) (Request, error) {
	if tenantID <= 0 {
		return Request{}, errors.New("approval: tenant required")
	}
	return s.repo.Get(ctx, tenantID, requestID)
}

// ListActions returns the action history of a request.
func (s *Service) ListActions(ctx context.Context, tenantID, requestID int64) ([]Action, error) {
	if tenantID <= 0 {
		return nil, errors.New("approval: tenant required")
	}
	return s.repo.ListActions(ctx, tenantID, requestID)
}

// Approved reports whether the latest request attached to the entity
// reached APPROVED. Entities with no request are not approved.
func (s *Service) Approved(ctx context.Context, tenantID int64, entityType string, entityID uuid.UUID) (bool, error) {
	req, err := s.repo.Latest(ctx, tenantID, entityType, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return req.Status == StatusApproved, nil
}

func (s *Service) recordAudit(ctx context.Context, req Request, actorID int64, action string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: req.TenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "approval_request",
		EntityID: strconv.FormatInt(req.ID, 10),
		Meta: map[string]any{
			"entity_type":  req.EntityType,
			"entity_id":    req.EntityID.String(),
			"current_step": req.CurrentStep,
			"total_steps":  req.TotalSteps,
			"status":       string(req.Status),
		},
	})
}
