package approval

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status enumerates approval request lifecycle states.
type Status string

const (
	// StatusPending marks a request awaiting one or more sign-offs.
	StatusPending Status = "PENDING"
	// StatusApproved marks a fully signed-off request.
	StatusApproved Status = "APPROVED"
	// StatusRejected marks a terminally rejected request.
	StatusRejected Status = "REJECTED"
)

// ActionKind enumerates logged workflow actions.
type ActionKind string

const (
	// ActionSubmit marks the initial submission.
	ActionSubmit ActionKind = "SUBMIT"
	// ActionApprove marks one sign-off step.
	ActionApprove ActionKind = "APPROVE"
	// ActionReject marks the rejection.
	ActionReject ActionKind = "REJECT"
)

// Request is one multi-step sign-off attached to a governed change.
// It advances one step per approval and terminates at APPROVED or
// REJECTED; terminal requests never transition again.
type Request struct {
	ID           int64
	TenantID     int64
	EntityType   string
	EntityID     uuid.UUID
	FromStatus   string
	ToStatus     string
	CurrentStep  int
	TotalSteps   int
	Status       Status
	RejectReason string
	RequestedBy  int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the request reached a final state.
func (r Request) Terminal() bool {
	return r.Status == StatusApproved || r.Status == StatusRejected
}

// Action is one logged workflow step.
type Action struct {
	ID        int64
	RequestID int64
	ActorID   int64
	Kind      ActionKind
	Step      int
	Note      string
	At        time.Time
}

// SubmitInput describes a new approval request.
type SubmitInput struct {
	TenantID    int64
	EntityType  string
	EntityID    uuid.UUID
	FromStatus  string
	ToStatus    string
	TotalSteps  int
	RequestedBy int64
	Note        string
}

var (
	// ErrNotFound indicates the request does not exist for the tenant.
	ErrNotFound = errors.New("approval: request not found")
	// ErrAlreadyFinalized indicates an approve or reject call against a
	// request already at APPROVED or REJECTED.
	ErrAlreadyFinalized = errors.New("approval: request already finalized")
	// ErrDuplicateRequest indicates an open request already exists for
	// the entity.
	ErrDuplicateRequest = errors.New("approval: open request already exists for entity")
)
