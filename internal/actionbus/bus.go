// Package actionbus implements the proposed-side-effect lifecycle: a
// type carries an autonomy level that determines whether it executes
// immediately, waits on a draft confirmation, waits on human approval,
// or additionally requires a 6-digit 2FA code before executing.
//
// Grounded on internal/workflow/engine.go's gate/approval machinery
// (ApproveGate, gates map[string]chan bool) generalized from a
// per-recipe-step gate to the full ActionRecord state machine.
package actionbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/pkg/models"
)

var ErrActionNotFound = errors.New("actionbus: action not found")

var proposalValidator = validator.New()

// proposal is the validated shape of a Propose call's scalar fields —
// payload/context stay freeform maps since their shape is per-action-type.
type proposal struct {
	ActionType  string `validate:"required"`
	RequestedBy string `validate:"required"`
}

// TypeSpec is the static registry entry for one action_type: its
// autonomy level, handler name, and per-day limit.
type TypeSpec struct {
	AutonomyLevel models.AutonomyLevel
	Handler       string
	DailyLimit    int // 0 = unlimited
	LimitScopeKey string // context key the limit is scoped by, e.g. "branch_id"
}

// Executor runs an APPROVED action and returns its result, attaching
// it to ActionRecord.Metadata.ExecutionResult.
type Executor interface {
	Execute(ctx context.Context, actionType, handler string, payload, context map[string]interface{}) (map[string]interface{}, error)
}

// Bus is the Action Bus: propose/approve/confirm/reject/cancel/verify
// transitions over the ActionRecord state machine, plus dispatch to
// the Executor once a record reaches APPROVED.
type Bus struct {
	store    Store
	executor Executor
	types    map[string]TypeSpec
	now      func() time.Time
}

func New(store Store, executor Executor, types map[string]TypeSpec) *Bus {
	return &Bus{store: store, executor: executor, types: types, now: time.Now}
}

// Propose is step 1-4 of §4.L: look up autonomy/handler, check limits,
// persist PROPOSED, then transition per autonomy level.
func (b *Bus) Propose(ctx context.Context, actionType string, payload, actionCtx map[string]interface{}, requestedBy, reason string) (*models.ActionRecord, error) {
	if err := proposalValidator.Struct(proposal{ActionType: actionType, RequestedBy: requestedBy}); err != nil {
		return nil, apperrors.New(apperrors.KindSchemaMismatch, "actionbus.Propose", "invalid payload: "+err.Error(), err)
	}

	spec, ok := b.types[actionType]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "actionbus.Propose", fmt.Sprintf("unknown action type %q", actionType), nil)
	}

	if spec.DailyLimit > 0 {
		scopeFilter := map[string]interface{}{}
		if spec.LimitScopeKey != "" {
			if v, ok := actionCtx[spec.LimitScopeKey]; ok {
				scopeFilter[spec.LimitScopeKey] = v
			}
		}
		count, err := b.store.CountToday(ctx, actionType, scopeFilter)
		if err != nil {
			return nil, err
		}
		if count >= spec.DailyLimit {
			now := b.now()
			rec := &models.ActionRecord{
				ActionID:      uuid.NewString(),
				ActionType:    actionType,
				Payload:       payload,
				Context:       actionCtx,
				RequestedBy:   requestedBy,
				Reason:        reason,
				AutonomyLevel: spec.AutonomyLevel,
				Handler:       spec.Handler,
				State:         models.ActionRejected,
				CreatedAt:     now,
				UpdatedAt:     now,
				Metadata:      models.ActionMetadata{FailureReason: "LIMITS_EXCEEDED"},
			}
			_ = b.store.Create(ctx, rec)
			return rec, nil
		}
	}

	now := b.now()
	rec := &models.ActionRecord{
		ActionID:      uuid.NewString(),
		ActionType:    actionType,
		Payload:       payload,
		Context:       actionCtx,
		RequestedBy:   requestedBy,
		Reason:        reason,
		AutonomyLevel: spec.AutonomyLevel,
		Handler:       spec.Handler,
		State:         models.ActionProposed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch spec.AutonomyLevel {
	case models.AutonomyAuto:
		rec.State = models.ActionApproved
		rec.Metadata.ApprovedBy = "AUTO"
	case models.AutonomyDraft:
		rec.State = models.ActionDraft
		expires := now.Add(24 * time.Hour)
		rec.ExpiresAt = &expires
	case models.AutonomyApproval:
		rec.State = models.ActionPendingApproval
		expires := now.Add(48 * time.Hour)
		rec.ExpiresAt = &expires
	case models.AutonomyCritical:
		rec.State = models.ActionPendingApproval
		expires := now.Add(48 * time.Hour)
		rec.ExpiresAt = &expires
	default:
		return nil, apperrors.New(apperrors.KindSchemaMismatch, "actionbus.Propose", fmt.Sprintf("unknown autonomy level %q", spec.AutonomyLevel), nil)
	}

	if err := b.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	if rec.State == models.ActionApproved {
		return b.execute(ctx, rec)
	}
	return rec, nil
}

var cancellableStates = map[models.ActionState]bool{
	models.ActionProposed:        true,
	models.ActionDraft:           true,
	models.ActionPendingApproval: true,
	models.ActionPending2FA:      true,
}

// Approve transitions a PENDING_APPROVAL record. Critical-autonomy
// actions land on PENDING_2FA instead of APPROVED; all others execute.
func (b *Bus) Approve(ctx context.Context, actionID, approvedBy string) (*models.ActionRecord, error) {
	rec, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.ActionPendingApproval {
		return nil, apperrors.New(apperrors.KindStateConflict, "actionbus.Approve", fmt.Sprintf("action %s is %s, not PENDING_APPROVAL", actionID, rec.State), nil)
	}

	rec.Metadata.ApprovedBy = approvedBy
	rec.UpdatedAt = b.now()
	if rec.AutonomyLevel == models.AutonomyCritical {
		rec.State = models.ActionPending2FA
		if err := b.store.Update(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	rec.State = models.ActionApproved
	if err := b.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return b.execute(ctx, rec)
}

// VerifyAndApprove completes the 2FA step for a critical action.
func (b *Bus) VerifyAndApprove(ctx context.Context, actionID, code string) (*models.ActionRecord, error) {
	validCode := len(code) == 6
	for _, c := range code {
		if c < '0' || c > '9' {
			validCode = false
		}
	}
	if !validCode {
		return nil, apperrors.New(apperrors.KindSchemaMismatch, "actionbus.VerifyAndApprove", "2FA code must be 6 digits", nil)
	}
	rec, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.ActionPending2FA {
		return nil, apperrors.New(apperrors.KindStateConflict, "actionbus.VerifyAndApprove", fmt.Sprintf("action %s is %s, not PENDING_2FA", actionID, rec.State), nil)
	}

	rec.State = models.ActionApproved
	rec.UpdatedAt = b.now()
	if err := b.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return b.execute(ctx, rec)
}

// Confirm completes a DRAFT action (the draft autonomy level's
// "await Confirm" step).
func (b *Bus) Confirm(ctx context.Context, actionID, confirmedBy string) (*models.ActionRecord, error) {
	rec, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.ActionDraft {
		return nil, apperrors.New(apperrors.KindStateConflict, "actionbus.Confirm", fmt.Sprintf("action %s is %s, not DRAFT", actionID, rec.State), nil)
	}
	rec.State = models.ActionApproved
	rec.Metadata.ApprovedBy = confirmedBy
	rec.UpdatedAt = b.now()
	if err := b.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return b.execute(ctx, rec)
}

func (b *Bus) Reject(ctx context.Context, actionID, reason string) (*models.ActionRecord, error) {
	rec, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.ActionPendingApproval && rec.State != models.ActionPending2FA {
		return nil, apperrors.New(apperrors.KindStateConflict, "actionbus.Reject", fmt.Sprintf("action %s is %s, cannot be rejected", actionID, rec.State), nil)
	}
	rec.State = models.ActionRejected
	rec.Metadata.FailureReason = reason
	rec.UpdatedAt = b.now()
	return rec, b.store.Update(ctx, rec)
}

func (b *Bus) Cancel(ctx context.Context, actionID, reason string) (*models.ActionRecord, error) {
	rec, err := b.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !cancellableStates[rec.State] {
		return nil, apperrors.New(apperrors.KindStateConflict, "actionbus.Cancel", fmt.Sprintf("action %s is %s, not cancellable", actionID, rec.State), nil)
	}
	rec.State = models.ActionCancelled
	rec.Metadata.FailureReason = reason
	rec.UpdatedAt = b.now()
	return rec, b.store.Update(ctx, rec)
}

// ExpireIfPast marks rec EXPIRED when it is still cancellable and its
// expires_at has passed. Callers (a scheduler) poll this; actionbus
// itself holds no timer.
func (b *Bus) ExpireIfPast(ctx context.Context, rec *models.ActionRecord) (*models.ActionRecord, error) {
	if !cancellableStates[rec.State] || rec.ExpiresAt == nil || b.now().Before(*rec.ExpiresAt) {
		return rec, nil
	}
	rec.State = models.ActionExpired
	rec.UpdatedAt = b.now()
	return rec, b.store.Update(ctx, rec)
}

func (b *Bus) Get(ctx context.Context, actionID string) (*models.ActionRecord, error) {
	return b.store.Get(ctx, actionID)
}

func (b *Bus) execute(ctx context.Context, rec *models.ActionRecord) (*models.ActionRecord, error) {
	rec.State = models.ActionExecuting
	rec.UpdatedAt = b.now()
	if err := b.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	result, err := b.executor.Execute(ctx, rec.ActionType, rec.Handler, rec.Payload, rec.Context)
	rec.UpdatedAt = b.now()
	if err != nil {
		rec.State = models.ActionFailed
		rec.Metadata.FailureReason = err.Error()
		log.Warn().Err(err).Str("action_id", rec.ActionID).Str("action_type", rec.ActionType).Msg("actionbus: execution failed")
	} else {
		rec.State = models.ActionExecuted
		now := b.now()
		rec.Metadata.ExecutedAt = &now
		rec.Metadata.ExecutionResult = result
	}

	if updateErr := b.store.Update(ctx, rec); updateErr != nil {
		return rec, updateErr
	}
	return rec, nil
}
