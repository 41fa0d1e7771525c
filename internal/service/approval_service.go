package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
	"github.com/limsflow/workflow-api/pkg/events"
)

type approvalStore interface {
	GetFlowByBizType(ctx context.Context, bizType string) (*models.ApprovalFlow, error)
	HasPendingInstance(ctx context.Context, bizType, bizID string) (bool, error)
	CreateInstanceTx(ctx context.Context, tx *sqlx.Tx, instance *models.ApprovalInstance) error
	GetInstance(ctx context.Context, id string) (*models.ApprovalInstance, error)
	GetInstanceForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.ApprovalInstance, error)
	AdvanceInstanceTx(ctx context.Context, tx *sqlx.Tx, id string, currentStep int, status models.ApprovalStatus, completedAt *time.Time) error
	AppendRecordTx(ctx context.Context, tx *sqlx.Tx, record *models.ApprovalRecord) error
	RecordExistsTx(ctx context.Context, tx *sqlx.Tx, instanceID string, action models.ApprovalAction) (bool, error)
	ListRecords(ctx context.Context, instanceID string) ([]models.ApprovalRecord, error)
}

// BizTransitioner flips the lifecycle state of one business object type when
// its approval run reaches the matching action. Implementations run inside
// the approval transaction.
type BizTransitioner interface {
	Issue(ctx context.Context, tx *sqlx.Tx, bizID string) error
}

// BizTransitionerFunc adapts a function to BizTransitioner.
type BizTransitionerFunc func(ctx context.Context, tx *sqlx.Tx, bizID string) error

// Issue calls the wrapped function.
func (f BizTransitionerFunc) Issue(ctx context.Context, tx *sqlx.Tx, bizID string) error {
	return f(ctx, tx, bizID)
}

// ApprovalService drives multi-step approval runs over configured flows. One
// pending instance per business object at a time; terminal instances are
// frozen and every action lands in the append-only record ledger.
type ApprovalService struct {
	repo          approvalStore
	transitioners map[string]BizTransitioner
	audit         auditLogger
	metrics       transitionCounter
	eventBus      eventPublisher
	tx            txProvider
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewApprovalService wires the state machine dependencies.
func NewApprovalService(repo approvalStore, audit auditLogger, metrics transitionCounter, eventBus eventPublisher, tx txProvider, validate *validator.Validate, logger *zap.Logger) *ApprovalService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalService{
		repo:          repo,
		transitioners: make(map[string]BizTransitioner),
		audit:         audit,
		metrics:       metrics,
		eventBus:      eventBus,
		tx:            tx,
		validator:     validate,
		logger:        logger,
	}
}

// RegisterTransitioner binds a business object type to its issue hook. Call
// during wiring, before the service handles requests.
func (s *ApprovalService) RegisterTransitioner(bizType string, transitioner BizTransitioner) {
	if transitioner == nil {
		return
	}
	s.transitioners[bizType] = transitioner
}

// Submit opens an approval instance for a business object at step one. At
// most one pending instance may exist per object.
func (s *ApprovalService) Submit(ctx context.Context, req dto.SubmitApprovalRequest, actor *models.JWTClaims) (*models.ApprovalInstance, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid approval submission")
	}

	flow, err := s.repo.GetFlowByBizType(ctx, req.BizType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no approval flow configured for %s", req.BizType))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval flow")
	}
	if len(flow.Steps) == 0 {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("approval flow for %s has no steps", req.BizType))
	}

	pending, err := s.repo.HasPendingInstance(ctx, req.BizType, req.BizID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pending instances")
	}
	if pending {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, "a pending approval already exists for this object")
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	instance := &models.ApprovalInstance{
		FlowID:        flow.ID,
		BizType:       req.BizType,
		BizID:         req.BizID,
		CurrentStep:   1,
		TotalSteps:    len(flow.Steps),
		Status:        models.ApprovalStatusPending,
		SubmitterID:   actor.UserID,
		SubmitterName: actor.FullName,
	}
	if err = s.repo.CreateInstanceTx(ctx, tx, instance); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create approval instance")
		return nil, err
	}
	if err = s.repo.AppendRecordTx(ctx, tx, &models.ApprovalRecord{
		InstanceID: instance.ID,
		Step:       instance.CurrentStep,
		Action:     models.ApprovalActionSubmit,
		ActorID:    actor.UserID,
		ActorName:  actor.FullName,
	}); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record submission")
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit approval submission")
		return nil, err
	}

	s.countTransition("approval", "submit")
	s.emitAudit(ctx, actor, models.AuditActionApprovalSubmit, instance.ID, map[string]interface{}{
		"bizType": req.BizType,
		"bizId":   req.BizID,
		"flowId":  flow.ID,
	})
	return instance, nil
}

// Act applies one approver decision to a pending instance. Approving the
// last step completes the run; rejecting at any step terminates it. Issue is
// a post-approval action that fires the registered business transitioner.
func (s *ApprovalService) Act(ctx context.Context, instanceID string, req dto.ApprovalActionRequest, actor *models.JWTClaims) (*models.ApprovalInstance, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid approval action")
	}

	switch req.Action {
	case models.ApprovalActionApprove, models.ApprovalActionReject, models.ApprovalActionIssue:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "action must be approve, reject, or issue")
	}
	if req.Action == models.ApprovalActionReject && strings.TrimSpace(req.Comment) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a rejection requires a comment")
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	instance, err := s.repo.GetInstanceForUpdateTx(ctx, tx, instanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrNotFound, "approval instance not found")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval instance")
		return nil, err
	}

	switch req.Action {
	case models.ApprovalActionIssue:
		err = s.issueTx(ctx, tx, instance, req, actor)
	default:
		err = s.decideTx(ctx, tx, instance, req, actor)
	}
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit approval action")
		return nil, err
	}

	s.countTransition("approval", string(req.Action))
	s.emitAudit(ctx, actor, models.AuditActionApprovalDecision, instance.ID, map[string]interface{}{
		"action":  req.Action,
		"step":    instance.CurrentStep,
		"status":  instance.Status,
		"comment": req.Comment,
	})
	if req.Action != models.ApprovalActionIssue && instance.Status.Terminal() {
		s.publishCompleted(instance)
	}
	return instance, nil
}

// decideTx applies approve or reject to a pending instance, mutating the
// passed instance to its post-action state.
func (s *ApprovalService) decideTx(ctx context.Context, tx *sqlx.Tx, instance *models.ApprovalInstance, req dto.ApprovalActionRequest, actor *models.JWTClaims) error {
	if instance.Status.Terminal() {
		return appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("approval instance is already %s", instance.Status))
	}

	actedStep := instance.CurrentStep
	now := time.Now().UTC()
	switch req.Action {
	case models.ApprovalActionApprove:
		if instance.CurrentStep >= instance.TotalSteps {
			instance.Status = models.ApprovalStatusApproved
			instance.CompletedAt = &now
		} else {
			instance.CurrentStep++
		}
	case models.ApprovalActionReject:
		instance.Status = models.ApprovalStatusRejected
		instance.CompletedAt = &now
	}

	if err := s.repo.AdvanceInstanceTx(ctx, tx, instance.ID, instance.CurrentStep, instance.Status, instance.CompletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrStateConflict, "approval instance was completed concurrently")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to advance approval instance")
	}

	var comment *string
	if req.Comment != "" {
		comment = &req.Comment
	}
	if err := s.repo.AppendRecordTx(ctx, tx, &models.ApprovalRecord{
		InstanceID: instance.ID,
		Step:       actedStep,
		Action:     req.Action,
		ActorID:    actor.UserID,
		ActorName:  actor.FullName,
		Comment:    comment,
	}); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record decision")
	}
	return nil
}

// issueTx records the issue action against an approved instance and fires
// the business transitioner. The instance itself stays approved; issue may
// happen at most once.
func (s *ApprovalService) issueTx(ctx context.Context, tx *sqlx.Tx, instance *models.ApprovalInstance, req dto.ApprovalActionRequest, actor *models.JWTClaims) error {
	if instance.Status != models.ApprovalStatusApproved {
		return appErrors.Clone(appErrors.ErrStateConflict, "only an approved instance can be issued")
	}

	issued, err := s.repo.RecordExistsTx(ctx, tx, instance.ID, models.ApprovalActionIssue)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check issue history")
	}
	if issued {
		return appErrors.Clone(appErrors.ErrStateConflict, "instance already issued")
	}

	transitioner, ok := s.transitioners[instance.BizType]
	if !ok {
		return appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("no issue handler registered for %s", instance.BizType))
	}
	if err := transitioner.Issue(ctx, tx, instance.BizID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrStateConflict, "business object is not in an issuable state")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue business object")
	}

	var comment *string
	if req.Comment != "" {
		comment = &req.Comment
	}
	if err := s.repo.AppendRecordTx(ctx, tx, &models.ApprovalRecord{
		InstanceID: instance.ID,
		Step:       instance.CurrentStep,
		Action:     models.ApprovalActionIssue,
		ActorID:    actor.UserID,
		ActorName:  actor.FullName,
		Comment:    comment,
	}); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record issue")
	}
	return nil
}

// Cancel withdraws a pending instance. Only the submitter may cancel, and
// only while the instance is still pending.
func (s *ApprovalService) Cancel(ctx context.Context, instanceID string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	instance, err := s.repo.GetInstanceForUpdateTx(ctx, tx, instanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrNotFound, "approval instance not found")
			return err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval instance")
		return err
	}
	if instance.Status.Terminal() {
		err = appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("approval instance is already %s", instance.Status))
		return err
	}
	if instance.SubmitterID != actor.UserID {
		err = appErrors.Clone(appErrors.ErrNotAssigned, "only the submitter may cancel this approval")
		return err
	}

	now := time.Now().UTC()
	instance.Status = models.ApprovalStatusCancelled
	instance.CompletedAt = &now
	if err = s.repo.AdvanceInstanceTx(ctx, tx, instance.ID, instance.CurrentStep, instance.Status, instance.CompletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrStateConflict, "approval instance was completed concurrently")
			return err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel approval instance")
		return err
	}
	if err = s.repo.AppendRecordTx(ctx, tx, &models.ApprovalRecord{
		InstanceID: instance.ID,
		Step:       instance.CurrentStep,
		Action:     models.ApprovalActionCancel,
		ActorID:    actor.UserID,
		ActorName:  actor.FullName,
	}); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record cancellation")
		return err
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit cancellation")
		return err
	}

	s.countTransition("approval", "cancel")
	s.emitAudit(ctx, actor, models.AuditActionApprovalCancel, instance.ID, map[string]interface{}{
		"bizType": instance.BizType,
		"bizId":   instance.BizID,
	})
	s.publishCompleted(instance)
	return nil
}

// Get returns an instance with its flow definition.
func (s *ApprovalService) Get(ctx context.Context, instanceID string) (*dto.ApprovalInstanceDetail, error) {
	instance, err := s.repo.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval instance not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval instance")
	}

	detail := &dto.ApprovalInstanceDetail{Instance: instance}
	flow, err := s.repo.GetFlowByBizType(ctx, instance.BizType)
	if err == nil {
		detail.Flow = flow
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("failed to load flow for instance", zap.String("instance_id", instanceID), zap.Error(err))
	}
	return detail, nil
}

// Records returns the action ledger for an instance, oldest first.
func (s *ApprovalService) Records(ctx context.Context, instanceID string) ([]models.ApprovalRecord, error) {
	if _, err := s.repo.GetInstance(ctx, instanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval instance not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval instance")
	}
	records, err := s.repo.ListRecords(ctx, instanceID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval records")
	}
	return records, nil
}

func (s *ApprovalService) publishCompleted(instance *models.ApprovalInstance) {
	if s.eventBus == nil {
		return
	}
	err := s.eventBus.Publish(events.Event{
		Topic:    events.TopicApprovalCompleted,
		EntityID: instance.ID,
		Payload: map[string]interface{}{
			"bizType": instance.BizType,
			"bizId":   instance.BizID,
			"status":  instance.Status,
		},
	})
	if err != nil {
		s.logger.Warn("failed to publish approval completion", zap.String("instance_id", instance.ID), zap.Error(err))
	}
}

func (s *ApprovalService) countTransition(entity, action string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CountWorkflowTransition(entity, action)
}

func (s *ApprovalService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	body, _ := json.Marshal(payload)
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "approval",
		ResourceID: &resourceID,
		NewValues:  body,
		IPAddress:  "system",
		UserAgent:  "approval-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
