package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
	"github.com/limsflow/workflow-api/pkg/events"
)

type reassessmentItemStore interface {
	GetItem(ctx context.Context, id string) (*models.SampleTestItem, error)
	GetItemForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.SampleTestItem, error)
	MaxRoundByItemTx(ctx context.Context, tx *sqlx.Tx, itemID string) (int, error)
	MaxRoundByConsultationTx(ctx context.Context, tx *sqlx.Tx, consultationID string) (int, error)
	RetireRoundsTx(ctx context.Context, tx *sqlx.Tx, itemID string) error
	CreateAssessmentTx(ctx context.Context, tx *sqlx.Tx, assessment *models.ItemAssessment) error
	UpdateItemDetailsTx(ctx context.Context, tx *sqlx.Tx, itemID string, sampleName, testCode *string, quantity *int) error
	UpdateItemStatusTx(ctx context.Context, tx *sqlx.Tx, itemID string, status models.ItemStatus, assessorID, assessorName *string) error
	ListItemsByConsultationTx(ctx context.Context, tx *sqlx.Tx, consultationID string) ([]models.SampleTestItem, error)
}

type reassessmentParentStore interface {
	GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.ConsultationRequest, error)
	UpdateRequirementTx(ctx context.Context, tx *sqlx.Tx, id, requirement string) error
}

type roundRollup interface {
	LockTx(ctx context.Context, tx *sqlx.Tx, consultationID string) error
	ApplyItemTransitionTx(ctx context.Context, tx *sqlx.Tx, consultationID string, from, to models.CounterBucket) (*models.ConsultationRequest, models.ConsultationStatus, error)
	ResetForRoundTx(ctx context.Context, tx *sqlx.Tx, consultation *models.ConsultationRequest) error
	InvalidateSummary(ctx context.Context, id string)
	PublishStatusChange(id string, from, to models.ConsultationStatus)
}

// ReassessmentService opens new assessment rounds. A round supersedes all
// earlier rows of the affected items: exactly one row per item stays latest,
// and round numbers only ever grow.
type ReassessmentService struct {
	items     reassessmentItemStore
	parents   reassessmentParentStore
	rollup    roundRollup
	audit     auditLogger
	metrics   transitionCounter
	eventBus  eventPublisher
	tx        txProvider
	validator *validator.Validate
	logger    *zap.Logger
}

// NewReassessmentService wires the coordinator dependencies.
func NewReassessmentService(items reassessmentItemStore, parents reassessmentParentStore, rollup roundRollup, audit auditLogger, metrics transitionCounter, eventBus eventPublisher, tx txProvider, validate *validator.Validate, logger *zap.Logger) *ReassessmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReassessmentService{
		items:     items,
		parents:   parents,
		rollup:    rollup,
		audit:     audit,
		metrics:   metrics,
		eventBus:  eventBus,
		tx:        tx,
		validator: validate,
		logger:    logger,
	}
}

// ReassessItem retires the item's current round and opens the next one under
// a possibly different assessor. The item returns to pending and the parent
// counters shift with it, all in one transaction.
func (s *ReassessmentService) ReassessItem(ctx context.Context, itemID string, req dto.ReassessItemRequest, actor *models.JWTClaims) (*dto.ReassessItemResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reassessment payload")
	}

	// Plain read to resolve the parent; the consultation lock comes first,
	// then the item lock, matching every other writer.
	located, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "sample test item not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
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

	if err = s.rollup.LockTx(ctx, tx, located.ConsultationID); err != nil {
		return nil, err
	}
	item, err := s.items.GetItemForUpdateTx(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrNotFound, "sample test item not found")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
		return nil, err
	}

	maxRound, err := s.items.MaxRoundByItemTx(ctx, tx, item.ID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve current round")
		return nil, err
	}
	if err = s.items.RetireRoundsTx(ctx, tx, item.ID); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to retire previous rounds")
		return nil, err
	}

	next := &models.ItemAssessment{
		SampleTestItemID: item.ID,
		ConsultationID:   item.ConsultationID,
		AssessorID:       req.AssessorID,
		AssessorName:     req.AssessorName,
		Round:            maxRound + 1,
		IsLatest:         true,
	}
	if err = s.items.CreateAssessmentTx(ctx, tx, next); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open new round")
		return nil, err
	}

	if req.ModifiedData != nil {
		if err = s.items.UpdateItemDetailsTx(ctx, tx, item.ID, req.ModifiedData.SampleName, req.ModifiedData.TestCode, req.ModifiedData.Quantity); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update item details")
			return nil, err
		}
	}
	if err = s.items.UpdateItemStatusTx(ctx, tx, item.ID, models.ItemStatusAssessing, &req.AssessorID, &req.AssessorName); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update item status")
		return nil, err
	}

	parent, parentWas, err := s.rollup.ApplyItemTransitionTx(ctx, tx, item.ConsultationID, models.BucketFor(item.AssessmentStatus), models.BucketPending)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit reassessment")
		return nil, err
	}

	s.rollup.InvalidateSummary(ctx, item.ConsultationID)
	s.rollup.PublishStatusChange(item.ConsultationID, parentWas, parent.Status)
	s.publishItemReassessed(item.ID, item.ConsultationID, next.Round)
	s.countTransition("reassessment", "item")
	s.emitAudit(ctx, actor, models.AuditActionItemReassess, item.ID, map[string]interface{}{
		"consultationId": item.ConsultationID,
		"round":          next.Round,
		"assessorId":     req.AssessorID,
	})

	return &dto.ReassessItemResponse{
		SampleTestItemID: item.ID,
		NewAssessmentID:  next.ID,
		Round:            next.Round,
	}, nil
}

// ReassessConsultation reopens a failed request as a whole: every item gets a
// fresh round at the same number and an assessor from the supplied list,
// assigned round-robin. Only requests in assessment_failed may be reopened.
func (s *ReassessmentService) ReassessConsultation(ctx context.Context, consultationID string, req dto.ReassessConsultationRequest, actor *models.JWTClaims) (*dto.ReassessConsultationResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reassessment payload")
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

	consultation, err := s.parents.GetForUpdateTx(ctx, tx, consultationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrNotFound, "consultation not found")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock consultation")
		return nil, err
	}
	if consultation.Status != models.ConsultationStatusAssessmentFailed {
		err = appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("cannot reassess a consultation in status %s", consultation.Status))
		return nil, err
	}

	maxRound, err := s.items.MaxRoundByConsultationTx(ctx, tx, consultationID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve current round")
		return nil, err
	}
	nextRound := maxRound + 1

	if req.ConsultationData != nil && req.ConsultationData.Requirement != nil {
		if err = s.parents.UpdateRequirementTx(ctx, tx, consultationID, *req.ConsultationData.Requirement); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update requirement")
			return nil, err
		}
		consultation.Requirement = *req.ConsultationData.Requirement
	}

	items, err := s.items.ListItemsByConsultationTx(ctx, tx, consultationID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list consultation items")
		return nil, err
	}
	if len(items) == 0 {
		err = appErrors.Clone(appErrors.ErrStateConflict, "consultation has no items")
		return nil, err
	}

	for i := range items {
		item := &items[i]
		assessor := req.Assessors[i%len(req.Assessors)]
		if err = s.items.RetireRoundsTx(ctx, tx, item.ID); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to retire previous rounds")
			return nil, err
		}
		next := &models.ItemAssessment{
			SampleTestItemID: item.ID,
			ConsultationID:   consultationID,
			AssessorID:       assessor.ID,
			AssessorName:     assessor.Name,
			Round:            nextRound,
			IsLatest:         true,
		}
		if err = s.items.CreateAssessmentTx(ctx, tx, next); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open new round")
			return nil, err
		}
		if err = s.items.UpdateItemStatusTx(ctx, tx, item.ID, models.ItemStatusAssessing, &assessor.ID, &assessor.Name); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update item status")
			return nil, err
		}
	}

	if err = s.rollup.ResetForRoundTx(ctx, tx, consultation); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit reassessment")
		return nil, err
	}

	s.rollup.InvalidateSummary(ctx, consultationID)
	s.rollup.PublishStatusChange(consultationID, models.ConsultationStatusAssessmentFailed, models.ConsultationStatusAssessing)
	s.publishItemReassessed(consultationID, consultationID, nextRound)
	s.countTransition("reassessment", "consultation")
	s.emitAudit(ctx, actor, models.AuditActionConsultationReopen, consultationID, map[string]interface{}{
		"round":     nextRound,
		"itemCount": len(items),
		"assessors": len(req.Assessors),
	})

	return &dto.ReassessConsultationResponse{
		Round:   nextRound,
		Message: fmt.Sprintf("consultation reopened at round %d with %d items", nextRound, len(items)),
	}, nil
}

func (s *ReassessmentService) publishItemReassessed(entityID, consultationID string, round int) {
	if s.eventBus == nil {
		return
	}
	err := s.eventBus.Publish(events.Event{
		Topic:    events.TopicItemReassessed,
		EntityID: entityID,
		Payload:  map[string]interface{}{"consultationId": consultationID, "round": round},
	})
	if err != nil {
		s.logger.Warn("failed to publish reassessment event", zap.String("entity_id", entityID), zap.Error(err))
	}
}

func (s *ReassessmentService) countTransition(entity, action string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CountWorkflowTransition(entity, action)
}

func (s *ReassessmentService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	body, _ := json.Marshal(payload)
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "reassessment",
		ResourceID: &resourceID,
		NewValues:  body,
		IPAddress:  "system",
		UserAgent:  "reassessment-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
