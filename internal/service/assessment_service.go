package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
)

type assessmentStore interface {
	GetAssessment(ctx context.Context, id string) (*models.ItemAssessment, error)
	GetAssessmentForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.ItemAssessment, error)
	GetItemForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.SampleTestItem, error)
	SubmitVerdictTx(ctx context.Context, tx *sqlx.Tx, id string, verdict models.FeasibilityVerdict, note *string, submittedAt time.Time) error
	UpdateItemStatusTx(ctx context.Context, tx *sqlx.Tx, itemID string, status models.ItemStatus, assessorID, assessorName *string) error
	ListHistoryByItem(ctx context.Context, itemID string) ([]models.ItemAssessment, error)
}

type itemTransitionAggregator interface {
	LockTx(ctx context.Context, tx *sqlx.Tx, consultationID string) error
	ApplyItemTransitionTx(ctx context.Context, tx *sqlx.Tx, consultationID string, from, to models.CounterBucket) (*models.ConsultationRequest, models.ConsultationStatus, error)
	RecountTx(ctx context.Context, tx *sqlx.Tx, consultationID string) (*models.ConsultationRequest, models.ConsultationStatus, error)
	InvalidateSummary(ctx context.Context, id string)
	PublishStatusChange(id string, from, to models.ConsultationStatus)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type transitionCounter interface {
	CountWorkflowTransition(entity, action string)
}

// AssessmentService is the item ledger: it records verdicts on the active
// assessment row of an item and drives the parent rollup in the same
// transaction. Exactly one aggregation recomputation happens per successful
// submission.
type AssessmentService struct {
	repo       assessmentStore
	aggregator itemTransitionAggregator
	audit      auditLogger
	metrics    transitionCounter
	tx         txProvider
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewAssessmentService wires the ledger dependencies.
func NewAssessmentService(repo assessmentStore, aggregator itemTransitionAggregator, audit auditLogger, metrics transitionCounter, tx txProvider, validate *validator.Validate, logger *zap.Logger) *AssessmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssessmentService{
		repo:       repo,
		aggregator: aggregator,
		audit:      audit,
		metrics:    metrics,
		tx:         tx,
		validator:  validate,
		logger:     logger,
	}
}

// SubmitVerdict records an assessor's verdict for the active round of an
// item. Only the assigned assessor may submit, and only once per round; the
// parent counters and status are recomputed before the transaction commits.
func (s *AssessmentService) SubmitVerdict(ctx context.Context, assessmentID string, req dto.SubmitVerdictRequest, actor *models.JWTClaims) (*dto.SubmitVerdictResponse, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid verdict payload")
	}
	if !req.Feasibility.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "feasibility must be feasible, infeasible, or conditional")
	}

	// Plain read to resolve the owning rows; all guards run on the locked
	// re-read below. Lock order for every writer is consultation, then item,
	// then assessment row.
	located, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "assessment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assessment")
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

	if err = s.aggregator.LockTx(ctx, tx, located.ConsultationID); err != nil {
		return nil, err
	}
	item, err := s.repo.GetItemForUpdateTx(ctx, tx, located.SampleTestItemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrNotFound, "sample test item not found")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
		return nil, err
	}
	assessment, err := s.repo.GetAssessmentForUpdateTx(ctx, tx, assessmentID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assessment")
		return nil, err
	}
	if !assessment.IsLatest {
		err = appErrors.Clone(appErrors.ErrStateConflict, "assessment superseded by a newer round")
		return nil, err
	}
	if assessment.AssessorID != actor.UserID {
		err = appErrors.Clone(appErrors.ErrNotAssigned, "only the assigned assessor may submit this verdict")
		return nil, err
	}
	if assessment.Submitted() {
		err = appErrors.Clone(appErrors.ErrStateConflict, "verdict already submitted for this round")
		return nil, err
	}

	now := time.Now().UTC()
	var note *string
	if req.FeasibilityNote != "" {
		note = &req.FeasibilityNote
	}
	if err = s.repo.SubmitVerdictTx(ctx, tx, assessment.ID, req.Feasibility, note, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrStateConflict, "assessment superseded by a newer round")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record verdict")
		return nil, err
	}

	newStatus := models.ItemStatusForVerdict(req.Feasibility)
	if err = s.repo.UpdateItemStatusTx(ctx, tx, item.ID, newStatus, nil, nil); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update item status")
		return nil, err
	}

	parent, parentWas, err := s.aggregator.ApplyItemTransitionTx(ctx, tx, item.ConsultationID, models.BucketFor(item.AssessmentStatus), models.BucketFor(newStatus))
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit verdict")
		return nil, err
	}

	s.aggregator.InvalidateSummary(ctx, item.ConsultationID)
	s.aggregator.PublishStatusChange(item.ConsultationID, parentWas, parent.Status)
	s.countTransition("assessment", "verdict_"+string(req.Feasibility))
	s.emitAudit(ctx, actor, models.AuditActionVerdictSubmit, assessment.ID, map[string]interface{}{
		"itemId":      item.ID,
		"round":       assessment.Round,
		"feasibility": req.Feasibility,
	})

	return &dto.SubmitVerdictResponse{
		AssessmentID:     assessment.ID,
		SampleTestItemID: item.ID,
		ParentStatus:     parent.Status,
	}, nil
}

// ModifyVerdict edits an already-submitted verdict on the active round.
// The parent is recounted from every sibling's active verdict so a late
// infeasible finding can fail the request.
func (s *AssessmentService) ModifyVerdict(ctx context.Context, assessmentID string, req dto.ModifyVerdictRequest, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid verdict modification payload")
	}
	if !req.Conclusion.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "conclusion must be feasible, infeasible, or conditional")
	}

	// Same lock order as SubmitVerdict: consultation, item, assessment.
	located, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "assessment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assessment")
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

	if err = s.aggregator.LockTx(ctx, tx, located.ConsultationID); err != nil {
		return err
	}
	item, err := s.repo.GetItemForUpdateTx(ctx, tx, located.SampleTestItemID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
		return err
	}
	assessment, err := s.repo.GetAssessmentForUpdateTx(ctx, tx, assessmentID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assessment")
		return err
	}
	if !assessment.IsLatest {
		err = appErrors.Clone(appErrors.ErrStateConflict, "assessment superseded by a newer round")
		return err
	}
	if assessment.AssessorID != actor.UserID {
		err = appErrors.Clone(appErrors.ErrNotAssigned, "only the assigned assessor may modify this verdict")
		return err
	}
	if !assessment.Submitted() {
		err = appErrors.Clone(appErrors.ErrStateConflict, "verdict not yet submitted")
		return err
	}
	previous := *assessment.Feasibility

	now := time.Now().UTC()
	var note *string
	if req.Feedback != "" {
		note = &req.Feedback
	}
	if err = s.repo.SubmitVerdictTx(ctx, tx, assessment.ID, req.Conclusion, note, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = appErrors.Clone(appErrors.ErrStateConflict, "assessment superseded by a newer round")
			return err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to modify verdict")
		return err
	}

	newStatus := models.ItemStatusForVerdict(req.Conclusion)
	if err = s.repo.UpdateItemStatusTx(ctx, tx, item.ID, newStatus, nil, nil); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update item status")
		return err
	}

	parent, parentWas, err := s.aggregator.RecountTx(ctx, tx, item.ConsultationID)
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit verdict modification")
		return err
	}

	s.aggregator.InvalidateSummary(ctx, item.ConsultationID)
	s.aggregator.PublishStatusChange(item.ConsultationID, parentWas, parent.Status)
	s.countTransition("assessment", "verdict_modified")
	s.emitAudit(ctx, actor, models.AuditActionVerdictModify, assessment.ID, map[string]interface{}{
		"itemId":   item.ID,
		"round":    assessment.Round,
		"previous": previous,
		"current":  req.Conclusion,
	})
	return nil
}

// ItemHistory returns every round of an item's ledger, newest first.
func (s *AssessmentService) ItemHistory(ctx context.Context, itemID string) ([]models.ItemAssessment, error) {
	history, err := s.repo.ListHistoryByItem(ctx, itemID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item history")
	}
	if len(history) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no assessments recorded for this item")
	}
	return history, nil
}

func (s *AssessmentService) countTransition(entity, action string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CountWorkflowTransition(entity, action)
}

func (s *AssessmentService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	body, _ := json.Marshal(payload)
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "assessment",
		ResourceID: &resourceID,
		NewValues:  body,
		IPAddress:  "system",
		UserAgent:  "assessment-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
