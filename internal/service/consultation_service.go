package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/models"
	"github.com/limsflow/workflow-api/internal/repository"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
	"github.com/limsflow/workflow-api/pkg/events"
)

type consultationStore interface {
	GetByID(ctx context.Context, id string) (*models.ConsultationRequest, error)
	GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.ConsultationRequest, error)
	UpdateCountersTx(ctx context.Context, tx *sqlx.Tx, id string, pending, passed, failed int, status models.ConsultationStatus) error
	UpdateRequirementTx(ctx context.Context, tx *sqlx.Tx, id, requirement string) error
	Close(ctx context.Context, id string, reason *string) error
}

type consultationRoundReader interface {
	MaxRoundByConsultation(ctx context.Context, consultationID string) (int, error)
	ListLatestByConsultationTx(ctx context.Context, tx *sqlx.Tx, consultationID string) ([]models.ItemAssessment, error)
}

type summaryCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string)
}

type eventPublisher interface {
	Publish(event events.Event) error
}

// ConsultationService owns the parent rollup: it shifts counters for a
// single item transition and re-derives the status from the full triple
// inside the caller's transaction. It also serves cached summaries and
// closes requests.
type ConsultationService struct {
	repo     consultationStore
	rounds   consultationRoundReader
	cache    summaryCache
	audit    auditLogger
	eventBus eventPublisher
	logger   *zap.Logger
	cacheTTL time.Duration
}

// ConsultationServiceConfig tunes caching behaviour.
type ConsultationServiceConfig struct {
	SummaryCacheTTL time.Duration
}

// NewConsultationService constructs the service.
func NewConsultationService(repo consultationStore, rounds consultationRoundReader, cache summaryCache, audit auditLogger, eventBus eventPublisher, logger *zap.Logger, cfg ConsultationServiceConfig) *ConsultationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SummaryCacheTTL <= 0 {
		cfg.SummaryCacheTTL = 5 * time.Minute
	}
	return &ConsultationService{
		repo:     repo,
		rounds:   rounds,
		cache:    cache,
		audit:    audit,
		eventBus: eventBus,
		logger:   logger,
		cacheTTL: cfg.SummaryCacheTTL,
	}
}

// LockTx acquires the consultation row lock and rejects closed requests.
// Every writer takes this lock before touching any item or assessment row,
// so concurrent writers on the same consultation serialize here instead of
// meeting each other's row locks further down.
func (s *ConsultationService) LockTx(ctx context.Context, tx *sqlx.Tx, consultationID string) error {
	consultation, err := s.repo.GetForUpdateTx(ctx, tx, consultationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "consultation not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock consultation")
	}
	if consultation.Status == models.ConsultationStatusClosed {
		return appErrors.Clone(appErrors.ErrStateConflict, "consultation is closed")
	}
	return nil
}

// ApplyItemTransitionTx re-reads the parent under lock, moves one item
// between counter buckets, and re-derives the status from the resulting
// triple. It runs inside the item transition's transaction so the counters
// and the item row commit or roll back together.
func (s *ConsultationService) ApplyItemTransitionTx(ctx context.Context, tx *sqlx.Tx, consultationID string, from, to models.CounterBucket) (*models.ConsultationRequest, models.ConsultationStatus, error) {
	consultation, err := s.repo.GetForUpdateTx(ctx, tx, consultationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "consultation not found")
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock consultation")
	}
	if consultation.Status == models.ConsultationStatusClosed {
		return nil, "", appErrors.Clone(appErrors.ErrStateConflict, "consultation is closed")
	}
	previous := consultation.Status

	pending, passed, failed := consultation.PendingItems, consultation.PassedItems, consultation.FailedItems
	if from != to {
		switch from {
		case models.BucketPending:
			pending--
		case models.BucketPassed:
			passed--
		case models.BucketFailed:
			failed--
		}
		switch to {
		case models.BucketPending:
			pending++
		case models.BucketPassed:
			passed++
		case models.BucketFailed:
			failed++
		}
	}
	if pending < 0 || passed < 0 || failed < 0 {
		return nil, "", appErrors.Clone(appErrors.ErrInternal, fmt.Sprintf("consultation %s counters out of balance", consultationID))
	}

	status, ok := models.DeriveConsultationStatus(pending, passed, failed)
	if !ok {
		return nil, "", appErrors.Clone(appErrors.ErrInternal, "consultation has no items to derive status from")
	}

	if err := s.repo.UpdateCountersTx(ctx, tx, consultationID, pending, passed, failed, status); err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update consultation counters")
	}

	consultation.PendingItems = pending
	consultation.PassedItems = passed
	consultation.FailedItems = failed
	consultation.Status = status
	return consultation, previous, nil
}

// RecountTx rebuilds the parent counters from the full set of active sibling
// assessments and re-derives the status. Verdict edits go through here: an
// edit can flip any item in any direction, so the derivation runs over the
// whole ledger rather than shifting a single counter pair.
func (s *ConsultationService) RecountTx(ctx context.Context, tx *sqlx.Tx, consultationID string) (*models.ConsultationRequest, models.ConsultationStatus, error) {
	if s.rounds == nil {
		return nil, "", appErrors.Clone(appErrors.ErrInternal, "assessment ledger reader not configured")
	}

	consultation, err := s.repo.GetForUpdateTx(ctx, tx, consultationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "consultation not found")
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock consultation")
	}
	if consultation.Status == models.ConsultationStatusClosed {
		return nil, "", appErrors.Clone(appErrors.ErrStateConflict, "consultation is closed")
	}
	previous := consultation.Status

	latest, err := s.rounds.ListLatestByConsultationTx(ctx, tx, consultationID)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active assessments")
	}
	if len(latest) != consultation.TotalItems {
		return nil, "", appErrors.Clone(appErrors.ErrInternal, fmt.Sprintf("consultation %s has %d active assessments for %d items", consultationID, len(latest), consultation.TotalItems))
	}

	var pending, passed, failed int
	for i := range latest {
		if latest[i].Feasibility == nil {
			pending++
			continue
		}
		switch models.ItemStatusForVerdict(*latest[i].Feasibility) {
		case models.ItemStatusFailed:
			failed++
		default:
			passed++
		}
	}

	status, ok := models.DeriveConsultationStatus(pending, passed, failed)
	if !ok {
		return nil, "", appErrors.Clone(appErrors.ErrInternal, "consultation has no items to derive status from")
	}
	if err := s.repo.UpdateCountersTx(ctx, tx, consultationID, pending, passed, failed, status); err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update consultation counters")
	}

	consultation.PendingItems = pending
	consultation.PassedItems = passed
	consultation.FailedItems = failed
	consultation.Status = status
	return consultation, previous, nil
}

// ResetForRoundTx puts every item back in the pending bucket for a new
// round: pending = total, passed = failed = 0, status assessing.
func (s *ConsultationService) ResetForRoundTx(ctx context.Context, tx *sqlx.Tx, consultation *models.ConsultationRequest) error {
	if consultation.TotalItems <= 0 {
		return appErrors.Clone(appErrors.ErrStateConflict, "consultation has no items")
	}
	if err := s.repo.UpdateCountersTx(ctx, tx, consultation.ID, consultation.TotalItems, 0, 0, models.ConsultationStatusAssessing); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset consultation counters")
	}
	consultation.PendingItems = consultation.TotalItems
	consultation.PassedItems = 0
	consultation.FailedItems = 0
	consultation.Status = models.ConsultationStatusAssessing
	return nil
}

// Close marks a consultation closed. Closing is terminal and independent of
// the counters.
func (s *ConsultationService) Close(ctx context.Context, id string, req dto.CloseConsultationRequest, actor *models.JWTClaims) error {
	consultation, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "consultation not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load consultation")
	}

	var reason *string
	if req.CloseReason != "" {
		reason = &req.CloseReason
	}
	if err := s.repo.Close(ctx, id, reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrStateConflict, "consultation already closed")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close consultation")
	}

	s.InvalidateSummary(ctx, id)
	s.emitAudit(ctx, actor, models.AuditActionConsultationClose, id, map[string]interface{}{
		"previousStatus": consultation.Status,
		"closeReason":    req.CloseReason,
	})
	s.publishStatusChange(id, consultation.Status, models.ConsultationStatusClosed)
	return nil
}

// Summary serves the aggregated read model, read-through cached.
func (s *ConsultationService) Summary(ctx context.Context, id string) (*dto.ConsultationSummary, error) {
	key := summaryCacheKey(id)
	if s.cache != nil {
		var cached dto.ConsultationSummary
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, repository.ErrCacheMiss) {
			s.logger.Warn("summary cache read failed", zap.String("consultation_id", id), zap.Error(err))
		}
	}

	consultation, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "consultation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load consultation")
	}

	latestRound := 0
	if s.rounds != nil {
		if latestRound, err = s.rounds.MaxRoundByConsultation(ctx, id); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve latest round")
		}
	}

	summary := &dto.ConsultationSummary{
		ID:           consultation.ID,
		Code:         consultation.Code,
		Requirement:  consultation.Requirement,
		Status:       consultation.Status,
		TotalItems:   consultation.TotalItems,
		PendingItems: consultation.PendingItems,
		PassedItems:  consultation.PassedItems,
		FailedItems:  consultation.FailedItems,
		LatestRound:  latestRound,
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, summary, s.cacheTTL); err != nil {
			s.logger.Warn("summary cache write failed", zap.String("consultation_id", id), zap.Error(err))
		}
	}
	return summary, nil
}

// InvalidateSummary drops the cached summary after a committed mutation.
func (s *ConsultationService) InvalidateSummary(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(ctx, summaryCacheKey(id))
}

// PublishStatusChange emits a post-commit state-change event.
func (s *ConsultationService) PublishStatusChange(id string, from, to models.ConsultationStatus) {
	s.publishStatusChange(id, from, to)
}

func (s *ConsultationService) publishStatusChange(id string, from, to models.ConsultationStatus) {
	if s.eventBus == nil || from == to {
		return
	}
	err := s.eventBus.Publish(events.Event{
		Topic:    events.TopicConsultationStatusChanged,
		EntityID: id,
		Payload:  map[string]interface{}{"from": from, "to": to},
	})
	if err != nil {
		s.logger.Warn("failed to publish consultation status change", zap.String("consultation_id", id), zap.Error(err))
	}
}

func (s *ConsultationService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	body, _ := json.Marshal(payload)
	log := &models.AuditLog{
		Action:     action,
		Resource:   "consultation",
		ResourceID: &resourceID,
		NewValues:  body,
		IPAddress:  "system",
		UserAgent:  "consultation-service",
	}
	if actor != nil {
		log.UserID = &actor.UserID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func summaryCacheKey(id string) string {
	return "consultation:summary:" + id
}
