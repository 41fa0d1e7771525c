package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
	"github.com/limsflow/workflow-api/pkg/events"
)

func newTxMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type metricsStub struct {
	counts map[string]int
}

func newMetricsStub() *metricsStub {
	return &metricsStub{counts: make(map[string]int)}
}

func (m *metricsStub) CountWorkflowTransition(entity, action string) {
	m.counts[entity+"/"+action]++
}

type busStub struct {
	events []events.Event
}

func (b *busStub) Publish(event events.Event) error {
	b.events = append(b.events, event)
	return nil
}

// callLog records lock acquisitions across stubs so tests can assert the
// order writers take them in.
type callLog struct {
	calls []string
}

func (l *callLog) add(name string) {
	if l == nil {
		return
	}
	l.calls = append(l.calls, name)
}

// aggregatorStub backs both the ledger's aggregator dependency and the
// coordinator's rollup dependency with an in-memory consultation.
type aggregatorStub struct {
	consultation *models.ConsultationRequest
	store        *assessmentStoreStub
	applyErr     error
	invalidated  []string
	published    [][2]models.ConsultationStatus
	resetCalled  bool
	log          *callLog
}

func (a *aggregatorStub) LockTx(ctx context.Context, tx *sqlx.Tx, consultationID string) error {
	a.log.add("lock consultation")
	if a.consultation != nil && a.consultation.Status == models.ConsultationStatusClosed {
		return appErrors.Clone(appErrors.ErrStateConflict, "consultation is closed")
	}
	return nil
}

func (a *aggregatorStub) RecountTx(ctx context.Context, tx *sqlx.Tx, consultationID string) (*models.ConsultationRequest, models.ConsultationStatus, error) {
	previous := a.consultation.Status
	var pending, passed, failed int
	for _, row := range a.store.assessments {
		if !row.IsLatest || row.ConsultationID != consultationID {
			continue
		}
		if row.Feasibility == nil {
			pending++
			continue
		}
		if models.ItemStatusForVerdict(*row.Feasibility) == models.ItemStatusFailed {
			failed++
		} else {
			passed++
		}
	}
	a.consultation.PendingItems = pending
	a.consultation.PassedItems = passed
	a.consultation.FailedItems = failed
	status, _ := models.DeriveConsultationStatus(pending, passed, failed)
	a.consultation.Status = status
	return a.consultation, previous, nil
}

func (a *aggregatorStub) ApplyItemTransitionTx(ctx context.Context, tx *sqlx.Tx, consultationID string, from, to models.CounterBucket) (*models.ConsultationRequest, models.ConsultationStatus, error) {
	if a.applyErr != nil {
		return nil, "", a.applyErr
	}
	previous := a.consultation.Status
	if from != to {
		shift := func(bucket models.CounterBucket, delta int) {
			switch bucket {
			case models.BucketPending:
				a.consultation.PendingItems += delta
			case models.BucketPassed:
				a.consultation.PassedItems += delta
			case models.BucketFailed:
				a.consultation.FailedItems += delta
			}
		}
		shift(from, -1)
		shift(to, 1)
	}
	status, _ := models.DeriveConsultationStatus(a.consultation.PendingItems, a.consultation.PassedItems, a.consultation.FailedItems)
	a.consultation.Status = status
	return a.consultation, previous, nil
}

func (a *aggregatorStub) ResetForRoundTx(ctx context.Context, tx *sqlx.Tx, consultation *models.ConsultationRequest) error {
	a.resetCalled = true
	consultation.PendingItems = consultation.TotalItems
	consultation.PassedItems = 0
	consultation.FailedItems = 0
	consultation.Status = models.ConsultationStatusAssessing
	return nil
}

func (a *aggregatorStub) InvalidateSummary(ctx context.Context, id string) {
	a.invalidated = append(a.invalidated, id)
}

func (a *aggregatorStub) PublishStatusChange(id string, from, to models.ConsultationStatus) {
	a.published = append(a.published, [2]models.ConsultationStatus{from, to})
}

type assessmentStoreStub struct {
	assessments map[string]*models.ItemAssessment
	items       map[string]*models.SampleTestItem
	history     []models.ItemAssessment
	log         *callLog
}

func newAssessmentStoreStub() *assessmentStoreStub {
	return &assessmentStoreStub{
		assessments: make(map[string]*models.ItemAssessment),
		items:       make(map[string]*models.SampleTestItem),
	}
}

func (s *assessmentStoreStub) GetAssessment(ctx context.Context, id string) (*models.ItemAssessment, error) {
	s.log.add("read assessment")
	if a, ok := s.assessments[id]; ok {
		copy := *a
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (s *assessmentStoreStub) GetAssessmentForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.ItemAssessment, error) {
	s.log.add("lock assessment")
	if a, ok := s.assessments[id]; ok {
		copy := *a
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (s *assessmentStoreStub) GetItemForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.SampleTestItem, error) {
	s.log.add("lock item")
	if item, ok := s.items[id]; ok {
		copy := *item
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (s *assessmentStoreStub) SubmitVerdictTx(ctx context.Context, tx *sqlx.Tx, id string, verdict models.FeasibilityVerdict, note *string, submittedAt time.Time) error {
	a, ok := s.assessments[id]
	if !ok || !a.IsLatest {
		return sql.ErrNoRows
	}
	a.Feasibility = &verdict
	a.Note = note
	a.SubmittedAt = &submittedAt
	return nil
}

func (s *assessmentStoreStub) UpdateItemStatusTx(ctx context.Context, tx *sqlx.Tx, itemID string, status models.ItemStatus, assessorID, assessorName *string) error {
	item, ok := s.items[itemID]
	if !ok {
		return sql.ErrNoRows
	}
	item.AssessmentStatus = status
	if assessorID != nil {
		item.AssessorID = assessorID
	}
	if assessorName != nil {
		item.AssessorName = assessorName
	}
	return nil
}

func (s *assessmentStoreStub) ListHistoryByItem(ctx context.Context, itemID string) ([]models.ItemAssessment, error) {
	return s.history, nil
}

func seedAssessmentFixture(store *assessmentStoreStub) (*models.ItemAssessment, *models.SampleTestItem) {
	item := &models.SampleTestItem{
		ID:               "item-1",
		ConsultationID:   "con-1",
		SampleName:       "wastewater",
		TestCode:         "PH-01",
		Quantity:         2,
		AssessmentStatus: models.ItemStatusAssessing,
	}
	assessment := &models.ItemAssessment{
		ID:               "assess-1",
		SampleTestItemID: item.ID,
		ConsultationID:   item.ConsultationID,
		AssessorID:       "user-1",
		AssessorName:     "Dr. Wu",
		Round:            1,
		IsLatest:         true,
	}
	store.items[item.ID] = item
	store.assessments[assessment.ID] = assessment
	return assessment, item
}

func TestAssessmentServiceSubmitVerdict(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	store := newAssessmentStoreStub()
	seedAssessmentFixture(store)
	aggregator := &aggregatorStub{consultation: &models.ConsultationRequest{
		ID: "con-1", TotalItems: 2, PendingItems: 1, PassedItems: 1,
		Status: models.ConsultationStatusAssessing,
	}}
	audit := &auditStub{}
	metrics := newMetricsStub()
	svc := NewAssessmentService(store, aggregator, audit, metrics, db, nil, nil)

	actor := &models.JWTClaims{UserID: "user-1", FullName: "Dr. Wu", Role: models.RoleAssessor}
	result, err := svc.SubmitVerdict(context.Background(), "assess-1", dto.SubmitVerdictRequest{
		Feasibility:     models.FeasibilityFeasible,
		FeasibilityNote: "standard method applies",
	}, actor)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, models.ConsultationStatusAssessmentPassed, result.ParentStatus)
	assert.Equal(t, models.ItemStatusPassed, store.items["item-1"].AssessmentStatus)
	assert.True(t, store.assessments["assess-1"].Submitted())
	assert.Equal(t, []string{"con-1"}, aggregator.invalidated)
	require.Len(t, aggregator.published, 1)
	assert.Equal(t, models.ConsultationStatusAssessing, aggregator.published[0][0])
	assert.Equal(t, models.ConsultationStatusAssessmentPassed, aggregator.published[0][1])
	assert.Equal(t, 1, metrics.counts["assessment/verdict_feasible"])
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionVerdictSubmit, audit.logs[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentServiceSubmitVerdictWrongAssessor(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	store := newAssessmentStoreStub()
	seedAssessmentFixture(store)
	svc := NewAssessmentService(store, &aggregatorStub{}, &auditStub{}, nil, db, nil, nil)

	actor := &models.JWTClaims{UserID: "intruder", Role: models.RoleAssessor}
	_, err := svc.SubmitVerdict(context.Background(), "assess-1", dto.SubmitVerdictRequest{
		Feasibility: models.FeasibilityFeasible,
	}, actor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotAssigned.Code, appErrors.FromError(err).Code)
	assert.False(t, store.assessments["assess-1"].Submitted())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentServiceSubmitVerdictTwice(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	store := newAssessmentStoreStub()
	assessment, _ := seedAssessmentFixture(store)
	now := time.Now().UTC()
	store.assessments[assessment.ID].SubmittedAt = &now

	svc := NewAssessmentService(store, &aggregatorStub{}, &auditStub{}, nil, db, nil, nil)
	actor := &models.JWTClaims{UserID: "user-1", Role: models.RoleAssessor}
	_, err := svc.SubmitVerdict(context.Background(), "assess-1", dto.SubmitVerdictRequest{
		Feasibility: models.FeasibilityInfeasible,
	}, actor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentServiceSubmitVerdictSuperseded(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	store := newAssessmentStoreStub()
	assessment, _ := seedAssessmentFixture(store)
	store.assessments[assessment.ID].IsLatest = false

	svc := NewAssessmentService(store, &aggregatorStub{}, &auditStub{}, nil, db, nil, nil)
	actor := &models.JWTClaims{UserID: "user-1", Role: models.RoleAssessor}
	_, err := svc.SubmitVerdict(context.Background(), "assess-1", dto.SubmitVerdictRequest{
		Feasibility: models.FeasibilityFeasible,
	}, actor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentServiceSubmitVerdictInvalidEnum(t *testing.T) {
	db, _ := newTxMock(t)
	store := newAssessmentStoreStub()
	seedAssessmentFixture(store)
	svc := NewAssessmentService(store, &aggregatorStub{}, &auditStub{}, nil, db, nil, nil)
	actor := &models.JWTClaims{UserID: "user-1"}
	_, err := svc.SubmitVerdict(context.Background(), "assess-1", dto.SubmitVerdictRequest{
		Feasibility: "maybe",
	}, actor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestAssessmentServiceModifyVerdictFlipsParent(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	store := newAssessmentStoreStub()
	assessment, item := seedAssessmentFixture(store)
	verdict := models.FeasibilityFeasible
	now := time.Now().UTC()
	store.assessments[assessment.ID].Feasibility = &verdict
	store.assessments[assessment.ID].SubmittedAt = &now
	store.items[item.ID].AssessmentStatus = models.ItemStatusPassed

	// A submitted sibling, so the recount spans the whole consultation.
	sibling := models.FeasibilityFeasible
	store.assessments["assess-2"] = &models.ItemAssessment{
		ID:               "assess-2",
		SampleTestItemID: "item-2",
		ConsultationID:   "con-1",
		AssessorID:       "user-2",
		Round:            1,
		IsLatest:         true,
		Feasibility:      &sibling,
		SubmittedAt:      &now,
	}

	aggregator := &aggregatorStub{store: store, consultation: &models.ConsultationRequest{
		ID: "con-1", TotalItems: 2, PassedItems: 2,
		Status: models.ConsultationStatusAssessmentPassed,
	}}
	audit := &auditStub{}
	svc := NewAssessmentService(store, aggregator, audit, newMetricsStub(), db, nil, nil)

	actor := &models.JWTClaims{UserID: "user-1", Role: models.RoleAssessor}
	err := svc.ModifyVerdict(context.Background(), "assess-1", dto.ModifyVerdictRequest{
		Conclusion: models.FeasibilityInfeasible,
		Feedback:   "sample volume below detection limit",
	}, actor)
	require.NoError(t, err)

	assert.Equal(t, models.ItemStatusFailed, store.items["item-1"].AssessmentStatus)
	assert.Equal(t, models.ConsultationStatusAssessmentFailed, aggregator.consultation.Status)
	assert.Equal(t, 1, aggregator.consultation.PassedItems)
	assert.Equal(t, 1, aggregator.consultation.FailedItems)
	assert.Equal(t, 0, aggregator.consultation.PendingItems)
	require.Len(t, aggregator.published, 1)
	assert.Equal(t, models.ConsultationStatusAssessmentPassed, aggregator.published[0][0])
	assert.Equal(t, models.ConsultationStatusAssessmentFailed, aggregator.published[0][1])
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionVerdictModify, audit.logs[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentServiceSubmitVerdictLockOrder(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	log := &callLog{}
	store := newAssessmentStoreStub()
	store.log = log
	seedAssessmentFixture(store)
	aggregator := &aggregatorStub{log: log, consultation: &models.ConsultationRequest{
		ID: "con-1", TotalItems: 1, PendingItems: 1,
		Status: models.ConsultationStatusAssessing,
	}}
	svc := NewAssessmentService(store, aggregator, &auditStub{}, nil, db, nil, nil)

	actor := &models.JWTClaims{UserID: "user-1", Role: models.RoleAssessor}
	_, err := svc.SubmitVerdict(context.Background(), "assess-1", dto.SubmitVerdictRequest{
		Feasibility: models.FeasibilityFeasible,
	}, actor)
	require.NoError(t, err)

	// Writers take row locks consultation first, then item, then assessment,
	// so a submit racing a reassessment queues instead of deadlocking.
	assert.Equal(t, []string{"read assessment", "lock consultation", "lock item", "lock assessment"}, log.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentServiceSubmitVerdictClosedParent(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	store := newAssessmentStoreStub()
	seedAssessmentFixture(store)
	aggregator := &aggregatorStub{consultation: &models.ConsultationRequest{
		ID: "con-1", TotalItems: 1, PendingItems: 1,
		Status: models.ConsultationStatusClosed,
	}}
	svc := NewAssessmentService(store, aggregator, &auditStub{}, nil, db, nil, nil)

	actor := &models.JWTClaims{UserID: "user-1", Role: models.RoleAssessor}
	_, err := svc.SubmitVerdict(context.Background(), "assess-1", dto.SubmitVerdictRequest{
		Feasibility: models.FeasibilityFeasible,
	}, actor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
	assert.False(t, store.assessments["assess-1"].Submitted())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentServiceModifyVerdictNotYetSubmitted(t *testing.T) {
	db, mock := newTxMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	store := newAssessmentStoreStub()
	seedAssessmentFixture(store)
	svc := NewAssessmentService(store, &aggregatorStub{}, &auditStub{}, nil, db, nil, nil)
	actor := &models.JWTClaims{UserID: "user-1"}
	err := svc.ModifyVerdict(context.Background(), "assess-1", dto.ModifyVerdictRequest{
		Conclusion: models.FeasibilityFeasible,
	}, actor)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateConflict.Code, appErrors.FromError(err).Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssessmentServiceItemHistoryNotFound(t *testing.T) {
	db, _ := newTxMock(t)
	svc := NewAssessmentService(newAssessmentStoreStub(), &aggregatorStub{}, &auditStub{}, nil, db, nil, nil)
	_, err := svc.ItemHistory(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
