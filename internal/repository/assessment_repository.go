package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/limsflow/workflow-api/internal/models"
)

const itemAssessmentColumns = `id, sample_test_item_id, consultation_id, assessor_id, assessor_name,
       round, is_latest, feasibility, note, requested_at, submitted_at`

const sampleTestItemColumns = `id, consultation_id, sample_name, test_code, quantity,
       assessment_status, assessor_id, assessor_name, created_at, updated_at`

// AssessmentRepository persists sample/test items and their per-round
// assessment ledger. Multi-row mutations run through the Tx variants so the
// owning service controls the transaction boundary.
type AssessmentRepository struct {
	db *sqlx.DB
}

// NewAssessmentRepository constructs the repository.
func NewAssessmentRepository(db *sqlx.DB) *AssessmentRepository {
	return &AssessmentRepository{db: db}
}

// GetAssessment fetches an assessment row outside any transaction. Writers
// use it to resolve the owning consultation and item before taking locks.
func (r *AssessmentRepository) GetAssessment(ctx context.Context, id string) (*models.ItemAssessment, error) {
	query := fmt.Sprintf("SELECT %s FROM item_assessments WHERE id = $1", itemAssessmentColumns)
	var assessment models.ItemAssessment
	if err := r.db.GetContext(ctx, &assessment, query, id); err != nil {
		return nil, err
	}
	return &assessment, nil
}

// GetAssessmentForUpdateTx loads an assessment row and locks it for the
// duration of the transaction. Writers take this lock last, after the
// consultation and item rows.
func (r *AssessmentRepository) GetAssessmentForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.ItemAssessment, error) {
	query := fmt.Sprintf("SELECT %s FROM item_assessments WHERE id = $1 FOR UPDATE", itemAssessmentColumns)
	var assessment models.ItemAssessment
	if err := tx.GetContext(ctx, &assessment, query, id); err != nil {
		return nil, err
	}
	return &assessment, nil
}

// GetItemForUpdateTx loads and locks a sample/test item. The lock serializes
// concurrent reassessments of the same item so round numbers cannot collide.
func (r *AssessmentRepository) GetItemForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.SampleTestItem, error) {
	query := fmt.Sprintf("SELECT %s FROM sample_test_items WHERE id = $1 FOR UPDATE", sampleTestItemColumns)
	var item models.SampleTestItem
	if err := tx.GetContext(ctx, &item, query, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// SubmitVerdictTx writes the verdict onto the active row. Guarded on
// is_latest so a submission racing a reassessment loses cleanly.
func (r *AssessmentRepository) SubmitVerdictTx(ctx context.Context, tx *sqlx.Tx, id string, verdict models.FeasibilityVerdict, note *string, submittedAt time.Time) error {
	const query = `UPDATE item_assessments
        SET feasibility = $2, note = $3, submitted_at = $4
        WHERE id = $1 AND is_latest = TRUE`
	result, err := tx.ExecContext(ctx, query, id, verdict, note, submittedAt)
	if err != nil {
		return fmt.Errorf("submit verdict: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check verdict rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RetireRoundsTx flips is_latest off for every row of one item only. Other
// items' rows are never touched.
func (r *AssessmentRepository) RetireRoundsTx(ctx context.Context, tx *sqlx.Tx, itemID string) error {
	const query = `UPDATE item_assessments SET is_latest = FALSE
        WHERE sample_test_item_id = $1 AND is_latest = TRUE`
	if _, err := tx.ExecContext(ctx, query, itemID); err != nil {
		return fmt.Errorf("retire rounds: %w", err)
	}
	return nil
}

// MaxRoundByItemTx returns the highest round recorded for an item, zero when
// the item was never assessed. Callers must hold the item lock.
func (r *AssessmentRepository) MaxRoundByItemTx(ctx context.Context, tx *sqlx.Tx, itemID string) (int, error) {
	const query = `SELECT COALESCE(MAX(round), 0) FROM item_assessments WHERE sample_test_item_id = $1`
	var round int
	if err := tx.GetContext(ctx, &round, query, itemID); err != nil {
		return 0, fmt.Errorf("max round by item: %w", err)
	}
	return round, nil
}

// MaxRoundByConsultationTx returns the highest round across all items of a
// consultation. Callers must hold the consultation lock.
func (r *AssessmentRepository) MaxRoundByConsultationTx(ctx context.Context, tx *sqlx.Tx, consultationID string) (int, error) {
	const query = `SELECT COALESCE(MAX(round), 0) FROM item_assessments WHERE consultation_id = $1`
	var round int
	if err := tx.GetContext(ctx, &round, query, consultationID); err != nil {
		return 0, fmt.Errorf("max round by consultation: %w", err)
	}
	return round, nil
}

// CreateAssessmentTx appends a fresh assessment row.
func (r *AssessmentRepository) CreateAssessmentTx(ctx context.Context, tx *sqlx.Tx, assessment *models.ItemAssessment) error {
	if assessment.ID == "" {
		assessment.ID = uuid.NewString()
	}
	if assessment.RequestedAt.IsZero() {
		assessment.RequestedAt = time.Now().UTC()
	}
	const query = `INSERT INTO item_assessments
        (id, sample_test_item_id, consultation_id, assessor_id, assessor_name, round, is_latest, feasibility, note, requested_at, submitted_at)
        VALUES (:id, :sample_test_item_id, :consultation_id, :assessor_id, :assessor_name, :round, :is_latest, :feasibility, :note, :requested_at, :submitted_at)`
	if _, err := tx.NamedExecContext(ctx, query, assessment); err != nil {
		return fmt.Errorf("create assessment: %w", err)
	}
	return nil
}

// UpdateItemStatusTx moves an item to a new assessment status, optionally
// reassigning the current assessor.
func (r *AssessmentRepository) UpdateItemStatusTx(ctx context.Context, tx *sqlx.Tx, itemID string, status models.ItemStatus, assessorID, assessorName *string) error {
	setParts := []string{"assessment_status = $2", "updated_at = $3"}
	args := []interface{}{itemID, status, time.Now().UTC()}
	if assessorID != nil {
		args = append(args, *assessorID)
		setParts = append(setParts, fmt.Sprintf("assessor_id = $%d", len(args)))
	}
	if assessorName != nil {
		args = append(args, *assessorName)
		setParts = append(setParts, fmt.Sprintf("assessor_name = $%d", len(args)))
	}
	query := fmt.Sprintf("UPDATE sample_test_items SET %s WHERE id = $1", strings.Join(setParts, ", "))
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check item update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateItemDetailsTx overwrites the mutable descriptive fields supplied
// with a reassessment.
func (r *AssessmentRepository) UpdateItemDetailsTx(ctx context.Context, tx *sqlx.Tx, itemID string, sampleName, testCode *string, quantity *int) error {
	setParts := make([]string, 0, 4)
	args := []interface{}{itemID}
	if sampleName != nil {
		args = append(args, *sampleName)
		setParts = append(setParts, fmt.Sprintf("sample_name = $%d", len(args)))
	}
	if testCode != nil {
		args = append(args, *testCode)
		setParts = append(setParts, fmt.Sprintf("test_code = $%d", len(args)))
	}
	if quantity != nil {
		args = append(args, *quantity)
		setParts = append(setParts, fmt.Sprintf("quantity = $%d", len(args)))
	}
	if len(setParts) == 0 {
		return nil
	}
	args = append(args, time.Now().UTC())
	setParts = append(setParts, fmt.Sprintf("updated_at = $%d", len(args)))
	query := fmt.Sprintf("UPDATE sample_test_items SET %s WHERE id = $1", strings.Join(setParts, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update item details: %w", err)
	}
	return nil
}

// ListItemsByConsultationTx returns every item of a consultation, oldest
// first. Used during whole-request reassessment under the parent lock.
func (r *AssessmentRepository) ListItemsByConsultationTx(ctx context.Context, tx *sqlx.Tx, consultationID string) ([]models.SampleTestItem, error) {
	query := fmt.Sprintf("SELECT %s FROM sample_test_items WHERE consultation_id = $1 ORDER BY created_at, id", sampleTestItemColumns)
	var items []models.SampleTestItem
	if err := tx.SelectContext(ctx, &items, query, consultationID); err != nil {
		return nil, fmt.Errorf("list items by consultation: %w", err)
	}
	return items, nil
}

// ListLatestByConsultationTx returns the active assessment row per item of a
// consultation. A verdict edit recounts the parent from this set instead of
// shifting counters.
func (r *AssessmentRepository) ListLatestByConsultationTx(ctx context.Context, tx *sqlx.Tx, consultationID string) ([]models.ItemAssessment, error) {
	query := fmt.Sprintf("SELECT %s FROM item_assessments WHERE consultation_id = $1 AND is_latest = TRUE ORDER BY sample_test_item_id", itemAssessmentColumns)
	var assessments []models.ItemAssessment
	if err := tx.SelectContext(ctx, &assessments, query, consultationID); err != nil {
		return nil, fmt.Errorf("list latest by consultation: %w", err)
	}
	return assessments, nil
}

// ListHistoryByItem returns every round of one item, newest round first.
func (r *AssessmentRepository) ListHistoryByItem(ctx context.Context, itemID string) ([]models.ItemAssessment, error) {
	query := fmt.Sprintf("SELECT %s FROM item_assessments WHERE sample_test_item_id = $1 ORDER BY round DESC", itemAssessmentColumns)
	var assessments []models.ItemAssessment
	if err := r.db.SelectContext(ctx, &assessments, query, itemID); err != nil {
		return nil, fmt.Errorf("list item history: %w", err)
	}
	return assessments, nil
}

// MaxRoundByConsultation returns the highest round across all items of a
// consultation outside any transaction. Read-only consumers only.
func (r *AssessmentRepository) MaxRoundByConsultation(ctx context.Context, consultationID string) (int, error) {
	const query = `SELECT COALESCE(MAX(round), 0) FROM item_assessments WHERE consultation_id = $1`
	var round int
	if err := r.db.GetContext(ctx, &round, query, consultationID); err != nil {
		return 0, fmt.Errorf("max round by consultation: %w", err)
	}
	return round, nil
}

// GetItem fetches an item outside any transaction. Writers use it to resolve
// the owning consultation before taking locks.
func (r *AssessmentRepository) GetItem(ctx context.Context, id string) (*models.SampleTestItem, error) {
	query := fmt.Sprintf("SELECT %s FROM sample_test_items WHERE id = $1", sampleTestItemColumns)
	var item models.SampleTestItem
	if err := r.db.GetContext(ctx, &item, query, id); err != nil {
		return nil, err
	}
	return &item, nil
}
