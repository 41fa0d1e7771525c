package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/limsflow/workflow-api/internal/models"
)

const approvalInstanceColumns = `id, flow_id, biz_type, biz_id, current_step, total_steps,
       status, submitter_id, submitter_name, submitted_at, completed_at`

// approvalFlowRow is the storage shape of a flow; steps live in a JSON
// column and are decoded here, never inside business logic.
type approvalFlowRow struct {
	ID      string         `db:"id"`
	BizType string         `db:"biz_type"`
	Name    string         `db:"name"`
	Steps   types.JSONText `db:"steps"`
}

// ApprovalRepository persists approval flows, instances, and the append-only
// record ledger.
type ApprovalRepository struct {
	db *sqlx.DB
}

// NewApprovalRepository constructs the repository.
func NewApprovalRepository(db *sqlx.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// GetFlowByBizType loads the flow definition configured for a business
// object type.
func (r *ApprovalRepository) GetFlowByBizType(ctx context.Context, bizType string) (*models.ApprovalFlow, error) {
	const query = `SELECT id, biz_type, name, steps FROM approval_flows WHERE biz_type = $1`
	var row approvalFlowRow
	if err := r.db.GetContext(ctx, &row, query, bizType); err != nil {
		return nil, err
	}
	flow := &models.ApprovalFlow{ID: row.ID, BizType: row.BizType, Name: row.Name}
	if err := json.Unmarshal(row.Steps, &flow.Steps); err != nil {
		return nil, fmt.Errorf("decode flow steps: %w", err)
	}
	return flow, nil
}

// HasPendingInstance reports whether a pending instance already exists for
// the business object.
func (r *ApprovalRepository) HasPendingInstance(ctx context.Context, bizType, bizID string) (bool, error) {
	const query = `SELECT COUNT(1) FROM approval_instances WHERE biz_type = $1 AND biz_id = $2 AND status = $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, bizType, bizID, models.ApprovalStatusPending); err != nil {
		return false, fmt.Errorf("count pending instances: %w", err)
	}
	return count > 0, nil
}

// CreateInstanceTx inserts a fresh instance at step one.
func (r *ApprovalRepository) CreateInstanceTx(ctx context.Context, tx *sqlx.Tx, instance *models.ApprovalInstance) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	if instance.SubmittedAt.IsZero() {
		instance.SubmittedAt = time.Now().UTC()
	}
	const query = `INSERT INTO approval_instances
        (id, flow_id, biz_type, biz_id, current_step, total_steps, status, submitter_id, submitter_name, submitted_at, completed_at)
        VALUES (:id, :flow_id, :biz_type, :biz_id, :current_step, :total_steps, :status, :submitter_id, :submitter_name, :submitted_at, :completed_at)`
	if _, err := tx.NamedExecContext(ctx, query, instance); err != nil {
		return fmt.Errorf("create approval instance: %w", err)
	}
	return nil
}

// GetInstance fetches an instance outside any transaction.
func (r *ApprovalRepository) GetInstance(ctx context.Context, id string) (*models.ApprovalInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM approval_instances WHERE id = $1", approvalInstanceColumns)
	var instance models.ApprovalInstance
	if err := r.db.GetContext(ctx, &instance, query, id); err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetInstanceForUpdateTx loads and locks an instance for a step transition.
func (r *ApprovalRepository) GetInstanceForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.ApprovalInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM approval_instances WHERE id = $1 FOR UPDATE", approvalInstanceColumns)
	var instance models.ApprovalInstance
	if err := tx.GetContext(ctx, &instance, query, id); err != nil {
		return nil, err
	}
	return &instance, nil
}

// AdvanceInstanceTx persists a step/status transition. Guarded on pending so
// a terminal instance can never be mutated, whatever the caller believes.
func (r *ApprovalRepository) AdvanceInstanceTx(ctx context.Context, tx *sqlx.Tx, id string, currentStep int, status models.ApprovalStatus, completedAt *time.Time) error {
	const query = `UPDATE approval_instances
        SET current_step = $2, status = $3, completed_at = $4
        WHERE id = $1 AND status = $5`
	result, err := tx.ExecContext(ctx, query, id, currentStep, status, completedAt, models.ApprovalStatusPending)
	if err != nil {
		return fmt.Errorf("advance approval instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check instance update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AppendRecordTx appends one immutable ledger entry.
func (r *ApprovalRepository) AppendRecordTx(ctx context.Context, tx *sqlx.Tx, record *models.ApprovalRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO approval_records
        (id, instance_id, step, action, actor_id, actor_name, comment, created_at)
        VALUES (:id, :instance_id, :step, :action, :actor_id, :actor_name, :comment, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("append approval record: %w", err)
	}
	return nil
}

// RecordExistsTx reports whether an action was already recorded against an
// instance. Used to keep issue idempotent-rejecting.
func (r *ApprovalRepository) RecordExistsTx(ctx context.Context, tx *sqlx.Tx, instanceID string, action models.ApprovalAction) (bool, error) {
	const query = `SELECT COUNT(1) FROM approval_records WHERE instance_id = $1 AND action = $2`
	var count int
	if err := tx.GetContext(ctx, &count, query, instanceID, action); err != nil {
		return false, fmt.Errorf("count approval records: %w", err)
	}
	return count > 0, nil
}

// ListRecords returns the full ledger for an instance, oldest first.
func (r *ApprovalRepository) ListRecords(ctx context.Context, instanceID string) ([]models.ApprovalRecord, error) {
	const query = `SELECT id, instance_id, step, action, actor_id, actor_name, comment, created_at
        FROM approval_records WHERE instance_id = $1 ORDER BY created_at, id`
	var records []models.ApprovalRecord
	if err := r.db.SelectContext(ctx, &records, query, instanceID); err != nil {
		return nil, fmt.Errorf("list approval records: %w", err)
	}
	return records, nil
}
