package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/limsflow/workflow-api/internal/models"
)

const consultationColumns = `id, code, requirement, status, total_items, pending_items,
       passed_items, failed_items, resolution_note, created_at, updated_at`

// ConsultationRepository persists consultation requests, the hot parent rows
// whose counters are recomputed under lock on every item transition.
type ConsultationRepository struct {
	db *sqlx.DB
}

// NewConsultationRepository constructs the repository.
func NewConsultationRepository(db *sqlx.DB) *ConsultationRepository {
	return &ConsultationRepository{db: db}
}

// GetByID fetches a consultation outside any transaction.
func (r *ConsultationRepository) GetByID(ctx context.Context, id string) (*models.ConsultationRequest, error) {
	query := fmt.Sprintf("SELECT %s FROM consultation_requests WHERE id = $1", consultationColumns)
	var consultation models.ConsultationRequest
	if err := r.db.GetContext(ctx, &consultation, query, id); err != nil {
		return nil, err
	}
	return &consultation, nil
}

// GetForUpdateTx re-reads and locks the parent row inside the caller's
// transaction. Every item-level transition goes through this lock, which is
// what prevents lost counter updates under concurrency.
func (r *ConsultationRepository) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.ConsultationRequest, error) {
	query := fmt.Sprintf("SELECT %s FROM consultation_requests WHERE id = $1 FOR UPDATE", consultationColumns)
	var consultation models.ConsultationRequest
	if err := tx.GetContext(ctx, &consultation, query, id); err != nil {
		return nil, err
	}
	return &consultation, nil
}

// UpdateCountersTx writes the recomputed counter triple and derived status.
func (r *ConsultationRepository) UpdateCountersTx(ctx context.Context, tx *sqlx.Tx, id string, pending, passed, failed int, status models.ConsultationStatus) error {
	const query = `UPDATE consultation_requests
        SET pending_items = $2, passed_items = $3, failed_items = $4, status = $5, updated_at = $6
        WHERE id = $1`
	result, err := tx.ExecContext(ctx, query, id, pending, passed, failed, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update consultation counters: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check consultation update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateRequirementTx overwrites the restated requirement text during a
// whole-request reassessment.
func (r *ConsultationRepository) UpdateRequirementTx(ctx context.Context, tx *sqlx.Tx, id, requirement string) error {
	const query = `UPDATE consultation_requests SET requirement = $2, updated_at = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, requirement, time.Now().UTC()); err != nil {
		return fmt.Errorf("update consultation requirement: %w", err)
	}
	return nil
}

// Close marks a consultation closed. Guarded so an already-closed request is
// reported via sql.ErrNoRows rather than silently re-closed.
func (r *ConsultationRepository) Close(ctx context.Context, id string, reason *string) error {
	const query = `UPDATE consultation_requests
        SET status = $2, resolution_note = COALESCE($3, resolution_note), updated_at = $4
        WHERE id = $1 AND status <> $2`
	result, err := r.db.ExecContext(ctx, query, id, models.ConsultationStatusClosed, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("close consultation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check close rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
