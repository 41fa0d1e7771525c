package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Business document statuses driven by the approval state machine. The
// documents themselves (quotations, contracts, client reports) are owned by
// other subsystems; the workflow engine only flips their lifecycle column.
const (
	DocumentStatusDraft     = "draft"
	DocumentStatusSubmitted = "submitted"
	DocumentStatusIssued    = "issued"
)

// DocumentRepository updates the lifecycle status of approval-driven
// business documents.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository constructs the repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// SetStatusTx flips a document's status inside the caller's transaction.
// Guarded on the expected prior status so a concurrent transition loses.
func (r *DocumentRepository) SetStatusTx(ctx context.Context, tx *sqlx.Tx, bizType, bizID, fromStatus, toStatus string) error {
	const query = `UPDATE business_documents SET status = $4, updated_at = $5
        WHERE biz_type = $1 AND id = $2 AND status = $3`
	result, err := tx.ExecContext(ctx, query, bizType, bizID, fromStatus, toStatus, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check document update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
