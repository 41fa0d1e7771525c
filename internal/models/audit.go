package models

import "time"

// AuditAction constants represent workflow actions to be logged.
const (
	AuditActionVerdictSubmit      = "VERDICT_SUBMIT"
	AuditActionVerdictModify      = "VERDICT_MODIFY"
	AuditActionItemReassess       = "ITEM_REASSESS"
	AuditActionConsultationReopen = "CONSULTATION_REOPEN"
	AuditActionConsultationClose  = "CONSULTATION_CLOSE"
	AuditActionApprovalSubmit     = "APPROVAL_SUBMIT"
	AuditActionApprovalDecision   = "APPROVAL_DECISION"
	AuditActionApprovalCancel     = "APPROVAL_CANCEL"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
