package models

import "time"

// ApprovalStatus enumerates instance states. All but pending are terminal:
// a terminal instance is frozen and resubmission creates a new instance.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether no further action may mutate the instance.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected || s == ApprovalStatusCancelled
}

// ApprovalAction enumerates the ledger actions.
type ApprovalAction string

const (
	ApprovalActionSubmit  ApprovalAction = "submit"
	ApprovalActionApprove ApprovalAction = "approve"
	ApprovalActionReject  ApprovalAction = "reject"
	ApprovalActionIssue   ApprovalAction = "issue"
	ApprovalActionCancel  ApprovalAction = "cancel"
)

// ApprovalStep is one named step of an ordered flow definition, with the
// role responsible for acting at that step.
type ApprovalStep struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ApprovalFlow is the ordered step list a business object type is approved
// through. Steps are stored as a JSON column and decoded at the repository
// edge.
type ApprovalFlow struct {
	ID      string         `json:"id"`
	BizType string         `json:"bizType"`
	Name    string         `json:"name"`
	Steps   []ApprovalStep `json:"steps"`
}

// ApprovalInstance is one active approval run for one business object.
type ApprovalInstance struct {
	ID            string         `db:"id" json:"id"`
	FlowID        string         `db:"flow_id" json:"flowId"`
	BizType       string         `db:"biz_type" json:"bizType"`
	BizID         string         `db:"biz_id" json:"bizId"`
	CurrentStep   int            `db:"current_step" json:"currentStep"`
	TotalSteps    int            `db:"total_steps" json:"totalSteps"`
	Status        ApprovalStatus `db:"status" json:"status"`
	SubmitterID   string         `db:"submitter_id" json:"submitterId"`
	SubmitterName string         `db:"submitter_name" json:"submitterName"`
	SubmittedAt   time.Time      `db:"submitted_at" json:"submittedAt"`
	CompletedAt   *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
}

// ApprovalRecord is one immutable ledger entry per action taken against an
// instance. Append-only; it is the audit trail behind timeline views.
type ApprovalRecord struct {
	ID         string         `db:"id" json:"id"`
	InstanceID string         `db:"instance_id" json:"instanceId"`
	Step       int            `db:"step" json:"step"`
	Action     ApprovalAction `db:"action" json:"action"`
	ActorID    string         `db:"actor_id" json:"actorId"`
	ActorName  string         `db:"actor_name" json:"actorName"`
	Comment    *string        `db:"comment" json:"comment,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
}
