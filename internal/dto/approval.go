package dto

import "github.com/limsflow/workflow-api/internal/models"

// SubmitApprovalRequest starts an approval run for a business object.
type SubmitApprovalRequest struct {
	BizType string `json:"bizType" validate:"required"`
	BizID   string `json:"bizId" validate:"required"`
}

// ApprovalActionRequest is an approver's decision on a pending instance.
type ApprovalActionRequest struct {
	Action  models.ApprovalAction `json:"action" validate:"required"`
	Comment string                `json:"comment"`
}

// ApprovalInstanceDetail bundles an instance with its flow definition.
type ApprovalInstanceDetail struct {
	Instance *models.ApprovalInstance `json:"instance"`
	Flow     *models.ApprovalFlow     `json:"flow,omitempty"`
}
