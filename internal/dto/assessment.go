package dto

import "github.com/limsflow/workflow-api/internal/models"

// SubmitVerdictRequest is the payload for submitting an item verdict.
type SubmitVerdictRequest struct {
	Feasibility     models.FeasibilityVerdict `json:"feasibility" validate:"required"`
	FeasibilityNote string                    `json:"feasibilityNote"`
}

// SubmitVerdictResponse reports the recomputed parent state.
type SubmitVerdictResponse struct {
	AssessmentID     string                    `json:"assessmentId"`
	SampleTestItemID string                    `json:"sampleTestItemId"`
	ParentStatus     models.ConsultationStatus `json:"parentStatus"`
}

// ModifyVerdictRequest edits a completed verdict.
type ModifyVerdictRequest struct {
	Conclusion models.FeasibilityVerdict `json:"conclusion" validate:"required"`
	Feedback   string                    `json:"feedback"`
}

// ItemModification carries the mutable descriptive fields a reassessment may
// overwrite on a sample/test item.
type ItemModification struct {
	SampleName *string `json:"sampleName,omitempty"`
	TestCode   *string `json:"testCode,omitempty"`
	Quantity   *int    `json:"quantity,omitempty" validate:"omitempty,gt=0"`
}

// ReassessItemRequest reopens assessment for one item with a new assessor.
type ReassessItemRequest struct {
	AssessorID   string            `json:"assessorId" validate:"required"`
	AssessorName string            `json:"assessorName" validate:"required"`
	ModifiedData *ItemModification `json:"modifiedData,omitempty"`
}

// ReassessItemResponse reports the freshly opened round.
type ReassessItemResponse struct {
	SampleTestItemID string `json:"sampleTestItemId"`
	NewAssessmentID  string `json:"newAssessmentId"`
	Round            int    `json:"round"`
}
