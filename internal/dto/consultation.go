package dto

import "github.com/limsflow/workflow-api/internal/models"

// Assessor identifies one assessor assigned during reassessment.
type Assessor struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

// ConsultationModification carries request-level descriptive overrides
// applied when a whole request is reopened.
type ConsultationModification struct {
	Requirement *string `json:"requirement,omitempty"`
}

// ReassessConsultationRequest reopens an entire failed request.
type ReassessConsultationRequest struct {
	Assessors        []Assessor                `json:"assessors" validate:"required,min=1,dive"`
	ConsultationData *ConsultationModification `json:"consultationData,omitempty"`
}

// ReassessConsultationResponse reports the new round.
type ReassessConsultationResponse struct {
	Round   int    `json:"round"`
	Message string `json:"message"`
}

// CloseConsultationRequest closes a request with an optional reason.
type CloseConsultationRequest struct {
	CloseReason string `json:"closeReason"`
}

// ConsultationSummary is the aggregated read model served to dashboards.
type ConsultationSummary struct {
	ID           string                    `json:"id"`
	Code         string                    `json:"code"`
	Requirement  string                    `json:"requirement"`
	Status       models.ConsultationStatus `json:"status"`
	TotalItems   int                       `json:"totalItems"`
	PendingItems int                       `json:"pendingItems"`
	PassedItems  int                       `json:"passedItems"`
	FailedItems  int                       `json:"failedItems"`
	LatestRound  int                       `json:"latestRound"`
}

// MessageResponse wraps operations whose payload is a confirmation only.
type MessageResponse struct {
	Message string `json:"message"`
}
