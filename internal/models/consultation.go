package models

import "time"

// ConsultationStatus enumerates the lifecycle of a consultation request.
type ConsultationStatus string

const (
	ConsultationStatusAssessing        ConsultationStatus = "assessing"
	ConsultationStatusAssessmentPassed ConsultationStatus = "assessment_passed"
	ConsultationStatusAssessmentFailed ConsultationStatus = "assessment_failed"
	ConsultationStatusFollowing        ConsultationStatus = "following"
	ConsultationStatusClosed           ConsultationStatus = "closed"
)

// ConsultationRequest aggregates the items of one client request. The
// counters always satisfy total = pending + passed + failed, and the status
// is a pure function of the triple while the request is in assessment.
type ConsultationRequest struct {
	ID             string             `db:"id" json:"id"`
	Code           string             `db:"code" json:"code"`
	Requirement    string             `db:"requirement" json:"requirement"`
	Status         ConsultationStatus `db:"status" json:"status"`
	TotalItems     int                `db:"total_items" json:"totalItems"`
	PendingItems   int                `db:"pending_items" json:"pendingItems"`
	PassedItems    int                `db:"passed_items" json:"passedItems"`
	FailedItems    int                `db:"failed_items" json:"failedItems"`
	ResolutionNote *string            `db:"resolution_note" json:"resolutionNote,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updatedAt"`
}

// DeriveConsultationStatus recomputes the status from the full counter
// triple. It is always re-evaluated after a counter update, never patched
// incrementally, so the stored status cannot drift from the counters.
// Zero-item requests have no defined status; ok is false for those.
func DeriveConsultationStatus(pending, passed, failed int) (ConsultationStatus, bool) {
	if pending < 0 || passed < 0 || failed < 0 {
		return "", false
	}
	if pending+passed+failed == 0 {
		return "", false
	}
	switch {
	case pending > 0:
		return ConsultationStatusAssessing, true
	case failed == 0:
		return ConsultationStatusAssessmentPassed, true
	default:
		return ConsultationStatusAssessmentFailed, true
	}
}
