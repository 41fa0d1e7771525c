package models

import "time"

// FeasibilityVerdict enumerates the verdicts an assessor may submit.
type FeasibilityVerdict string

const (
	FeasibilityFeasible    FeasibilityVerdict = "feasible"
	FeasibilityInfeasible  FeasibilityVerdict = "infeasible"
	FeasibilityConditional FeasibilityVerdict = "conditional"
)

// Valid reports whether the verdict is one of the closed enum values.
func (v FeasibilityVerdict) Valid() bool {
	switch v {
	case FeasibilityFeasible, FeasibilityInfeasible, FeasibilityConditional:
		return true
	}
	return false
}

// ItemStatus tracks the assessment lifecycle of one sample/test item.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusAssessing ItemStatus = "assessing"
	ItemStatusPassed    ItemStatus = "passed"
	ItemStatusFailed    ItemStatus = "failed"
)

// CounterBucket is the consultation counter an item status falls into.
// Both pending and assessing count against the pending bucket.
type CounterBucket string

const (
	BucketPending CounterBucket = "pending"
	BucketPassed  CounterBucket = "passed"
	BucketFailed  CounterBucket = "failed"
)

// BucketFor maps an item status to its consultation counter bucket.
func BucketFor(status ItemStatus) CounterBucket {
	switch status {
	case ItemStatusPassed:
		return BucketPassed
	case ItemStatusFailed:
		return BucketFailed
	default:
		return BucketPending
	}
}

// ItemStatusForVerdict derives the item status a submitted verdict implies:
// conditional feasibility still clears the item.
func ItemStatusForVerdict(verdict FeasibilityVerdict) ItemStatus {
	if verdict == FeasibilityInfeasible {
		return ItemStatusFailed
	}
	return ItemStatusPassed
}

// SampleTestItem is one concrete (sample, test) pair belonging to a parent
// consultation request. Items are never deleted, only status-transitioned.
type SampleTestItem struct {
	ID               string     `db:"id" json:"id"`
	ConsultationID   string     `db:"consultation_id" json:"consultationId"`
	SampleName       string     `db:"sample_name" json:"sampleName"`
	TestCode         string     `db:"test_code" json:"testCode"`
	Quantity         int        `db:"quantity" json:"quantity"`
	AssessmentStatus ItemStatus `db:"assessment_status" json:"assessmentStatus"`
	AssessorID       *string    `db:"assessor_id" json:"assessorId,omitempty"`
	AssessorName     *string    `db:"assessor_name" json:"assessorName,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// ItemAssessment is one assessor's verdict for one round on one item. Rows
// are appended per round and soft-invalidated via is_latest, never mutated
// once superseded; the full set is the item's audit history.
type ItemAssessment struct {
	ID               string              `db:"id" json:"id"`
	SampleTestItemID string              `db:"sample_test_item_id" json:"sampleTestItemId"`
	ConsultationID   string              `db:"consultation_id" json:"consultationId"`
	AssessorID       string              `db:"assessor_id" json:"assessorId"`
	AssessorName     string              `db:"assessor_name" json:"assessorName"`
	Round            int                 `db:"round" json:"round"`
	IsLatest         bool                `db:"is_latest" json:"isLatest"`
	Feasibility      *FeasibilityVerdict `db:"feasibility" json:"feasibility,omitempty"`
	Note             *string             `db:"note" json:"note,omitempty"`
	RequestedAt      time.Time           `db:"requested_at" json:"requestedAt"`
	SubmittedAt      *time.Time          `db:"submitted_at" json:"submittedAt,omitempty"`
}

// Submitted reports whether a verdict has been recorded for this row.
func (a *ItemAssessment) Submitted() bool {
	return a.SubmittedAt != nil
}
