package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketFor(t *testing.T) {
	assert.Equal(t, BucketPending, BucketFor(ItemStatusPending))
	assert.Equal(t, BucketPending, BucketFor(ItemStatusAssessing))
	assert.Equal(t, BucketPassed, BucketFor(ItemStatusPassed))
	assert.Equal(t, BucketFailed, BucketFor(ItemStatusFailed))
}

func TestItemStatusForVerdict(t *testing.T) {
	assert.Equal(t, ItemStatusPassed, ItemStatusForVerdict(FeasibilityFeasible))
	assert.Equal(t, ItemStatusPassed, ItemStatusForVerdict(FeasibilityConditional))
	assert.Equal(t, ItemStatusFailed, ItemStatusForVerdict(FeasibilityInfeasible))
}

func TestItemAssessmentSubmitted(t *testing.T) {
	assessment := ItemAssessment{}
	assert.False(t, assessment.Submitted())

	now := time.Now()
	assessment.SubmittedAt = &now
	assert.True(t, assessment.Submitted())
}

func TestFeasibilityVerdictValid(t *testing.T) {
	assert.True(t, FeasibilityFeasible.Valid())
	assert.True(t, FeasibilityInfeasible.Valid())
	assert.True(t, FeasibilityConditional.Valid())
	assert.False(t, FeasibilityVerdict("maybe").Valid())
}
