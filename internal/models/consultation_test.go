package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveConsultationStatus(t *testing.T) {
	cases := []struct {
		name    string
		pending int
		passed  int
		failed  int
		want    ConsultationStatus
		ok      bool
	}{
		{"all pending", 3, 0, 0, ConsultationStatusAssessing, true},
		{"one still pending", 1, 1, 1, ConsultationStatusAssessing, true},
		{"all passed", 0, 3, 0, ConsultationStatusAssessmentPassed, true},
		{"one failed", 0, 2, 1, ConsultationStatusAssessmentFailed, true},
		{"all failed", 0, 0, 3, ConsultationStatusAssessmentFailed, true},
		{"zero items", 0, 0, 0, "", false},
		{"negative counter", -1, 2, 0, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DeriveConsultationStatus(tc.pending, tc.passed, tc.failed)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeriveConsultationStatusIsPure(t *testing.T) {
	first, ok := DeriveConsultationStatus(0, 2, 1)
	require.True(t, ok)
	second, ok := DeriveConsultationStatus(0, 2, 1)
	require.True(t, ok)
	assert.Equal(t, first, second)
}
