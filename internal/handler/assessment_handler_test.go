package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/middleware"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
)

type assessmentServiceMock struct {
	submitResp *dto.SubmitVerdictResponse
	submitErr  error
	modifyErr  error
	history    []models.ItemAssessment
	historyErr error
}

func (m *assessmentServiceMock) SubmitVerdict(ctx context.Context, assessmentID string, req dto.SubmitVerdictRequest, actor *models.JWTClaims) (*dto.SubmitVerdictResponse, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.submitResp, nil
}

func (m *assessmentServiceMock) ModifyVerdict(ctx context.Context, assessmentID string, req dto.ModifyVerdictRequest, actor *models.JWTClaims) error {
	return m.modifyErr
}

func (m *assessmentServiceMock) ItemHistory(ctx context.Context, itemID string) ([]models.ItemAssessment, error) {
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

type itemReassessorMock struct {
	resp *dto.ReassessItemResponse
	err  error
}

func (m *itemReassessorMock) ReassessItem(ctx context.Context, itemID string, req dto.ReassessItemRequest, actor *models.JWTClaims) (*dto.ReassessItemResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func newTestContext(t *testing.T, method, path string, payload interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestAssessmentHandlerSubmit(t *testing.T) {
	svc := &assessmentServiceMock{submitResp: &dto.SubmitVerdictResponse{
		AssessmentID:     "assess-1",
		SampleTestItemID: "item-1",
		ParentStatus:     models.ConsultationStatusAssessmentPassed,
	}}
	handler := NewAssessmentHandler(svc, &itemReassessorMock{})

	c, w := newTestContext(t, http.MethodPost, "/assessments/assess-1/submit", dto.SubmitVerdictRequest{
		Feasibility: models.FeasibilityFeasible,
	})
	c.Params = gin.Params{{Key: "id", Value: "assess-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1", Role: models.RoleAssessor})

	handler.Submit(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Success bool                      `json:"success"`
		Data    dto.SubmitVerdictResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
	assert.Equal(t, models.ConsultationStatusAssessmentPassed, envelope.Data.ParentStatus)
}

func TestAssessmentHandlerSubmitWithoutClaims(t *testing.T) {
	handler := NewAssessmentHandler(&assessmentServiceMock{}, &itemReassessorMock{})
	c, w := newTestContext(t, http.MethodPost, "/assessments/assess-1/submit", dto.SubmitVerdictRequest{
		Feasibility: models.FeasibilityFeasible,
	})
	c.Params = gin.Params{{Key: "id", Value: "assess-1"}}

	handler.Submit(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAssessmentHandlerSubmitInvalidBody(t *testing.T) {
	handler := NewAssessmentHandler(&assessmentServiceMock{}, &itemReassessorMock{})
	c, w := newTestContext(t, http.MethodPost, "/assessments/assess-1/submit", nil)
	c.Request.Body = http.NoBody
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1"})

	handler.Submit(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAssessmentHandlerSubmitStateConflict(t *testing.T) {
	svc := &assessmentServiceMock{submitErr: appErrors.Clone(appErrors.ErrStateConflict, "verdict already submitted for this round")}
	handler := NewAssessmentHandler(svc, &itemReassessorMock{})
	c, w := newTestContext(t, http.MethodPost, "/assessments/assess-1/submit", dto.SubmitVerdictRequest{
		Feasibility: models.FeasibilityFeasible,
	})
	c.Params = gin.Params{{Key: "id", Value: "assess-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1"})

	handler.Submit(c)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.False(t, envelope.Success)
	assert.Equal(t, appErrors.ErrStateConflict.Code, envelope.Error.Code)
}

func TestAssessmentHandlerReassessItem(t *testing.T) {
	reassessor := &itemReassessorMock{resp: &dto.ReassessItemResponse{
		SampleTestItemID: "item-1",
		NewAssessmentID:  "assess-2",
		Round:            2,
	}}
	handler := NewAssessmentHandler(&assessmentServiceMock{}, reassessor)
	c, w := newTestContext(t, http.MethodPost, "/assessments/items/item-1/reassess", dto.ReassessItemRequest{
		AssessorID:   "user-2",
		AssessorName: "Dr. Lee",
	})
	c.Params = gin.Params{{Key: "id", Value: "item-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "clerk-1", Role: models.RoleClerk})

	handler.ReassessItem(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data dto.ReassessItemResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, 2, envelope.Data.Round)
}

func TestAssessmentHandlerHistoryNotFound(t *testing.T) {
	svc := &assessmentServiceMock{historyErr: appErrors.Clone(appErrors.ErrNotFound, "no assessments recorded for this item")}
	handler := NewAssessmentHandler(svc, &itemReassessorMock{})
	c, w := newTestContext(t, http.MethodGet, "/assessments/items/ghost/history", nil)
	c.Params = gin.Params{{Key: "id", Value: "ghost"}}

	handler.History(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
