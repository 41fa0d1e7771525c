package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/middleware"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
)

type approvalServiceMock struct {
	instance  *models.ApprovalInstance
	submitErr error
	actErr    error
	cancelErr error
	detail    *dto.ApprovalInstanceDetail
	records   []models.ApprovalRecord
}

func (m *approvalServiceMock) Submit(ctx context.Context, req dto.SubmitApprovalRequest, actor *models.JWTClaims) (*models.ApprovalInstance, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.instance, nil
}

func (m *approvalServiceMock) Act(ctx context.Context, instanceID string, req dto.ApprovalActionRequest, actor *models.JWTClaims) (*models.ApprovalInstance, error) {
	if m.actErr != nil {
		return nil, m.actErr
	}
	return m.instance, nil
}

func (m *approvalServiceMock) Cancel(ctx context.Context, instanceID string, actor *models.JWTClaims) error {
	return m.cancelErr
}

func (m *approvalServiceMock) Get(ctx context.Context, instanceID string) (*dto.ApprovalInstanceDetail, error) {
	return m.detail, nil
}

func (m *approvalServiceMock) Records(ctx context.Context, instanceID string) ([]models.ApprovalRecord, error) {
	return m.records, nil
}

func TestApprovalHandlerSubmit(t *testing.T) {
	svc := &approvalServiceMock{instance: &models.ApprovalInstance{
		ID:      "inst-1",
		BizType: "quotation",
		BizID:   "quote-9",
		Status:  models.ApprovalStatusPending,
	}}
	handler := NewApprovalHandler(svc)
	c, w := newTestContext(t, http.MethodPost, "/approvals", dto.SubmitApprovalRequest{
		BizType: "quotation", BizID: "quote-9",
	})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "clerk-1", Role: models.RoleClerk})

	handler.Submit(c)
	require.Equal(t, http.StatusCreated, w.Code)

	var envelope struct {
		Success bool                    `json:"success"`
		Data    models.ApprovalInstance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
	assert.Equal(t, "inst-1", envelope.Data.ID)
}

func TestApprovalHandlerSubmitDuplicate(t *testing.T) {
	svc := &approvalServiceMock{submitErr: appErrors.Clone(appErrors.ErrStateConflict, "a pending approval already exists for this object")}
	handler := NewApprovalHandler(svc)
	c, w := newTestContext(t, http.MethodPost, "/approvals", dto.SubmitApprovalRequest{
		BizType: "quotation", BizID: "quote-9",
	})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "clerk-1"})

	handler.Submit(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalHandlerActRejectWithoutComment(t *testing.T) {
	svc := &approvalServiceMock{actErr: appErrors.Clone(appErrors.ErrValidation, "a rejection requires a comment")}
	handler := NewApprovalHandler(svc)
	c, w := newTestContext(t, http.MethodPatch, "/approvals/inst-1", dto.ApprovalActionRequest{
		Action: models.ApprovalActionReject,
	})
	c.Params = gin.Params{{Key: "id", Value: "inst-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "mgr-1", Role: models.RoleApprover})

	handler.Act(c)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, appErrors.ErrValidation.Code, envelope.Error.Code)
}

func TestApprovalHandlerCancelNotSubmitter(t *testing.T) {
	svc := &approvalServiceMock{cancelErr: appErrors.Clone(appErrors.ErrNotAssigned, "only the submitter may cancel this approval")}
	handler := NewApprovalHandler(svc)
	c, w := newTestContext(t, http.MethodDelete, "/approvals/inst-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "inst-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "someone-else"})

	handler.Cancel(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalHandlerRecords(t *testing.T) {
	svc := &approvalServiceMock{records: []models.ApprovalRecord{
		{ID: "rec-1", InstanceID: "inst-1", Action: models.ApprovalActionSubmit},
		{ID: "rec-2", InstanceID: "inst-1", Action: models.ApprovalActionApprove},
	}}
	handler := NewApprovalHandler(svc)
	c, w := newTestContext(t, http.MethodGet, "/approvals/inst-1/records", nil)
	c.Params = gin.Params{{Key: "id", Value: "inst-1"}}

	handler.Records(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data []models.ApprovalRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 2)
}
