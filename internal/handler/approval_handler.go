package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
	"github.com/limsflow/workflow-api/pkg/response"
)

type approvalService interface {
	Submit(ctx context.Context, req dto.SubmitApprovalRequest, actor *models.JWTClaims) (*models.ApprovalInstance, error)
	Act(ctx context.Context, instanceID string, req dto.ApprovalActionRequest, actor *models.JWTClaims) (*models.ApprovalInstance, error)
	Cancel(ctx context.Context, instanceID string, actor *models.JWTClaims) error
	Get(ctx context.Context, instanceID string) (*dto.ApprovalInstanceDetail, error)
	Records(ctx context.Context, instanceID string) ([]models.ApprovalRecord, error)
}

// ApprovalHandler exposes REST endpoints for approval runs.
type ApprovalHandler struct {
	service approvalService
}

// NewApprovalHandler constructs the handler.
func NewApprovalHandler(service approvalService) *ApprovalHandler {
	return &ApprovalHandler{service: service}
}

// Submit godoc
// @Summary Start an approval run for a business object
// @Tags Approvals
// @Accept json
// @Produce json
// @Param payload body dto.SubmitApprovalRequest true "Submission payload"
// @Success 201 {object} response.Envelope
// @Router /approvals [post]
func (h *ApprovalHandler) Submit(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	var req dto.SubmitApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid approval submission"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	instance, err := h.service.Submit(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, instance)
}

// Act godoc
// @Summary Apply an approver decision to a pending instance
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Instance ID"
// @Param payload body dto.ApprovalActionRequest true "Decision payload"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id} [patch]
func (h *ApprovalHandler) Act(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	var req dto.ApprovalActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid approval action"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	instance, err := h.service.Act(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, instance)
}

// Cancel godoc
// @Summary Withdraw a pending approval instance
// @Tags Approvals
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id} [delete]
func (h *ApprovalHandler) Cancel(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Cancel(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.MessageResponse{Message: "approval cancelled"})
}

// Get godoc
// @Summary Get an approval instance with its flow
// @Tags Approvals
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id} [get]
func (h *ApprovalHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, detail)
}

// Records godoc
// @Summary List the action ledger of an approval instance
// @Tags Approvals
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id}/records [get]
func (h *ApprovalHandler) Records(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	records, err := h.service.Records(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, records)
}
