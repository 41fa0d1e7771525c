package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
	"github.com/limsflow/workflow-api/pkg/response"
)

type assessmentService interface {
	SubmitVerdict(ctx context.Context, assessmentID string, req dto.SubmitVerdictRequest, actor *models.JWTClaims) (*dto.SubmitVerdictResponse, error)
	ModifyVerdict(ctx context.Context, assessmentID string, req dto.ModifyVerdictRequest, actor *models.JWTClaims) error
	ItemHistory(ctx context.Context, itemID string) ([]models.ItemAssessment, error)
}

type itemReassessor interface {
	ReassessItem(ctx context.Context, itemID string, req dto.ReassessItemRequest, actor *models.JWTClaims) (*dto.ReassessItemResponse, error)
}

// AssessmentHandler exposes REST endpoints for the item assessment ledger.
type AssessmentHandler struct {
	service      assessmentService
	reassessment itemReassessor
}

// NewAssessmentHandler constructs the handler.
func NewAssessmentHandler(service assessmentService, reassessment itemReassessor) *AssessmentHandler {
	return &AssessmentHandler{service: service, reassessment: reassessment}
}

// Submit godoc
// @Summary Submit a feasibility verdict
// @Tags Assessments
// @Accept json
// @Produce json
// @Param id path string true "Assessment ID"
// @Param payload body dto.SubmitVerdictRequest true "Verdict payload"
// @Success 200 {object} response.Envelope
// @Router /assessments/{id}/submit [post]
func (h *AssessmentHandler) Submit(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "assessment service not configured"))
		return
	}
	var req dto.SubmitVerdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid verdict payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.service.SubmitVerdict(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// Modify godoc
// @Summary Modify a submitted verdict
// @Tags Assessments
// @Accept json
// @Produce json
// @Param id path string true "Assessment ID"
// @Param payload body dto.ModifyVerdictRequest true "Modification payload"
// @Success 200 {object} response.Envelope
// @Router /assessments/{id} [put]
func (h *AssessmentHandler) Modify(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "assessment service not configured"))
		return
	}
	var req dto.ModifyVerdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid verdict modification payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.ModifyVerdict(c.Request.Context(), c.Param("id"), req, claims); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.MessageResponse{Message: "verdict updated"})
}

// ReassessItem godoc
// @Summary Reopen assessment for one item
// @Tags Assessments
// @Accept json
// @Produce json
// @Param id path string true "Sample test item ID"
// @Param payload body dto.ReassessItemRequest true "Reassessment payload"
// @Success 200 {object} response.Envelope
// @Router /assessments/items/{id}/reassess [post]
func (h *AssessmentHandler) ReassessItem(c *gin.Context) {
	if h.reassessment == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "reassessment service not configured"))
		return
	}
	var req dto.ReassessItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid reassessment payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.reassessment.ReassessItem(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// History godoc
// @Summary List all assessment rounds of an item
// @Tags Assessments
// @Produce json
// @Param id path string true "Sample test item ID"
// @Success 200 {object} response.Envelope
// @Router /assessments/items/{id}/history [get]
func (h *AssessmentHandler) History(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "assessment service not configured"))
		return
	}
	history, err := h.service.ItemHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, history)
}
