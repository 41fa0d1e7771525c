package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/limsflow/workflow-api/internal/dto"
	"github.com/limsflow/workflow-api/internal/models"
	appErrors "github.com/limsflow/workflow-api/pkg/errors"
	"github.com/limsflow/workflow-api/pkg/response"
)

type consultationService interface {
	Summary(ctx context.Context, id string) (*dto.ConsultationSummary, error)
	Close(ctx context.Context, id string, req dto.CloseConsultationRequest, actor *models.JWTClaims) error
}

type consultationReassessor interface {
	ReassessConsultation(ctx context.Context, consultationID string, req dto.ReassessConsultationRequest, actor *models.JWTClaims) (*dto.ReassessConsultationResponse, error)
}

// ConsultationHandler exposes REST endpoints for consultation requests.
type ConsultationHandler struct {
	service      consultationService
	reassessment consultationReassessor
}

// NewConsultationHandler constructs the handler.
func NewConsultationHandler(service consultationService, reassessment consultationReassessor) *ConsultationHandler {
	return &ConsultationHandler{service: service, reassessment: reassessment}
}

// Get godoc
// @Summary Get the aggregated consultation summary
// @Tags Consultations
// @Produce json
// @Param id path string true "Consultation ID"
// @Success 200 {object} response.Envelope
// @Router /consultations/{id} [get]
func (h *ConsultationHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "consultation service not configured"))
		return
	}
	summary, err := h.service.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, summary)
}

// Reassess godoc
// @Summary Reopen a failed consultation as a whole
// @Tags Consultations
// @Accept json
// @Produce json
// @Param id path string true "Consultation ID"
// @Param payload body dto.ReassessConsultationRequest true "Reassessment payload"
// @Success 200 {object} response.Envelope
// @Router /consultations/{id}/reassess [post]
func (h *ConsultationHandler) Reassess(c *gin.Context) {
	if h.reassessment == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "reassessment service not configured"))
		return
	}
	var req dto.ReassessConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid reassessment payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.reassessment.ReassessConsultation(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// Close godoc
// @Summary Close a consultation request
// @Tags Consultations
// @Accept json
// @Produce json
// @Param id path string true "Consultation ID"
// @Param payload body dto.CloseConsultationRequest false "Close payload"
// @Success 200 {object} response.Envelope
// @Router /consultations/{id}/close [post]
func (h *ConsultationHandler) Close(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "consultation service not configured"))
		return
	}
	var req dto.CloseConsultationRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid close payload"))
			return
		}
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Close(c.Request.Context(), c.Param("id"), req, claims); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.MessageResponse{Message: "consultation closed"})
}
