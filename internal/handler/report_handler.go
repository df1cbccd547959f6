package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/facultydesk/proxy-api/internal/service"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
	"github.com/facultydesk/proxy-api/pkg/response"
)

// ReportHandler serves proxy request history exports.
type ReportHandler struct {
	service *service.ReportService
}

// NewReportHandler creates a new handler.
func NewReportHandler(svc *service.ReportService) *ReportHandler {
	return &ReportHandler{service: svc}
}

// ProxyHistory godoc
// @Summary Export proxy request history
// @Description Renders the caller's visible requests as CSV or PDF
// @Tags Reports
// @Produce octet-stream
// @Param format query string false "csv or pdf, default csv"
// @Param status query string false "Comma separated statuses"
// @Param date_from query string false "Start date YYYY-MM-DD"
// @Param date_to query string false "End date YYYY-MM-DD"
// @Success 200 {file} binary
// @Failure 400 {object} response.Envelope
// @Router /reports/proxy-requests [get]
func (h *ReportHandler) ProxyHistory(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	query := parseProxyQuery(c)
	// Exports page through everything the caller can see.
	query.Limit = 1000
	query.Offset = 0

	report, err := h.service.ProxyHistory(c.Request.Context(), query, c.Query("format"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename))
	c.Data(http.StatusOK, report.ContentType, report.Content)
}
