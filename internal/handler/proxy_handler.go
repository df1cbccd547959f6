package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/facultydesk/proxy-api/internal/dto"
	"github.com/facultydesk/proxy-api/internal/models"
	"github.com/facultydesk/proxy-api/internal/service"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
	"github.com/facultydesk/proxy-api/pkg/response"
)

// ProxyHandler exposes the proxy request lifecycle over HTTP.
type ProxyHandler struct {
	service *service.ProxyService
}

// NewProxyHandler creates a new handler.
func NewProxyHandler(svc *service.ProxyService) *ProxyHandler {
	return &ProxyHandler{service: svc}
}

// Create godoc
// @Summary Submit proxy request
// @Description Faculty submits a cover request for one lecture slot
// @Tags Proxy Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateProxyRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /proxy-requests [post]
func (h *ProxyHandler) Create(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid proxy request payload"))
		return
	}

	request, err := h.service.Create(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, request)
}

// List godoc
// @Summary List proxy requests
// @Description List requests visible to the caller, with status and date filters
// @Tags Proxy Requests
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param scope query string false "Faculty scope: mine, assigned or open"
// @Param date_from query string false "Start date YYYY-MM-DD"
// @Param date_to query string false "End date YYYY-MM-DD"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /proxy-requests [get]
func (h *ProxyHandler) List(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	query := parseProxyQuery(c)
	requests, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, requests, nil)
}

// Get godoc
// @Summary Get proxy request
// @Tags Proxy Requests
// @Produce json
// @Param id path string true "Request id"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /proxy-requests/{id} [get]
func (h *ProxyHandler) Get(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	request, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, request, nil)
}

// Accept godoc
// @Summary Accept proxy request
// @Description Peer faculty volunteers to cover the lecture; first accept wins
// @Tags Proxy Requests
// @Produce json
// @Param id path string true "Request id"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /proxy-requests/{id}/accept [post]
func (h *ProxyHandler) Accept(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	request, err := h.service.Accept(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, request, nil)
}

// Decline godoc
// @Summary Decline proxy request
// @Description Records the decline for the audit trail; the request stays open
// @Tags Proxy Requests
// @Produce json
// @Param id path string true "Request id"
// @Success 204 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /proxy-requests/{id}/decline [post]
func (h *ProxyHandler) Decline(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Decline(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Approve godoc
// @Summary Approve proxy request
// @Description HOD approves an accepted request and one leave unit is debited
// @Tags Proxy Requests
// @Accept json
// @Produce json
// @Param id path string true "Request id"
// @Param payload body dto.DecisionRequest false "Decision note"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /proxy-requests/{id}/approve [post]
func (h *ProxyHandler) Approve(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	req, err := bindDecision(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	request, err := h.service.Approve(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, request, nil)
}

// Reject godoc
// @Summary Reject proxy request
// @Description HOD rejects an accepted request; leave balances are untouched
// @Tags Proxy Requests
// @Accept json
// @Produce json
// @Param id path string true "Request id"
// @Param payload body dto.DecisionRequest false "Decision note"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /proxy-requests/{id}/reject [post]
func (h *ProxyHandler) Reject(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	req, err := bindDecision(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	request, err := h.service.Reject(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, request, nil)
}

// Cancel godoc
// @Summary Cancel proxy request
// @Description Requester withdraws a request before the HOD decision
// @Tags Proxy Requests
// @Produce json
// @Param id path string true "Request id"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /proxy-requests/{id}/cancel [post]
func (h *ProxyHandler) Cancel(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	request, err := h.service.Cancel(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, request, nil)
}

// bindDecision tolerates an empty body: the note is optional.
func bindDecision(c *gin.Context) (dto.DecisionRequest, error) {
	var req dto.DecisionRequest
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return req, nil
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload")
	}
	return req, nil
}

func parseProxyQuery(c *gin.Context) dto.ProxyQuery {
	query := dto.ProxyQuery{
		Scope:    c.Query("scope"),
		DateFrom: c.Query("date_from"),
		DateTo:   c.Query("date_to"),
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := models.ProxyStatus(strings.ToUpper(strings.TrimSpace(part)))
			if status.Valid() {
				query.Status = append(query.Status, status)
			}
		}
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		query.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil {
		query.Offset = offset
	}
	return query
}
