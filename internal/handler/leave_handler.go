package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/facultydesk/proxy-api/internal/models"
	"github.com/facultydesk/proxy-api/internal/service"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
	"github.com/facultydesk/proxy-api/pkg/response"
)

// LeaveHandler exposes leave balance reads and admin allotment overrides.
type LeaveHandler struct {
	service *service.LeaveService
}

// NewLeaveHandler creates a new handler.
func NewLeaveHandler(svc *service.LeaveService) *LeaveHandler {
	return &LeaveHandler{service: svc}
}

// MyBalance godoc
// @Summary Get my leave balance
// @Tags Leave
// @Produce json
// @Param year query int false "Year, defaults to current"
// @Success 200 {object} response.Envelope
// @Router /leave-balances/me [get]
func (h *LeaveHandler) MyBalance(c *gin.Context) {
	claims, ok := currentUser(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	balance, err := h.service.MyBalance(c.Request.Context(), claims, parseYear(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, balance, nil)
}

// Balance godoc
// @Summary Get a user's leave balance
// @Tags Leave
// @Produce json
// @Param id path string true "User id"
// @Param year query int false "Year, defaults to current"
// @Success 200 {object} response.Envelope
// @Router /leave-balances/{id} [get]
func (h *LeaveHandler) Balance(c *gin.Context) {
	balance, err := h.service.Balance(c.Request.Context(), c.Param("id"), parseYear(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, balance, nil)
}

// UpdateAllotment godoc
// @Summary Override a user's yearly leave allotment
// @Tags Leave
// @Accept json
// @Produce json
// @Param id path string true "User id"
// @Param year query int false "Year, defaults to current"
// @Param payload body models.LeaveAllotment true "Allotment payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /leave-balances/{id} [put]
func (h *LeaveHandler) UpdateAllotment(c *gin.Context) {
	var req models.LeaveAllotment
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid allotment payload"))
		return
	}

	balance, err := h.service.UpdateAllotment(c.Request.Context(), c.Param("id"), parseYear(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, balance, nil)
}

func parseYear(c *gin.Context) int {
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		return 0
	}
	return year
}
