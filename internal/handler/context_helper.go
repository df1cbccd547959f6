package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/facultydesk/proxy-api/internal/middleware"
	"github.com/facultydesk/proxy-api/internal/models"
)

// currentUser extracts JWT claims stored by the auth middleware.
func currentUser(c *gin.Context) (*models.JWTClaims, bool) {
	value, ok := c.Get(middleware.ContextUserKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*models.JWTClaims)
	return claims, ok
}
