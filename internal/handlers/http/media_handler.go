package http

import (
	"net/http"

	"relaycast/internal/core/ports"

	"github.com/gin-gonic/gin"
)

type MediaHandler struct {
	router ports.MediaRouter
}

func NewMediaHandler(router ports.MediaRouter) *MediaHandler {
	return &MediaHandler{router: router}
}

func (h *MediaHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/api/v1/router/capabilities", h.GetCapabilities)
}

func (h *MediaHandler) GetCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, h.router.RtpCapabilities())
}
