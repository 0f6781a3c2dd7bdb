package http

import (
	"net/http"
	"path"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/errors"
	"relaycast/pkg/validation"

	"github.com/gin-gonic/gin"
)

type HlsHandler struct {
	hlsService ports.HlsService
}

func NewHlsHandler(hlsService ports.HlsService) *HlsHandler {
	return &HlsHandler{hlsService: hlsService}
}

func (h *HlsHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/hls")
	{
		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:id", h.GetStream)
	}
}

// ListStreams returns the same listing as the getAvailableHlsStreams event.
func (h *HlsHandler) ListStreams(c *gin.Context) {
	streams, err := h.hlsService.ListAvailableStreams(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (h *HlsHandler) GetStream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	if err := validation.ValidateStreamID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	url, err := h.hlsService.GetHlsStreamURL(id)
	if err != nil {
		c.Error(err)
		return
	}

	status := domain.HlsStatusStopped
	for _, stream := range h.hlsService.GetActiveStreams() {
		if stream.ID == id {
			status = stream.Status()
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     id,
		"url":    url,
		"status": status,
		"ready":  h.hlsService.IsHlsStreamReady(id),
	})
}

// RegisterHlsFiles serves the segmenter output under /hls. Playlists change
// every segment and must not be cached; segments never change once written.
func RegisterHlsFiles(router gin.IRouter, outputDir string) {
	files := router.Group("/hls", func(c *gin.Context) {
		switch path.Ext(c.Request.URL.Path) {
		case ".m3u8":
			c.Header("Cache-Control", "no-cache, no-store")
			c.Header("Content-Type", "application/vnd.apple.mpegurl")
		case ".ts":
			c.Header("Cache-Control", "public, max-age=60")
			c.Header("Content-Type", "video/mp2t")
		case ".sdp":
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		c.Next()
	})
	files.StaticFS("/", gin.Dir(outputDir, false))
}
