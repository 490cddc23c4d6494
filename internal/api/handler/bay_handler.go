package handler

import (
	"net/http"

	"smart_bays/internal/api/middleware"
	"smart_bays/internal/domain"
	"smart_bays/internal/service"

	"github.com/gin-gonic/gin"
)

type BayHandler struct {
	coord *service.Coordinator
}

func NewBayHandler(coord *service.Coordinator) *BayHandler {
	return &BayHandler{coord: coord}
}

// GET /bays
func (h *BayHandler) List(c *gin.Context) {
	bays, err := h.coord.Machine().Bays(c.Request.Context())
	if err != nil {
		respondError(c, "BayHandler.List", err)
		return
	}
	c.JSON(http.StatusOK, bays)
}

// PUT /admin/bays/:name/led
func (h *BayHandler) SetLed(c *gin.Context) {
	var dto domain.SetLedDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.coord.SetLed(c.Request.Context(), c.Param("name"), dto.State, middleware.ActorFrom(c))
	if err != nil {
		respondError(c, "BayHandler.SetLed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": out.Kind, "bay": c.Param("name"), "state": dto.State})
}
