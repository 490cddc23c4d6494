package handler

import (
	"net/http"

	"smart_bays/internal/api/middleware"
	"smart_bays/internal/domain"
	"smart_bays/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type BookingHandler struct {
	coord *service.Coordinator
}

func NewBookingHandler(coord *service.Coordinator) *BookingHandler {
	return &BookingHandler{coord: coord}
}

func bookingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return uuid.Nil, false
	}
	return id, true
}

// POST /bookings
func (h *BookingHandler) Reserve(c *gin.Context) {
	var dto domain.ReserveDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		badRequest(c, err)
		return
	}
	actor := middleware.ActorFrom(c)
	out, err := h.coord.Reserve(c.Request.Context(), actor.UserID, dto.BayName, dto.Plate)
	if err != nil {
		respondError(c, "BookingHandler.Reserve", err)
		return
	}
	c.JSON(http.StatusCreated, out.Booking)
}

// POST /bookings/:id/cancel
func (h *BookingHandler) Cancel(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	out, err := h.coord.Cancel(c.Request.Context(), id, middleware.ActorFrom(c))
	if err != nil {
		respondError(c, "BookingHandler.Cancel", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": out.Kind, "reason": out.Reason, "booking": out.Booking})
}

// GET /bookings/:id
func (h *BookingHandler) Get(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.coord.Machine().Booking(c.Request.Context(), id, middleware.ActorFrom(c))
	if err != nil {
		respondError(c, "BookingHandler.Get", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GET /bookings/active
func (h *BookingHandler) Active(c *gin.Context) {
	b, err := h.coord.Machine().ActiveBooking(c.Request.Context(), middleware.ActorFrom(c).UserID)
	if err != nil {
		respondError(c, "BookingHandler.Active", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /admin/bookings/:id/adjust
func (h *BookingHandler) AdjustCharge(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var dto domain.AdjustChargeDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.coord.AdjustBookingCharge(c.Request.Context(), id, dto.Amount, dto.Note, middleware.ActorFrom(c))
	if err != nil {
		respondError(c, "BookingHandler.AdjustCharge", err)
		return
	}
	c.JSON(http.StatusOK, out.Booking)
}
