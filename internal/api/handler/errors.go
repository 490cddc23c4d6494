package handler

import (
	"log"
	"net/http"

	"smart_bays/internal/service"

	"github.com/gin-gonic/gin"
)

// StatusFor maps an error kind onto its HTTP status.
func StatusFor(kind service.ErrorKind) int {
	switch kind {
	case service.KindBayOccupied, service.KindUserHasActiveBooking, service.KindConflict:
		return http.StatusConflict
	case service.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case service.KindBookingNotFound, service.KindBayNotFound:
		return http.StatusNotFound
	case service.KindNotAuthorized:
		return http.StatusForbidden
	case service.KindTimeout:
		return http.StatusGatewayTimeout
	case service.KindInvalidArgument, service.KindStaleSensor:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, op string, err error) {
	kind := service.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		log.Printf("%s: %v", op, err)
		c.JSON(status, gin.H{"error": "internal error", "kind": kind})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error(), "kind": service.KindInvalidArgument})
}
