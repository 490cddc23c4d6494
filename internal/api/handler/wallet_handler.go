package handler

import (
	"net/http"
	"strconv"

	"smart_bays/internal/api/middleware"
	"smart_bays/internal/domain"
	"smart_bays/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultTxLimit = 20

type WalletHandler struct {
	ledger *service.WalletLedger
}

func NewWalletHandler(ledger *service.WalletLedger) *WalletHandler {
	return &WalletHandler{ledger: ledger}
}

// POST /wallet/topup
func (h *WalletHandler) TopUp(c *gin.Context) {
	var dto domain.TopUpDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		badRequest(c, err)
		return
	}
	userID := middleware.ActorFrom(c).UserID
	balance, err := h.ledger.Credit(c.Request.Context(), userID, dto.Amount, dto.Method)
	if err != nil {
		respondError(c, "WalletHandler.TopUp", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

// GET /wallet?limit=n
func (h *WalletHandler) Summary(c *gin.Context) {
	limit := defaultTxLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500", "kind": service.KindInvalidArgument})
			return
		}
		limit = n
	}
	summary, err := h.ledger.Summary(c.Request.Context(), middleware.ActorFrom(c).UserID, limit)
	if err != nil {
		respondError(c, "WalletHandler.Summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// POST /admin/wallet/charge
func (h *WalletHandler) Charge(c *gin.Context) {
	var dto domain.WalletChargeDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		badRequest(c, err)
		return
	}
	var booking uuid.NullUUID
	if dto.BookingID != nil {
		booking = uuid.NullUUID{UUID: *dto.BookingID, Valid: true}
	}
	balance, err := h.ledger.Charge(c.Request.Context(), dto.UserID, dto.Amount, booking, dto.Note)
	if err != nil {
		respondError(c, "WalletHandler.Charge", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": dto.UserID, "balance": balance})
}
