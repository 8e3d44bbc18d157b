package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetBalance returns the caller's balance and trust score, opening the
// account on first use.
func GetBalance(ledger *accounts.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc, err := ledger.Initialize(c.Request.Context(), middleware.UserID(c))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":     acc.Balance.StringFixed(2),
			"trust_score": acc.TrustScore,
			"frozen":      acc.Frozen,
		})
	}
}

// Withdraw debits the caller and records a REDEMPTION entry. Payout over a
// payment rail happens elsewhere.
func Withdraw(ledger *accounts.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Amount    decimal.Decimal `json:"amount"`
			Reference string          `json:"reference"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request. amount is required.")
			return
		}

		entry, err := ledger.Withdraw(c.Request.Context(), middleware.UserID(c), req.Amount, req.Reference)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entry_id": entry.ID,
			"amount":   entry.Amount.StringFixed(2),
			"balance":  entry.AfterBalance.StringFixed(2),
		})
	}
}
