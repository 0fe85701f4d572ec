package wallet

import (
	"context"
	"errors"
	"net/http"

	"paycall/internal/auth"
	"paycall/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// BalanceService is the minimal wallet interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// RequirePositiveBalance blocks call routes for callers with an empty wallet.
//
// This is a cheap front-door check; the exact minimum-duration gate happens
// in the call manager's validation step.
//
// Admins bypass the check.
func RequirePositiveBalance(svc BalanceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsAdmin(role) {
			c.Next()
			return
		}

		userID, err := auth.UserID(c.Request.Context())
		if err != nil || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if !bal.IsPositive() {
			// 402 Payment Required is semantically appropriate.
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
			return
		}

		c.Next()
	}
}
