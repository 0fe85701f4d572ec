package httpapi

import (
	"net/http"

	"paycall/internal/auth"
	"paycall/internal/rbac"
	"paycall/internal/wallet"

	"github.com/gin-gonic/gin"
)

// Register wires the versioned API onto r. Health and metrics routes are
// the caller's concern.
//
// balance may be nil; when set, call validation and start are refused up
// front for callers with an empty wallet.
func (h Handlers) Register(r gin.IRouter, authMW gin.HandlerFunc, balance wallet.BalanceService, devTokens bool) {
	v1 := r.Group("/v1")

	if devTokens {
		v1.POST("/auth/token", h.IssueToken)
	}

	callerOnly := []gin.HandlerFunc{authMW, rbac.RequireUser(), rbac.RequireAnyRole(rbac.RoleCaller)}

	calls := v1.Group("/calls")

	presence := append([]gin.HandlerFunc{BearerFromQuery()}, callerOnly...)
	calls.GET("/presence", append(presence, h.Presence)...)

	calls.Use(callerOnly...)
	{
		var gate gin.HandlerFunc = func(c *gin.Context) { c.Next() }
		if balance != nil {
			gate = wallet.RequirePositiveBalance(balance)
		}
		calls.POST("/validate", gate, h.ValidateCall)
		calls.POST("/start", gate, h.StartCall)
		calls.POST("/switch", h.SwitchCall)
		calls.POST("/sync", h.SyncCall)
		calls.POST("/end", h.EndCall)
		calls.POST("/connectivity", h.Connectivity)
		calls.GET("/billing", h.Billing)
		calls.GET("/summary", h.Summary)
	}

	v1.GET("/me", authMW, rbac.RequireUser(), func(c *gin.Context) {
		uid, _ := auth.UserID(c.Request.Context())
		role, _ := auth.Role(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
	})
}
