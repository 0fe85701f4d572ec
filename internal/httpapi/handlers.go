package httpapi

import (
	"context"
	"net/http"
	"time"

	"paycall/internal/audit"
	"paycall/internal/auth"
	"paycall/internal/calls"
	"paycall/internal/connection"
	"paycall/internal/rbac"
	"paycall/internal/reporting"
	"paycall/internal/session"

	"github.com/gin-gonic/gin"
)

// CallService runs the authenticated caller's call. session.Registry implements it.
type CallService interface {
	Validate(ctx context.Context, callerID, hostID string, isVideo bool) (calls.ValidationResult, error)
	Start(ctx context.Context, actor audit.Actor, req session.StartRequest) (calls.StartResult, error)
	Switch(ctx context.Context, actor audit.Actor, callerID string, isVideo bool) (calls.SwitchResult, error)
	Sync(ctx context.Context, callerID string) (calls.SyncResult, error)
	End(ctx context.Context, actor audit.Actor, callerID string, reason calls.EndReason) (calls.EndResult, error)
	Status(callerID string) (session.Status, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Calls     CallService
	Reports   *reporting.Service
	Publisher connection.Publisher

	// AllowedOrigins limits the presence socket. Empty allows same-origin only.
	AllowedOrigins []string

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken issues a JWT token pair.
//
// NOTE: This is a development-only endpoint. Real systems must validate credentials.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// actor resolves the authenticated user. The auth middleware guarantees a
// user id on every route that calls it.
func actor(c *gin.Context) (audit.Actor, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil || uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return audit.Actor{}, false
	}
	role, _ := auth.Role(c.Request.Context())
	return audit.Actor{UserID: uid, Role: role, IP: c.ClientIP()}, true
}
