package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"paycall/internal/calls"
	"paycall/internal/pricing"
	"paycall/internal/reporting"
	"paycall/internal/session"
	"paycall/pkg/logger"

	"github.com/gin-gonic/gin"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

type validateRequest struct {
	HostID  string `json:"host_id"`
	IsVideo bool   `json:"is_video"`
}

type startRequest struct {
	HostID       string `json:"host_id"`
	StreamCallID string `json:"stream_call_id"`
	IsVideo      bool   `json:"is_video"`
}

type switchRequest struct {
	IsVideo bool `json:"is_video"`
}

type endRequest struct {
	Reason calls.EndReason `json:"reason"`
}

// resultStatus maps a result's error message to an HTTP status.
func resultStatus(msg string) int {
	switch {
	case msg == "":
		return http.StatusOK
	case strings.HasPrefix(msg, "insufficient"):
		return http.StatusPaymentRequired
	case msg == pricing.ReasonInvalidPricing:
		return http.StatusUnprocessableEntity
	case msg == session.ErrNoSession.Error():
		return http.StatusNotFound
	case msg == session.ErrCallInProgress.Error(),
		msg == calls.ErrNoActiveCall.Error(),
		msg == calls.ErrNotValidated.Error(),
		msg == calls.ErrCallerMismatch.Error():
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h Handlers) ValidateCall(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.HostID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "host_id required"})
		return
	}

	res, _ := h.Calls.Validate(c.Request.Context(), a.UserID, req.HostID, req.IsVideo)
	c.JSON(resultStatus(res.Error), res)
}

func (h Handlers) StartCall(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.HostID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "host_id required"})
		return
	}

	res, err := h.Calls.Start(c.Request.Context(), a, session.StartRequest{
		CallerID:     a.UserID,
		HostID:       req.HostID,
		StreamCallID: req.StreamCallID,
		IsVideo:      req.IsVideo,
	})
	if err != nil && !errors.Is(err, session.ErrCallInProgress) && !errors.Is(err, calls.ErrNotValidated) {
		logger.FromGin(c).Error("start call failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(resultStatus(res.Error), res)
}

func (h Handlers) SwitchCall(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, _ := h.Calls.Switch(c.Request.Context(), a, a.UserID, req.IsVideo)
	c.JSON(resultStatus(res.Error), res)
}

func (h Handlers) SyncCall(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	res, _ := h.Calls.Sync(c.Request.Context(), a.UserID)
	c.JSON(resultStatus(res.Error), res)
}

// EndCall settles the caller's call. An empty body means a hangup.
func (h Handlers) EndCall(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	req := endRequest{Reason: calls.EndReasonUserHangup}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		if req.Reason == "" {
			req.Reason = calls.EndReasonUserHangup
		}
	}
	if !req.Reason.Valid() || req.Reason == calls.EndReasonServerShutdown {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid reason"})
		return
	}

	res, _ := h.Calls.End(c.Request.Context(), a, a.UserID, req.Reason)
	c.JSON(resultStatus(res.Error), res)
}

// Billing returns the running call's live billing state.
func (h Handlers) Billing(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	st, err := h.Calls.Status(a.UserID)
	if err != nil {
		c.AbortWithStatusJSON(resultStatus(err.Error()), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Summary reports the caller's calls and spend over [from, to).
// Both bounds are RFC 3339; the default window is the last 30 days.
func (h Handlers) Summary(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}

	to := h.now().UTC()
	from := to.Add(-defaultSummaryWindow)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
	}
	rng := reporting.TimeRange{From: from, To: to}

	callsOut, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{CallerID: a.UserID, Range: rng})
	if err != nil {
		h.reportError(c, err)
		return
	}
	spend, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{UserID: a.UserID, Range: rng})
	if err != nil {
		h.reportError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"range": rng, "calls": callsOut, "spend": spend})
}

func (h Handlers) reportError(c *gin.Context, err error) {
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	logger.FromGin(c).Error("summary failed", "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
}
