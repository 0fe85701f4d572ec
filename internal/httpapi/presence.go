package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"paycall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	presenceWriteWait = 10 * time.Second
	presencePongWait  = 30 * time.Second
	presencePingEvery = presencePongWait * 9 / 10
	presenceReadLimit = 512
)

type connectivityRequest struct {
	Connected *bool `json:"connected"`
}

// Connectivity lets a client report a network change it detected itself.
func (h Handlers) Connectivity(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if h.Publisher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence not configured"})
		return
	}
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Connected == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "connected required"})
		return
	}
	if err := h.Publisher.Publish(c.Request.Context(), a.UserID, *req.Connected); err != nil {
		logger.FromGin(c).Error("publish connectivity failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": *req.Connected})
}

func (h Handlers) upgrader() websocket.Upgrader {
	up := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if len(h.AllowedOrigins) == 0 {
		return up
	}
	allowed := make(map[string]struct{}, len(h.AllowedOrigins))
	for _, o := range h.AllowedOrigins {
		allowed[strings.TrimSpace(o)] = struct{}{}
	}
	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients.
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return up
}

// Presence holds a websocket for as long as the client is reachable. The
// caller counts as connected while the socket is open and answering pings;
// the client may also send {"connected": false} when it loses its network
// path but keeps the socket.
func (h Handlers) Presence(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if h.Publisher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence not configured"})
		return
	}
	log := logger.FromGin(c)

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("presence upgrade failed", "err", err)
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	publish := func(connected bool) {
		if err := h.Publisher.Publish(ctx, a.UserID, connected); err != nil {
			log.Warn("publish presence failed", "connected", connected, "err", err)
		}
	}

	publish(true)
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
		publish(false)
	}()
	go pingLoop(conn, done)

	conn.SetReadLimit(presenceReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(presencePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(presencePongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("presence socket closed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(presencePongWait))

		var req connectivityRequest
		if err := json.Unmarshal(msg, &req); err != nil || req.Connected == nil {
			continue
		}
		publish(*req.Connected)
	}
}

func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(presencePingEvery)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(presenceWriteWait)); err != nil {
				return
			}
		}
	}
}

// BearerFromQuery copies an access_token query parameter into the
// Authorization header for websocket upgrades, which browsers cannot send
// headers on.
func BearerFromQuery() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" && websocket.IsWebSocketUpgrade(c.Request) {
			if tok := c.Query("access_token"); tok != "" {
				c.Request.Header.Set("Authorization", "Bearer "+tok)
			}
		}
		c.Next()
	}
}
