package adapters

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dkeye/huddle/internal/config"
)

// SetupRouter wires HTTP routes (REST + WS) with the session controller.
// - Static files are served from cfg.StaticPath.
// - REST is under /api/*
// - WebSocket signaling lives at /ws/:roomID/:userID
func SetupRouter(ctx context.Context, cfg *config.Config, ctl *SessionController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	// Static UI
	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	api := r.Group("/api")

	// GET /api/new-room — allocate a short opaque room code.
	api.GET("/new-room", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"roomId": uuid.NewString()[:8]})
	})

	// GET /api/turn-credentials — ICE server list for client bootstrap.
	api.GET("/turn-credentials", func(c *gin.Context) {
		servers := make([]gin.H, 0, len(cfg.StunURLs)+1)
		if cfg.TurnURL != "" && cfg.TurnCredential != "" {
			servers = append(servers, gin.H{
				"urls":       cfg.TurnURL,
				"username":   cfg.TurnUsername,
				"credential": cfg.TurnCredential,
			})
		}
		for _, u := range cfg.StunURLs {
			servers = append(servers, gin.H{"urls": u})
		}
		c.JSON(http.StatusOK, gin.H{"iceServers": servers})
	})

	// GET /api/rooms/:roomID — diagnostics: media state + roster.
	api.GET("/rooms/:roomID", func(c *gin.Context) {
		roomID := c.Param("roomID")
		status, ok := ctl.Engine.RoomInfo(roomID)
		users := ctl.Registry.ListUsers(roomID)
		if !ok && len(users) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"media": status, "users": users})
	})

	// GET /api/users/:userID — diagnostics: one connection's negotiation state.
	api.GET("/users/:userID", func(c *gin.Context) {
		status, ok := ctl.Engine.UserInfo(c.Param("userID"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no media connection"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	r.GET("/ws/:roomID/:userID", func(c *gin.Context) {
		ctl.HandleSession(ctx, c)
	})

	return r
}
