package server

import (
	"net/http"

	"messenger/internal/auth"
	"messenger/internal/config"
	clog "messenger/internal/log"
	"messenger/internal/metrics"
	"messenger/internal/mw"
	"messenger/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, hub *ws.Hub, tm *auth.TokenManager, limiter *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(clog.GinLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigin))
	r.Use(limiter.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": hub.Online()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.Serve(hub, tm))
	r.Static("/avatars", cfg.AvatarDir)

	api := r.Group("/api")
	authed := auth.Middleware(tm)

	authGroup := api.Group("/auth")
	authGroup.POST("/registration", h.Registration)
	authGroup.POST("/login", h.Login)
	authGroup.POST("/logout/:id", authed, h.Logout)
	authGroup.GET("/refresh", h.Refresh)

	user := api.Group("/user", authed)
	user.GET("/getData", h.GetUserData)
	user.PUT("/update", h.UpdateAccountData)
	user.PUT("/name/:id", h.UpdateUserName)
	user.DELETE("/remove", h.RemoveAccount)
	user.GET("/avatar/:id", h.GetAvatar)
	user.POST("/avatar/:id", h.UpdateAvatar)

	friends := api.Group("/friends")
	friends.POST("/addFriend", authed, h.AddFriend)
	friends.DELETE("/removeFriend", authed, h.RemoveFriend)
	friends.GET("/friendList/:id", authed, h.GetFriends)
	friends.GET("/:id/searching/:search", h.SearchUsers)

	chats := api.Group("/chats", authed)
	chats.GET("/chatList/:id", h.GetUserChats)
	chats.GET("/history/:chatId", h.ListMessages)

	return r
}
