package server

import (
	"net/http"
	"time"

	"groupchat/internal/auth"
	"groupchat/internal/config"
	"groupchat/internal/metrics"
	"groupchat/internal/mw"
	"groupchat/internal/service"
	"groupchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 组装服务层并初始化 Gin 中间件、REST API 与 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub) *gin.Engine {
	members := service.NewMembershipService(db)
	users := service.NewUserService(db, cfg, hub)
	groups := service.NewGroupService(db, hub, members)
	msgs := service.NewMessageService(db, hub, members)
	files := service.NewFileService(db, cfg, members)
	h := NewHandler(users, groups, msgs, files)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.Refresh)
	api.POST("/auth/revoke", h.Revoke)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.Middleware(cfg, db))

	authed.POST("/auth/revoke-all", h.RevokeAll)

	authed.POST("/groups", h.CreateGroup)
	authed.GET("/groups", h.ListGroups)
	authed.GET("/groups/:id", h.GetGroup)
	authed.PUT("/groups/:id", h.UpdateGroup)
	authed.DELETE("/groups/:id", h.DeleteGroup)
	authed.POST("/groups/join", h.JoinByInvite)
	authed.POST("/groups/:id/join", h.JoinGroup)
	authed.POST("/groups/:id/leave", h.LeaveGroup)
	authed.GET("/groups/:id/members", h.ListMembers)
	authed.DELETE("/groups/:id/members/:userId", h.RemoveMember)
	authed.PUT("/groups/:id/members/:userId/role", h.UpdateRole)
	authed.POST("/groups/:id/invite-code", h.GenerateInviteCode)

	authed.POST("/groups/:id/messages", h.SendMessage)
	authed.GET("/groups/:id/messages", h.ListMessages)
	authed.GET("/groups/:id/messages/search", h.SearchMessages)
	authed.GET("/messages/:id/replies", h.ListReplies)
	authed.PUT("/messages/:id", h.EditMessage)
	authed.DELETE("/messages/:id", h.DeleteMessage)

	authed.POST("/groups/:id/files", h.UploadFile)
	authed.GET("/files/:id", h.DownloadFile)
	authed.DELETE("/files/:id", h.DeleteFile)

	r.GET("/chathub", ws.Serve(hub, db, cfg, msgs, members, users))

	return r
}
