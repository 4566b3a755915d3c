package server

import (
	"net/http"
	"time"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/auth"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/config"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/metrics"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/mw"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/service"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 service 依赖、Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，移动端重试风暴不至于拖垮服务。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	userSvc := service.NewUserService(db, cfg)
	roomSvc := service.NewRoomService(db)
	memberSvc := service.NewMemberService(db)
	msgSvc := service.NewMessageService(db, memberSvc)
	hub := ws.NewHub(memberSvc)
	typing := ws.NewTypingTracker(time.Duration(cfg.TypingTTLSeconds) * time.Second)
	h := NewHandler(userSvc, roomSvc, memberSvc, msgSvc, hub, typing, cfg.HistoryPageLimit)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	authed.GET("/rooms/:id/messages", h.ListMessages)
	authed.POST("/rooms/:id/messages", h.PostMessage)
	authed.GET("/rooms/:id/participants", h.Participants)
	authed.POST("/private-rooms", h.CreatePrivateRoom)

	r.GET("/ws", ws.Serve(hub, typing, msgSvc, db, cfg))

	return r
}
