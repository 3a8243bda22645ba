package routes

import (
	"context"
	"net/http"
	"time"

	"collab-gateway/internal/api/middleware"
	"collab-gateway/internal/database"
	"collab-gateway/internal/gateway"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Router struct {
	engine    *gin.Engine
	wsHandler *gateway.Handler
	redis     *database.RedisClient
	db        *gorm.DB
	bridge    *gateway.Bridge
	hub       *gateway.Hub
}

func NewRouter(
	wsHandler *gateway.Handler,
	hub *gateway.Hub,
	bridge *gateway.Bridge,
	redis *database.RedisClient,
	db *gorm.DB,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.LogAPI())

	return &Router{
		engine:    engine,
		wsHandler: wsHandler,
		redis:     redis,
		db:        db,
		bridge:    bridge,
		hub:       hub,
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", r.handleHealth)

	api := r.engine.Group("/api/v1")
	r.wsHandler.RegisterRoutes(api)
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

func (r *Router) handleHealth(c *gin.Context) {
	status := gin.H{
		"status":      "ok",
		"connections": r.hub.ClientCount(),
		"bridge":      "subscribed",
	}
	if !r.bridge.Subscribed() {
		status["bridge"] = "degraded"
	}

	redisCtx, cancelRedis := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancelRedis()
	if err := r.redis.Ping(redisCtx); err != nil {
		status["redis"] = "down"
		status["status"] = "degraded"
	} else {
		status["redis"] = "ok"
	}

	if sqlDB, err := r.db.DB(); err != nil || sqlDB.PingContext(redisCtx) != nil {
		status["database"] = "down"
		status["status"] = "degraded"
	} else {
		status["database"] = "ok"
	}

	c.JSON(http.StatusOK, status)
}
