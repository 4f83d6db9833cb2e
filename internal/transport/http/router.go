package httptransport

import (
	"log/slog"
	"time"

	"github.com/firstbad/bisectd/internal/transport/http/handler"
	"github.com/firstbad/bisectd/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"
)

func NewRouter(logger *slog.Logger, jobHandler *handler.JobHandler, streamHandler *handler.StreamHandler, jwtKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	authMW := middleware.Auth(jwtKey)
	// One shared read budget per client IP across the query endpoints.
	queryLimit := middleware.RateLimit(300, time.Minute)

	jobs := r.Group("/jobs", authMW)
	jobs.POST("", jobHandler.Create)
	jobs.GET("", queryLimit, jobHandler.List)
	jobs.GET("/:id", queryLimit, jobHandler.GetByID)
	jobs.POST("/:id/cancel", jobHandler.Cancel)
	jobs.POST("/:id/retry", jobHandler.Retry)
	jobs.GET("/:id/stream", streamHandler.Stream)

	r.GET("/stats", authMW, queryLimit, jobHandler.Stats)

	return r
}
