// Package api exposes a small operator HTTP surface for monitoring a
// long batch: health, store statistics, failed-job listing, and a retry
// trigger. It never drives the pipeline itself.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/snapcrawl/config"
	"github.com/use-agent/snapcrawl/store"
)

// NewRouter creates a configured Gin engine with all operator routes.
// Health sits outside /api/v1 so monitoring probes stay stable.
func NewRouter(st *store.Store, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.API.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/healthz", Health(startTime))

	v1 := r.Group("/api/v1")
	v1.GET("/stats", Stats(st))
	v1.GET("/failed", Failed(st))
	v1.POST("/retry", Retry(st))

	return r
}
