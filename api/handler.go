package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/snapcrawl/store"
)

// Health returns a handler for GET /healthz.
func Health(startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"uptime": time.Since(startTime).Round(time.Second).String(),
		})
	}
}

// Stats returns a handler for GET /api/v1/stats reporting per-status job
// counts plus run and artifact totals.
func Stats(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := st.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// Failed returns a handler for GET /api/v1/failed listing failed jobs
// with their stored last_error.
func Failed(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := st.FailedJobs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		type failedJob struct {
			Slug       string `json:"slug"`
			URL        string `json:"url"`
			Status     string `json:"status"`
			LastError  string `json:"last_error"`
			RetryCount int    `json:"retry_count"`
		}
		out := make([]failedJob, len(jobs))
		for i, j := range jobs {
			out[i] = failedJob{
				Slug:       j.Slug,
				URL:        j.URL,
				Status:     string(j.Status),
				LastError:  j.LastError,
				RetryCount: j.RetryCount,
			}
		}
		c.JSON(http.StatusOK, gin.H{"failed": out})
	}
}

// Retry returns a handler for POST /api/v1/retry, moving every failed
// job back to pending. The next batch picks them up.
func Retry(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := st.ResetFailed(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": n})
	}
}
