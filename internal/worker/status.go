package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/registry"
)

// JobView is the JSON form of a registry entry
type JobView struct {
	Code       string     `json:"code"`
	OwnerID    int64      `json:"owner_id"`
	SourceURL  string     `json:"source_url"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func newJobView(e registry.Entry) JobView {
	v := JobView{
		Code:      e.ID,
		OwnerID:   e.OwnerID,
		SourceURL: e.SourceURL,
		Status:    e.Status.String(),
		Detail:    e.Detail,
		Provider:  e.Provider,
		Error:     e.Error,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if !e.FinishedAt.IsZero() {
		finished := e.FinishedAt
		v.FinishedAt = &finished
	}
	return v
}

// NewStatusRouter exposes health, the live job registry and Prometheus metrics
func NewStatusRouter(reg *registry.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "worker-service",
		})
	})

	r.GET("/jobs", func(c *gin.Context) {
		entries := reg.Snapshot()
		views := make([]JobView, 0, len(entries))
		for _, e := range entries {
			views = append(views, newJobView(e))
		}
		c.JSON(http.StatusOK, gin.H{"jobs": views, "count": len(views)})
	})

	r.GET("/jobs/:code", func(c *gin.Context) {
		e, ok := reg.Get(c.Param("code"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, newJobView(e))
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// ServeStatus runs the status server until ctx is canceled
func ServeStatus(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Status server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}
