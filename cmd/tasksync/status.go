package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type viewStatus struct {
	Scope      string `json:"scope"`
	Loaded     int    `json:"loaded"`
	TotalCount int    `json:"total_count"`
	HasMore    bool   `json:"has_more"`
	Loading    bool   `json:"loading"`
}

func statusRouter(a *app) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/views", func(c *gin.Context) {
		stores := a.registry.Stores()
		views := make([]viewStatus, 0, len(stores))
		for _, st := range stores {
			s := st.State()
			views = append(views, viewStatus{
				Scope:      st.Scope().String(),
				Loaded:     len(s.Tasks),
				TotalCount: s.TotalCount,
				HasMore:    s.HasMore,
				Loading:    s.Loading,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"views":         views,
			"subscriptions": a.manager.Active(),
		})
	})
	return r
}

// serveStatus watch 期间暴露 /healthz /metrics /views
func serveStatus(a *app) func() {
	srv := &http.Server{
		Addr:              ":" + a.cfg.StatusPort,
		Handler:           statusRouter(a),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("Status server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Status server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
