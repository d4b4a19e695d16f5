package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tasksync/internal/lifecycle"
	"tasksync/internal/server/handler"
	"tasksync/internal/server/hub"
	"tasksync/pkg/otel"
)

// Pinger 存储就绪检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity MQ 就绪检查，pkg/mq.Publisher 满足
type Connectivity interface {
	IsConnected() bool
}

type Deps struct {
	Tasks     *handler.TaskHandler
	Hub       *hub.Hub
	JWTSecret string
	DB        Pinger
	MQ        Connectivity // 可为 nil
}

func NewRouter(d Deps, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(otel.GinMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if err := d.DB.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if d.MQ != nil && !d.MQ.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := r.Group("/")
	auth.Use(AuthMiddleware(d.JWTSecret))
	{
		auth.GET("/ws/:project_id", d.Hub.ServeWS)

		auth.GET("/tasks/my", d.Tasks.ListMine)
		auth.GET("/tasks/personal", d.Tasks.ListPersonal)
		auth.GET("/tasks/project/:project_id", d.Tasks.ListProject)
		auth.GET("/tasks/project/:project_id/pending-approval", d.Tasks.ListPending)

		auth.POST("/tasks", d.Tasks.CreateTask)
		auth.GET("/tasks/:id", d.Tasks.GetTask)
		auth.PUT("/tasks/:id", d.Tasks.UpdateTask)
		auth.DELETE("/tasks/:id", d.Tasks.DeleteTask)
		auth.POST("/tasks/:id/content", d.Tasks.SaveContent)

		auth.POST("/tasks/:id/submit", d.Tasks.Transition(lifecycle.ActionSubmit))
		auth.POST("/tasks/:id/recall", d.Tasks.Transition(lifecycle.ActionRecall))
		auth.POST("/tasks/:id/approve", d.Tasks.Transition(lifecycle.ActionApprove))
		auth.POST("/tasks/:id/request-changes", d.Tasks.Transition(lifecycle.ActionRequestChanges))
		auth.POST("/tasks/:id/complete-personal", d.Tasks.Transition(lifecycle.ActionCompletePersonal))
		auth.POST("/tasks/:id/reopen", d.Tasks.Transition(lifecycle.ActionReopen))
	}

	return r
}
