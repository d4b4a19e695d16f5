package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/server/repository"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// TaskService service.TaskService 满足该接口
type TaskService interface {
	List(ctx context.Context, q repository.ListQuery) (model.TaskPage, error)
	Get(ctx context.Context, id string) (model.Task, error)
	Create(ctx context.Context, actorID string, in model.CreateTaskInput) (model.Task, error)
	Update(ctx context.Context, actorID, id string, in model.UpdateTaskInput) (model.Task, error)
	Delete(ctx context.Context, actorID, id string) error
	Transition(ctx context.Context, actorID, id string, action lifecycle.Action) (model.Task, error)
	SaveContent(ctx context.Context, actorID, id, content string) (model.Task, error)
}

type TaskHandler struct {
	svc    TaskService
	logger *zap.Logger
}

func NewTaskHandler(svc TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{svc: svc, logger: logger}
}

// 只返回 ack 的动作；其余动作返回任务本身
var actionAcks = map[lifecycle.Action]string{
	lifecycle.ActionSubmit:         "Task submitted for approval.",
	lifecycle.ActionRecall:         "Task submission recalled successfully.",
	lifecycle.ActionApprove:        "Task approved successfully.",
	lifecycle.ActionRequestChanges: "Changes requested successfully.",
}

func userID(c *gin.Context) string {
	return c.GetString("user_id")
}

// fail 错误体统一为 {"detail": "..."}
func (h *TaskHandler) fail(c *gin.Context, op string, err error) {
	status := apperr.HTTPStatus(err)
	msg := apperr.Message(err, "Internal server error.")
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+": failed", zap.String("user_id", userID(c)), zap.Error(err))
		msg = "Internal server error."
	} else {
		h.logger.Warn(op+": rejected", zap.String("user_id", userID(c)), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"detail": msg})
}

func pagination(c *gin.Context) (int, int, error) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		return 0, 0, apperr.Validation("page must be a positive integer")
	}
	perPage, err := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil || perPage < 1 || perPage > maxPerPage {
		return 0, 0, apperr.Validation("per_page must be between 1 and 100")
	}
	return page, perPage, nil
}

func (h *TaskHandler) list(c *gin.Context, op string, q repository.ListQuery) {
	page, perPage, err := pagination(c)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	q.UserID = userID(c)
	q.Page, q.PerPage = page, perPage

	result, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	h.logger.Info(op+": success",
		zap.String("user_id", q.UserID),
		zap.Int("page", page),
		zap.Int("count", len(result.Tasks)),
		zap.Int("total", result.TotalCount),
	)
	c.JSON(http.StatusOK, result)
}

func (h *TaskHandler) ListMine(c *gin.Context) {
	h.list(c, "ListMine", repository.ListQuery{Kind: repository.ListMine, Status: c.Query("status")})
}

func (h *TaskHandler) ListPersonal(c *gin.Context) {
	h.list(c, "ListPersonal", repository.ListQuery{Kind: repository.ListPersonal, Status: c.Query("status")})
}

func (h *TaskHandler) ListProject(c *gin.Context) {
	h.list(c, "ListProject", repository.ListQuery{
		Kind:      repository.ListProject,
		ProjectID: c.Param("project_id"),
		Status:    c.Query("status"),
	})
}

func (h *TaskHandler) ListPending(c *gin.Context) {
	h.list(c, "ListPending", repository.ListQuery{Kind: repository.ListPending, ProjectID: c.Param("project_id")})
}

func (h *TaskHandler) GetTask(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "GetTask", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TaskHandler) CreateTask(c *gin.Context) {
	var in model.CreateTaskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, "CreateTask", apperr.Wrap(apperr.KindValidation, "Invalid request body.", err))
		return
	}
	t, err := h.svc.Create(c.Request.Context(), userID(c), in)
	if err != nil {
		h.fail(c, "CreateTask", err)
		return
	}
	h.logger.Info("CreateTask: success", zap.String("task_id", t.ID), zap.String("user_id", userID(c)))
	c.JSON(http.StatusCreated, t)
}

func (h *TaskHandler) UpdateTask(c *gin.Context) {
	var in model.UpdateTaskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, "UpdateTask", apperr.Wrap(apperr.KindValidation, "Invalid request body.", err))
		return
	}
	t, err := h.svc.Update(c.Request.Context(), userID(c), c.Param("id"), in)
	if err != nil {
		h.fail(c, "UpdateTask", err)
		return
	}
	h.logger.Info("UpdateTask: success", zap.String("task_id", t.ID))
	c.JSON(http.StatusOK, t)
}

func (h *TaskHandler) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request.Context(), userID(c), id); err != nil {
		h.fail(c, "DeleteTask", err)
		return
	}
	h.logger.Info("DeleteTask: success", zap.String("task_id", id))
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted successfully."})
}

// Transition 返回处理函数，路由层为每个动作注册一次
func (h *TaskHandler) Transition(action lifecycle.Action) gin.HandlerFunc {
	op := "Transition(" + string(action) + ")"
	return func(c *gin.Context) {
		t, err := h.svc.Transition(c.Request.Context(), userID(c), c.Param("id"), action)
		if err != nil {
			h.fail(c, op, err)
			return
		}
		h.logger.Info(op+": success", zap.String("task_id", t.ID), zap.String("status", string(t.Status)))
		if msg, ok := actionAcks[action]; ok {
			c.JSON(http.StatusOK, gin.H{"message": msg})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func (h *TaskHandler) SaveContent(c *gin.Context) {
	var in model.ContentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, "SaveContent", apperr.Wrap(apperr.KindValidation, "Invalid request body.", err))
		return
	}
	t, err := h.svc.SaveContent(c.Request.Context(), userID(c), c.Param("id"), in.Content)
	if err != nil {
		h.fail(c, "SaveContent", err)
		return
	}
	h.logger.Info("SaveContent: success", zap.String("task_id", t.ID), zap.String("user_id", userID(c)))
	c.JSON(http.StatusOK, gin.H{"message": "Your submission has been saved."})
}
