package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tasksync/internal/apperr"
	"tasksync/internal/lifecycle"
	"tasksync/internal/model"
	"tasksync/internal/scope"
	"tasksync/pkg/circuitbreaker"
	"tasksync/pkg/otel"
	"tasksync/pkg/trace"
)

const (
	DefaultTimeout = 15 * time.Second
	maxErrorBody   = 64 << 10

	msgNetwork     = "Network error. Please check your connection."
	msgUnavailable = "Task service is temporarily unavailable."
)

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// Client 远端任务服务的 HTTP 客户端。连接失败和 5xx 计入熔断，其余业务错误不计入
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.New("task-service", opts.Breaker, isBusinessError, logger),
		logger:  logger,
	}
}

// isBusinessError 远端正常应答的 4xx 不代表服务不可用
func isBusinessError(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e) && e.Status > 0 && e.Status < 500
}

// FetchPage 按视图类型选择查询接口
func (c *Client) FetchPage(ctx context.Context, s scope.Scope, page, perPage int) (model.TaskPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	var path string
	switch s.Kind {
	case scope.KindMine:
		path = "/tasks/my"
	case scope.KindPersonal:
		path = "/tasks/personal"
	case scope.KindProject:
		path = "/tasks/project/" + url.PathEscape(s.ProjectID)
		if s.PendingOnly {
			path += "/pending-approval"
		}
	default:
		return model.TaskPage{}, apperr.Validation(fmt.Sprintf("unknown scope kind %q", s.Kind))
	}
	if v := s.Filter.QueryValue(); v != "" && !s.PendingOnly {
		q.Set("status", v)
	}

	var out model.TaskPage
	if _, err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return model.TaskPage{}, err
	}
	return out, nil
}

func (c *Client) CreateTask(ctx context.Context, in model.CreateTaskInput) (model.Task, error) {
	var out model.Task
	ok, err := c.do(ctx, http.MethodPost, "/tasks", nil, in, &out)
	if err != nil {
		return model.Task{}, err
	}
	if !ok {
		return model.Task{}, apperr.New(apperr.KindService, "Task service returned an empty response.")
	}
	return out, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (model.Task, error) {
	var out model.Task
	ok, err := c.do(ctx, http.MethodGet, taskPath(id), nil, nil, &out)
	if err != nil {
		return model.Task{}, err
	}
	if !ok {
		return model.Task{}, apperr.NotFound("Task not found")
	}
	return out, nil
}

func (c *Client) UpdateTask(ctx context.Context, id string, in model.UpdateTaskInput) (model.Task, error) {
	var out model.Task
	ok, err := c.do(ctx, http.MethodPut, taskPath(id), nil, in, &out)
	if err != nil {
		return model.Task{}, err
	}
	if !ok {
		return model.Task{}, apperr.New(apperr.KindService, "Task service returned an empty response.")
	}
	return out, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, taskPath(id), nil, nil, nil)
	return err
}

// Transition 执行生命周期动作；服务端只返回 ack 时 task 为 nil
func (c *Client) Transition(ctx context.Context, id string, action lifecycle.Action) (*model.Task, error) {
	seg, ok := actionPaths[action]
	if !ok {
		return nil, apperr.InvalidTransition(fmt.Sprintf("unknown action %q", action))
	}
	var out model.Task
	decoded, err := c.do(ctx, http.MethodPost, taskPath(id)+"/"+seg, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if !decoded || out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// SaveContent 保存当前用户的提交内容，服务端可能只返回 ack
func (c *Client) SaveContent(ctx context.Context, id, content string) (*model.Task, error) {
	var out model.Task
	decoded, err := c.do(ctx, http.MethodPost, taskPath(id)+"/content", nil, model.ContentInput{Content: content}, &out)
	if err != nil {
		return nil, err
	}
	if !decoded || out.ID == "" {
		return nil, nil
	}
	return &out, nil
}

var actionPaths = map[lifecycle.Action]string{
	lifecycle.ActionSubmit:           "submit",
	lifecycle.ActionRecall:           "recall",
	lifecycle.ActionApprove:          "approve",
	lifecycle.ActionRequestChanges:   "request-changes",
	lifecycle.ActionCompletePersonal: "complete-personal",
	lifecycle.ActionReopen:           "reopen",
}

func taskPath(id string) string {
	return "/tasks/" + url.PathEscape(id)
}

// do 发送请求并把 2xx 响应体解码到 out；响应体为空时返回 false
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return false, apperr.Wrap(apperr.KindValidation, "invalid request body", err)
		}
		reader = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, traceID := trace.Ensure(ctx)
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return false, apperr.Wrap(apperr.KindValidation, "invalid request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(trace.HeaderName, traceID)

	req, span := otel.ClientSpan(req, method+" "+path)

	var decoded bool
	status := 0
	start := time.Now()
	err = c.breaker.Execute(func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperr.Network(msgNetwork, err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return parseError(resp)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperr.Network(msgNetwork, err)
		}
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return apperr.Wrap(apperr.KindService, "Invalid response from task service.", err)
		}
		decoded = true
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = apperr.Network(msgUnavailable, err)
	}
	otel.EndClientSpan(span, status, err)

	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(start)),
		zap.String("trace_id", traceID),
	}
	if err != nil {
		c.logger.Warn("Task service request failed", append(fields, zap.Error(err))...)
		return false, err
	}
	c.logger.Debug("Task service request", fields...)
	return decoded, nil
}

type errorPayload struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

// parseError 依次取 detail（字符串或校验错误列表）、message；都没有时文案留空，
// Error() 显示为 "Server error: <status>"，调用方可以换成按操作区分的提示
func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := ""

	var p errorPayload
	if err := json.Unmarshal(raw, &p); err == nil {
		if d := detailMessage(p.Detail); d != "" {
			msg = d
		} else if p.Message != "" {
			msg = p.Message
		}
	}
	return apperr.Service(resp.StatusCode, msg)
}

func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
