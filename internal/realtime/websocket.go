package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tasksync/pkg/metrics"
	"tasksync/pkg/util"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPongWait         = 60 * time.Second
)

// WebSocketSource 每个项目一条 websocket 连接：<baseURL>/<project_id>
type WebSocketSource struct {
	baseURL string
	token   string
	backoff BackoffConfig
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

func NewWebSocketSource(baseURL, token string, bo BackoffConfig, logger *zap.Logger) *WebSocketSource {
	return &WebSocketSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		backoff: bo,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
		},
		logger: logger,
	}
}

func (s *WebSocketSource) Subscribe(projectID string, h Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &loopSubscription{cancel: cancel, done: make(chan struct{})}
	endpoint := s.baseURL + "/" + url.PathEscape(projectID)
	log := s.logger.With(zap.String("project_id", projectID), zap.String("driver", "websocket"))

	go func() {
		defer close(sub.done)
		s.run(ctx, endpoint, h, log)
	}()
	return sub, nil
}

// run 连接断开后按退避重连；不可重试的错误结束订阅
func (s *WebSocketSource) run(ctx context.Context, endpoint string, h Handler, log *zap.Logger) {
	bo := s.backoff.build(ctx)
	for {
		err := s.session(ctx, endpoint, h, log, bo.Reset)
		if ctx.Err() != nil {
			log.Info("Realtime subscription closed")
			return
		}

		retryable, kind := util.IsRetryableError(err)
		if !retryable {
			log.Error("Realtime channel failed permanently", zap.String("error_type", kind), zap.Error(err))
			return
		}
		log.Warn("Realtime channel dropped, reconnecting", zap.String("error_type", kind), zap.Error(err))
		metrics.IncrementRealtimeReconnect("websocket")
		if !sleep(ctx, bo) {
			return
		}
	}
}

// session 一次连接的生命周期，按到达顺序回调
func (s *WebSocketSource) session(ctx context.Context, endpoint string, h Handler, log *zap.Logger, connected func()) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 500 {
			return &websocket.CloseError{Code: websocket.CloseTryAgainLater, Text: resp.Status}
		}
		return err
	}
	defer conn.Close()
	connected()
	log.Info("Realtime channel connected", zap.String("url", endpoint))

	// Close 时打断阻塞的 ReadMessage
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		ev, err := Decode(raw)
		if err != nil {
			metrics.IncrementRealtimeEvent("unknown", "invalid")
			log.Warn("Dropping undecodable realtime frame", zap.Error(err))
			continue
		}
		h(ctx, ev)
	}
}
