package service

import (
	"context"

	"go.uber.org/zap"

	"tasksync/internal/realtime"
	"tasksync/pkg/metrics"
	"tasksync/pkg/mq"
)

// Notifier 把项目任务的变更推给订阅方
type Notifier interface {
	Broadcast(ctx context.Context, projectID string, ev realtime.Event)
}

// Publisher pkg/mq.Publisher 满足该接口
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// MQNotifier 发布到 exchange，routing key 为 project.<id>
type MQNotifier struct {
	pub    Publisher
	logger *zap.Logger
}

func NewMQNotifier(pub Publisher, logger *zap.Logger) *MQNotifier {
	return &MQNotifier{pub: pub, logger: logger}
}

// Broadcast 推送失败只记录日志，不影响已经提交的写操作
func (n *MQNotifier) Broadcast(ctx context.Context, projectID string, ev realtime.Event) {
	key := mq.ProjectRoutingKey(projectID)
	if err := n.pub.Publish(ctx, key, ev); err != nil {
		n.logger.Warn("Failed to publish task event",
			zap.String("routing_key", key),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return
	}
	metrics.IncrementBroadcast(string(ev.Type), "amqp")
	n.logger.Debug("Task event published", zap.String("routing_key", key), zap.String("type", string(ev.Type)))
}
