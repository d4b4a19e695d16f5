package realtime

import (
	"context"

	"go.uber.org/zap"

	"tasksync/pkg/metrics"
	"tasksync/pkg/mq"
	"tasksync/pkg/util"
)

// eventConsumer 一次 AMQP 会话，由 *mq.Consumer 实现
type eventConsumer interface {
	SetHandler(h mq.MessageHandler)
	StartConsuming(ctx context.Context) error
	Close()
}

type consumerFactory func(url, exchange, routingKey string, logger *zap.Logger) (eventConsumer, error)

func dialConsumer(url, exchange, routingKey string, logger *zap.Logger) (eventConsumer, error) {
	return mq.NewConsumer(url, exchange, routingKey, logger)
}

// AMQPSource 从 task.events exchange 订阅 project.<id>，每个订阅一条独占队列
type AMQPSource struct {
	url      string
	exchange string
	backoff  BackoffConfig
	logger   *zap.Logger
	connect  consumerFactory
}

func NewAMQPSource(url, exchange string, bo BackoffConfig, logger *zap.Logger) *AMQPSource {
	if exchange == "" {
		exchange = mq.DefaultExchange
	}
	return &AMQPSource{url: url, exchange: exchange, backoff: bo, logger: logger, connect: dialConsumer}
}

func (s *AMQPSource) Subscribe(projectID string, h Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &loopSubscription{cancel: cancel, done: make(chan struct{})}
	key := mq.ProjectRoutingKey(projectID)
	log := s.logger.With(zap.String("project_id", projectID), zap.String("driver", "amqp"))

	go func() {
		defer close(sub.done)
		s.run(ctx, key, h, log)
	}()
	return sub, nil
}

func (s *AMQPSource) run(ctx context.Context, key string, h Handler, log *zap.Logger) {
	bo := s.backoff.build(ctx)
	for {
		err := s.session(ctx, key, h, log, bo.Reset)
		if ctx.Err() != nil {
			log.Info("Realtime subscription closed")
			return
		}
		_, kind := util.IsRetryableError(err)
		log.Warn("Realtime consumer dropped, reconnecting", zap.String("error_type", kind), zap.Error(err))
		metrics.IncrementRealtimeReconnect("amqp")
		if !sleep(ctx, bo) {
			return
		}
	}
}

func (s *AMQPSource) session(ctx context.Context, key string, h Handler, log *zap.Logger, connected func()) error {
	consumer, err := s.connect(s.url, s.exchange, key, log)
	if err != nil {
		return err
	}
	defer consumer.Close()
	connected()

	consumer.SetHandler(func(ctx context.Context, _ string, body []byte) error {
		ev, err := Decode(body)
		if err != nil {
			metrics.IncrementRealtimeEvent("unknown", "invalid")
			return err
		}
		h(ctx, ev)
		return nil
	})
	return consumer.StartConsuming(ctx)
}
