package realtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Handler 处理一条已解码的推送事件。同一订阅内按到达顺序串行调用
type Handler func(ctx context.Context, ev Event)

// Subscription 订阅句柄，Close 之后不再回调
type Subscription interface {
	Close() error
}

// Source 每个项目一条推送流
type Source interface {
	Subscribe(projectID string, h Handler) (Subscription, error)
}

// BackoffConfig 重连退避
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

func (c BackoffConfig) build(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.Initial > 0 {
		b.InitialInterval = c.Initial
	}
	if c.Max > 0 {
		b.MaxInterval = c.Max
	}
	b.MaxElapsedTime = 0 // 一直重连，直到订阅关闭
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// sleep 等待退避时间，ctx 结束时返回 false
func sleep(ctx context.Context, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// loopSubscription 后台 goroutine 驱动的订阅
type loopSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *loopSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// NoopSource 不推送任何事件（realtime 关闭时使用）
type NoopSource struct{}

func (NoopSource) Subscribe(string, Handler) (Subscription, error) {
	return noopSubscription{}, nil
}

type noopSubscription struct{}

func (noopSubscription) Close() error { return nil }
