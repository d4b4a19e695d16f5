package session

import (
	"time"

	"go.uber.org/zap"

	"tasksync/internal/apperr"
)

// Report 一条上报给用户的错误
type Report struct {
	Op      string
	Kind    apperr.Kind
	Message string
	Err     error
	At      time.Time
}

// ErrorReporter 共享的错误通道。缓冲满时丢弃最旧的一条，不阻塞调用方
type ErrorReporter struct {
	ch     chan Report
	logger *zap.Logger
}

func NewErrorReporter(buffer int, logger *zap.Logger) *ErrorReporter {
	if buffer <= 0 {
		buffer = 32
	}
	return &ErrorReporter{ch: make(chan Report, buffer), logger: logger}
}

func (r *ErrorReporter) Report(op string, err error) {
	rep := Report{
		Op:      op,
		Kind:    apperr.KindOf(err),
		Message: apperr.Message(err, err.Error()),
		Err:     err,
		At:      time.Now(),
	}
	r.logger.Warn("Task operation failed",
		zap.String("op", op),
		zap.String("kind", rep.Kind.String()),
		zap.String("message", rep.Message),
	)
	for {
		select {
		case r.ch <- rep:
			return
		default:
		}
		select {
		case <-r.ch:
		default:
		}
	}
}

// Errors 供界面层消费
func (r *ErrorReporter) Errors() <-chan Report {
	return r.ch
}
