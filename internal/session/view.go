package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"tasksync/internal/model"
	"tasksync/internal/scope"
	"tasksync/internal/store"
)

var ErrViewClosed = errors.New("view closed")

// View 一个打开的视图。Close 之后不再触发分页，并释放推送流引用
type View struct {
	session   *Session
	store     *store.Store
	threshold int
	release   func()

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (v *View) Scope() scope.Scope { return v.store.Scope() }

func (v *View) Store() *store.Store { return v.store }

func (v *View) State() store.State { return v.store.State() }

func (v *View) Tasks() []model.Task { return v.store.Tasks() }

func (v *View) Closed() bool {
	return v.ctx.Err() != nil
}

// LoadMore 视图关闭后直接返回；视图关闭同时取消在途的分页请求
func (v *View) LoadMore(ctx context.Context) error {
	if v.Closed() {
		return nil
	}
	ctx, cancel := v.bind(ctx)
	defer cancel()
	err := v.store.LoadMore(ctx)
	if err != nil && !v.Closed() {
		v.session.reporter.Report("load", err)
	}
	return err
}

// Visible 分页触发：第 index 条进入可视区域且接近末尾时加载下一页
func (v *View) Visible(ctx context.Context, index int) error {
	st := v.store.State()
	if !st.HasMore || st.Loading || index < len(st.Tasks)-v.threshold {
		return nil
	}
	return v.LoadMore(ctx)
}

func (v *View) Refresh(ctx context.Context) error {
	if v.Closed() {
		return ErrViewClosed
	}
	ctx, cancel := v.bind(ctx)
	defer cancel()
	err := v.store.Refresh(ctx)
	if err != nil && !v.Closed() {
		v.session.reporter.Report("load", err)
	}
	return err
}

func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.cancel()
		if v.release != nil {
			v.release()
		}
		v.session.forget(v)
		v.session.logger.Debug("View closed", zap.String("scope", v.Scope().Key()))
	})
}

// bind 调用方 ctx 与视图生命周期任一结束都取消请求
func (v *View) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(v.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
