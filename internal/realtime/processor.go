package realtime

import (
	"go.uber.org/zap"

	"tasksync/internal/store"
	"tasksync/pkg/metrics"
)

// Holder 当前持有的视图
type Holder interface {
	Stores() []*store.Store
}

// Processor 把推送事件合并到所有匹配的视图。事件按到达顺序处理，只依赖按 id 幂等的替换/删除
type Processor struct {
	holder Holder
	userID func() string
	logger *zap.Logger
}

func NewProcessor(holder Holder, userID func() string, logger *zap.Logger) *Processor {
	return &Processor{holder: holder, userID: userID, logger: logger}
}

// Apply 处理一条事件，返回受影响的视图数
func (p *Processor) Apply(ev Event) (int, error) {
	var (
		affected int
		taskID   string
	)
	switch ev.Type {
	case EventTaskUpdated:
		t, err := ev.Task()
		if err != nil {
			return p.fail(ev, err)
		}
		taskID = t.ID
		// 只原地替换已持有的任务，不做重新过滤
		for _, st := range p.holder.Stores() {
			if st.Replace(t) {
				affected++
			}
		}

	case EventTaskCreated:
		t, err := ev.Task()
		if err != nil {
			return p.fail(ev, err)
		}
		taskID = t.ID
		userID := p.userID()
		for _, st := range p.holder.Stores() {
			if st.Scope().Matches(t, userID) && st.Prepend(t) {
				affected++
			}
		}

	case EventTaskDeleted:
		id, err := ev.DeletedID()
		if err != nil {
			return p.fail(ev, err)
		}
		taskID = id
		for _, st := range p.holder.Stores() {
			if st.Remove(id) {
				affected++
			}
		}

	default:
		return p.fail(ev, errUnknownType(ev.Type))
	}

	result := "applied"
	if affected == 0 {
		result = "ignored"
	}
	metrics.IncrementRealtimeEvent(string(ev.Type), result)
	p.logger.Debug("Realtime event merged",
		zap.String("type", string(ev.Type)),
		zap.String("task_id", taskID),
		zap.Int("affected_scopes", affected),
	)
	return affected, nil
}

func (p *Processor) fail(ev Event, err error) (int, error) {
	metrics.IncrementRealtimeEvent(string(ev.Type), "invalid")
	p.logger.Warn("Dropping malformed realtime event", zap.String("type", string(ev.Type)), zap.Error(err))
	return 0, err
}

type errUnknownType EventType

func (e errUnknownType) Error() string {
	return "unknown event type " + string(e)
}
