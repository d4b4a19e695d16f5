package realtime

import (
	"encoding/json"
	"fmt"

	"tasksync/internal/model"
)

// EventType 推送事件类型
type EventType string

const (
	EventTaskCreated EventType = "task_created"
	EventTaskUpdated EventType = "task_updated"
	EventTaskDeleted EventType = "task_deleted"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTaskCreated, EventTaskUpdated, EventTaskDeleted:
		return true
	}
	return false
}

// Event 推送帧 {type, data}；created/updated 的 data 为完整任务，deleted 为 {id}
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type deletedData struct {
	ID string `json:"id"`
}

// Decode 解析一帧
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !ev.Type.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if len(ev.Data) == 0 {
		return Event{}, fmt.Errorf("event %s has no data", ev.Type)
	}
	return ev, nil
}

// NewEvent 服务端构造推送帧
func NewEvent(t EventType, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Data: raw}, nil
}

// DeletedEvent task_deleted 只携带 id
func DeletedEvent(id string) Event {
	raw, _ := json.Marshal(deletedData{ID: id})
	return Event{Type: EventTaskDeleted, Data: raw}
}

// Task created/updated 的任务快照
func (e Event) Task() (model.Task, error) {
	var t model.Task
	if err := json.Unmarshal(e.Data, &t); err != nil {
		return model.Task{}, fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	if t.ID == "" {
		return model.Task{}, fmt.Errorf("%s data has no id", e.Type)
	}
	return t, nil
}

// DeletedID task_deleted 的任务 id
func (e Event) DeletedID() (string, error) {
	var d deletedData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return "", fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	if d.ID == "" {
		return "", fmt.Errorf("%s data has no id", e.Type)
	}
	return d.ID, nil
}
