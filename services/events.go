package services

import (
	"sync"
	"time"
)

// Event 状态变更事件，推给实时看板，外部不用轮询存储
type Event struct {
	Type      string    `json:"type"`
	TargetID  uint      `json:"target_id,omitempty"`
	AccountID uint      `json:"account_id,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// 事件类型
const (
	EventTargetState  = "target_state"
	EventReportLog    = "report_log"
	EventAccountState = "account_state"
	EventLoginState   = "login_state"
	EventTaskRun      = "task_run"
)

// EventBus 进程内事件总线。发布永不阻塞：订阅方跟不上时
// 丢弃事件，实时视图允许有损。
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewEventBus 创建事件总线
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe 订阅事件流，返回订阅 ID 和只读通道
func (b *EventBus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe 退订并关闭通道
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish 广播事件，时间戳为空时补当前时间
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
