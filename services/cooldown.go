package services

import (
	"sync"
	"time"
)

// CooldownTracker 账号冷却登记。进程内共享，单实例约束下
// 不需要跨进程协调；检查与占用在一把锁里完成。
type CooldownTracker struct {
	mu       sync.Mutex
	window   time.Duration
	lastUsed map[uint]time.Time
	now      func() time.Time
}

// NewCooldownTracker 创建冷却登记表
func NewCooldownTracker(window time.Duration) *CooldownTracker {
	return &CooldownTracker{
		window:   window,
		lastUsed: make(map[uint]time.Time),
		now:      time.Now,
	}
}

// TryAcquire 占用账号：冷却期内返回 false，否则记下本次使用时间。
// 检查和写入同锁，两个并发执行不可能同时占到同一账号。
func (t *CooldownTracker) TryAcquire(accountID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.lastUsed[accountID]; ok && now.Sub(last) < t.window {
		return false
	}
	t.lastUsed[accountID] = now
	return true
}

// Remaining 距离账号可再次使用的剩余时间，0 表示立即可用
func (t *CooldownTracker) Remaining(accountID uint) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastUsed[accountID]
	if !ok {
		return 0
	}
	rest := t.window - t.now().Sub(last)
	if rest < 0 {
		return 0
	}
	return rest
}

// GC 清理已出冷却期的条目，约束内存上界；返回清理数量
func (t *CooldownTracker) GC() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for id, last := range t.lastUsed {
		if now.Sub(last) >= t.window {
			delete(t.lastUsed, id)
			removed++
		}
	}
	return removed
}
