package services

import (
	"sync"
	"testing"
	"time"
)

func newTestCooldown(window time.Duration) (*CooldownTracker, *time.Time) {
	current := time.Unix(1700000000, 0)
	tracker := NewCooldownTracker(window)
	tracker.now = func() time.Time { return current }
	return tracker, &current
}

func TestCooldownTryAcquire(t *testing.T) {
	tracker, clock := newTestCooldown(90 * time.Second)

	if !tracker.TryAcquire(1) {
		t.Fatal("首次占用应成功")
	}
	if tracker.TryAcquire(1) {
		t.Fatal("冷却期内不应重复占用")
	}
	if !tracker.TryAcquire(2) {
		t.Fatal("不同账号互不影响")
	}

	*clock = clock.Add(89 * time.Second)
	if tracker.TryAcquire(1) {
		t.Fatal("窗口未满不应占到")
	}

	*clock = clock.Add(2 * time.Second)
	if !tracker.TryAcquire(1) {
		t.Fatal("出冷却期后应可再次占用")
	}
}

func TestCooldownRemaining(t *testing.T) {
	tracker, clock := newTestCooldown(90 * time.Second)

	if tracker.Remaining(7) != 0 {
		t.Fatal("未用过的账号剩余时间应为 0")
	}

	tracker.TryAcquire(7)
	*clock = clock.Add(30 * time.Second)
	if got := tracker.Remaining(7); got != 60*time.Second {
		t.Fatalf("Remaining = %v, want 60s", got)
	}

	*clock = clock.Add(2 * time.Minute)
	if tracker.Remaining(7) != 0 {
		t.Fatal("出冷却期后剩余时间应为 0")
	}
}

func TestCooldownGC(t *testing.T) {
	tracker, clock := newTestCooldown(time.Minute)
	tracker.TryAcquire(1)
	tracker.TryAcquire(2)

	if removed := tracker.GC(); removed != 0 {
		t.Fatalf("冷却期内 GC 不应清理，清了 %d", removed)
	}

	*clock = clock.Add(2 * time.Minute)
	if removed := tracker.GC(); removed != 2 {
		t.Fatalf("GC 清理数 = %d, want 2", removed)
	}
}

func TestCooldownConcurrentAcquire(t *testing.T) {
	tracker := NewCooldownTracker(time.Minute)

	const workers = 32
	var wg sync.WaitGroup
	acquired := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.TryAcquire(42) {
				acquired <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(acquired)

	count := 0
	for range acquired {
		count++
	}
	if count != 1 {
		t.Fatalf("并发占用同一账号成功 %d 次, want 1", count)
	}
}
