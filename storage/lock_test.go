package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProcessLockMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.lock")

	lock, err := AcquireProcessLock(path)
	if err != nil {
		t.Fatalf("首次加锁失败: %v", err)
	}

	// 锁被本进程持有且进程活着：第二次必须被拒绝
	if _, err := AcquireProcessLock(path); err == nil {
		t.Fatal("重复加锁应被拒绝")
	}

	lock.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("释放后锁文件应被删除")
	}

	// 释放后可重新获取
	lock2, err := AcquireProcessLock(path)
	if err != nil {
		t.Fatalf("释放后重新加锁失败: %v", err)
	}
	lock2.Release()
}

func TestProcessLockStaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.lock")

	// 伪造一个持有者已消亡的残留锁（PID 取一个基本不可能存在的值）
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("写残留锁失败: %v", err)
	}

	lock, err := AcquireProcessLock(path)
	if err != nil {
		t.Fatalf("残留锁应被接管: %v", err)
	}
	lock.Release()
}

func TestProcessLockGarbageContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.lock")

	// 内容不是 PID：无法判定持有者，保守拒绝
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("写锁文件失败: %v", err)
	}
	if _, err := AcquireProcessLock(path); err == nil {
		t.Fatal("无法判定持有者时应拒绝启动")
	}
}
