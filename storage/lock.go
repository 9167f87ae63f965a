package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcessLock 单实例互斥锁。冷却与熔断状态都在进程内存里，
// 两个实例共用同一份账号数据会互相踩踏，这里用锁文件硬性拒绝。
type ProcessLock struct {
	path string
}

// AcquireProcessLock 获取单实例锁；已有活动实例时返回错误
func AcquireProcessLock(path string) (*ProcessLock, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建锁目录失败: %v", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if pid, ok := readLockPID(path); ok && !processAlive(pid) {
				// 残留锁：持有进程已不存在，接管
				if rmErr := os.Remove(path); rmErr == nil {
					return AcquireProcessLock(path)
				}
			}
			return nil, fmt.Errorf("已有实例在运行（锁文件 %s），本进程拒绝启动", path)
		}
		return nil, err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &ProcessLock{path: path}, nil
}

// Release 释放锁文件
func (l *ProcessLock) Release() {
	if l != nil && l.path != "" {
		os.Remove(l.path)
	}
}

func readLockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	// 信号 0 只做存在性探测
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
