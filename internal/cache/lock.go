package cache

import (
	"context"
	"fmt"
	"os"
	"time"
)

const (
	sweepLockName = ".lock"
	indexLockName = ".index.lock"

	// DefaultLockTimeout 是等待其他进程释放缓存文件锁的默认上限。
	DefaultLockTimeout = 30 * time.Second
)

// fileLock 是跨进程的咨询锁。同一进程内多次打开同一路径得到的锁彼此独立，同样互斥。
type fileLock struct {
	file *os.File
}

// acquireFileLock 轮询加锁直到成功、ctx 取消或超时。exclusive 为 false 时加共享锁。
func acquireFileLock(ctx context.Context, path string, exclusive bool, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		ok, err := tryLockFile(f, exclusive)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			return &fileLock{file: f}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s held after %v", ErrCacheBusy, path, timeout)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

// Unlock 释放锁并关闭文件，可重复调用。
func (l *fileLock) Unlock() {
	if l == nil || l.file == nil {
		return
	}
	_ = unlockFile(l.file)
	_ = l.file.Close()
	l.file = nil
}

// lockSweep 获取缓存目录锁：Store 持共享锁，EnforceLimits/Clean/RemoveOrphans 持独占锁。
// 因此另一个进程的淘汰与孤儿清理不会删除正在写入的临时文件。
func (m *Manager) lockSweep(ctx context.Context, exclusive bool) (*fileLock, error) {
	return acquireFileLock(ctx, m.sweepLockPath, exclusive, m.lockTimeout)
}

// lockIndex 获取索引文件锁，保护跨进程的读-改-写。调用方须已持有 persistMu。
func (m *Manager) lockIndex(ctx context.Context) (*fileLock, error) {
	return acquireFileLock(ctx, m.indexLockPath, true, m.lockTimeout)
}
