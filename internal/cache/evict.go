package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxhub/voxhub/internal/logging"
)

// EnforceOption 定制一次 EnforceLimits 调用。
type EnforceOption func(*enforceOptions)

type enforceOptions struct {
	pinned map[string]struct{}
}

// Pin 使指定模型不参与本次淘汰，例如当前常驻内存或刚下载完成的模型。
// 被固定的条目仍计入总大小，因此可能出现淘汰后仍超出上限的情况。
func Pin(names ...string) EnforceOption {
	return func(o *enforceOptions) {
		for _, name := range names {
			if name = strings.TrimSpace(name); name != "" {
				o.pinned[name] = struct{}{}
			}
		}
	}
}

// EnforceLimits 淘汰条目直到总大小不超过上限且没有过期条目。
// 顺序：先淘汰过期条目（LastAccessedAt 最旧优先），仍超限时按 LRU 淘汰；同一访问时间按 CachedAt 先后。
// 执行期间独占缓存（包括其他进程），所有单条目操作都会等待。
func (m *Manager) EnforceLimits(ctx context.Context, opts ...EnforceOption) ([]Entry, error) {
	o := enforceOptions{pinned: map[string]struct{}{}}
	for _, opt := range opts {
		opt(&o)
	}

	release, err := m.beginSweep(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	list := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.RUnlock()

	victims := planEviction(list, m.cfg, m.now(), o.pinned)
	if len(victims) == 0 {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err = m.commit(func(entries map[string]Entry) {
		for _, v := range victims {
			delete(entries, v.ModelName)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("persist index: %w", err)
	}

	var errs []error
	for _, v := range victims {
		if err := os.Remove(m.artifactPath(v)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", v.ModelName, err))
		}
		m.logger.WithFields(logging.CacheFields("cache_evict", v.ModelName, v.SizeBytes)).
			WithField("last_accessed_at", v.LastAccessedAt).
			Info("artifact evicted")
	}
	return victims, errors.Join(errs...)
}

// beginSweep 获取进程内与跨进程的独占锁，并从磁盘重新加载索引。
func (m *Manager) beginSweep(ctx context.Context) (func(), error) {
	m.sweep.Lock()
	dirLock, err := m.lockSweep(ctx, true)
	if err != nil {
		m.sweep.Unlock()
		return nil, err
	}
	m.reload()
	return func() {
		dirLock.Unlock()
		m.sweep.Unlock()
	}, nil
}

// planEviction 计算需要淘汰的条目，不修改任何状态。
func planEviction(entries []Entry, cfg Configuration, now time.Time, pinned map[string]struct{}) []Entry {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		if !a.CachedAt.Equal(b.CachedAt) {
			return a.CachedAt.Before(b.CachedAt)
		}
		return a.ModelName < b.ModelName
	})

	var total int64
	for _, e := range sorted {
		total += e.SizeBytes
	}

	var victims []Entry
	chosen := make(map[string]struct{})
	for _, e := range sorted {
		if _, ok := pinned[e.ModelName]; ok {
			continue
		}
		if now.Sub(e.LastAccessedAt) > cfg.MaxAge {
			victims = append(victims, e)
			chosen[e.ModelName] = struct{}{}
			total -= e.SizeBytes
		}
	}

	for _, e := range sorted {
		if total <= cfg.MaxCacheSizeBytes {
			break
		}
		if _, ok := pinned[e.ModelName]; ok {
			continue
		}
		if _, ok := chosen[e.ModelName]; ok {
			continue
		}
		victims = append(victims, e)
		chosen[e.ModelName] = struct{}{}
		total -= e.SizeBytes
	}
	return victims
}

// Clean 删除全部条目与产物。
func (m *Manager) Clean(ctx context.Context) ([]Entry, error) {
	release, err := m.beginSweep(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var removed []Entry
	err = m.commit(func(entries map[string]Entry) {
		for name, e := range entries {
			removed = append(removed, e)
			delete(entries, name)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("persist index: %w", err)
	}

	var errs []error
	for _, e := range removed {
		if err := os.Remove(m.artifactPath(e)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.ModelName, err))
		}
	}

	m.logger.WithFields(logrus.Fields{"action": "cache_clean", "entries": len(removed)}).Info("cache cleaned")
	return removed, errors.Join(errs...)
}

// RemoveOrphans 删除遗留的临时文件以及索引未引用的产物文件，返回被删除的路径。
// 引用集合取自磁盘索引；正在写入的临时文件受目录锁保护，不会被当作孤儿。
func (m *Manager) RemoveOrphans(ctx context.Context) ([]string, error) {
	release, err := m.beginSweep(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.RLock()
	referenced := make(map[string]struct{}, len(m.entries))
	for _, e := range m.entries {
		referenced[filepath.Base(m.artifactPath(e))] = struct{}{}
	}
	m.mu.RUnlock()

	var removed []string
	var errs []error
	collect := func(dir string, orphan func(name string) bool) {
		items, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			return
		}
		for _, item := range items {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				return
			}
			if item.IsDir() || !orphan(item.Name()) {
				continue
			}
			path := filepath.Join(dir, item.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, path)
		}
	}

	collect(m.artifactsDir, func(name string) bool {
		if strings.HasPrefix(name, tempPrefix) {
			return true
		}
		_, ok := referenced[name]
		return !ok
	})
	// 根目录下的临时文件来自索引写入，清理时须持有索引锁。
	m.persistMu.Lock()
	indexLock, err := m.lockIndex(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		collect(m.root, func(name string) bool {
			return strings.HasPrefix(name, tempPrefix)
		})
		indexLock.Unlock()
	}
	m.persistMu.Unlock()

	if len(removed) > 0 {
		m.logger.WithFields(logrus.Fields{"action": "cache_orphans", "removed": len(removed)}).Info("orphaned files removed")
	}
	return removed, errors.Join(errs...)
}
