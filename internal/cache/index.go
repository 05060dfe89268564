package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// indexFile 是 index.yaml 的结构。yaml.v3 按键排序输出 map，便于 diff。
type indexFile struct {
	SchemaVersion int              `yaml:"schema_version"`
	Entries       map[string]Entry `yaml:"entries"`
}

var (
	errIndexCorrupt = errors.New("cache index corrupt")
	errIndexSchema  = errors.New("cache index schema mismatch")
)

// readIndexFile 解析磁盘上的索引。文件不存在时返回空 map。
func (m *Manager) readIndexFile() (map[string]Entry, error) {
	entries := make(map[string]Entry)
	data, err := os.ReadFile(m.indexPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("read cache index: %w", err)
	}

	var idx indexFile
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %w", errIndexCorrupt, err)
	}
	if idx.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", errIndexSchema, idx.SchemaVersion, SchemaVersion)
	}

	for name, entry := range idx.Entries {
		if entry.ModelName == "" {
			entry.ModelName = name
		}
		if entry.FileName == "" {
			entry.FileName = ArtifactFileName(entry.ModelName)
		}
		entry.FilePath = ""
		entries[entry.ModelName] = entry
	}
	return entries, nil
}

// loadIndex 读取索引。文件损坏或版本不符时从空索引开始，并保留旧文件以便排查。
func (m *Manager) loadIndex() error {
	entries, err := m.readIndexFile()
	switch {
	case errors.Is(err, errIndexCorrupt):
		m.quarantineIndex("corrupt", err)
		return nil
	case errors.Is(err, errIndexSchema):
		m.quarantineIndex("schema", err)
		return nil
	case err != nil:
		return err
	}
	m.entries = entries
	return nil
}

// reload 用磁盘索引替换内存状态，使其他进程写入的条目可见。读取失败时保留内存状态。
func (m *Manager) reload() {
	entries, err := m.readIndexFile()
	if err != nil {
		m.logger.WithError(err).WithField("action", "cache_reload").Warn("reload cache index failed")
		return
	}
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
}

func (m *Manager) quarantineIndex(reason string, cause error) {
	target := fmt.Sprintf("%s.%s-%d", m.indexPath, reason, m.now().Unix())
	if err := os.Rename(m.indexPath, target); err != nil {
		target = ""
	}
	m.logger.WithError(cause).WithFields(logrus.Fields{
		"action":     "cache_index_reset",
		"reason":     reason,
		"quarantine": target,
	}).Warn("cache index discarded")
}

// commit 在索引文件锁内重新读取磁盘索引，应用 mutate 后原子写回。
// 只有写入成功后新状态才替换内存中的条目，失败时内存与磁盘均保持原样。
// 以磁盘为基准，其他进程的写入与删除不会被本进程的旧快照覆盖。
func (m *Manager) commit(mutate func(entries map[string]Entry)) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	lock, err := m.lockIndex(context.Background())
	if err != nil {
		return err
	}
	defer lock.Unlock()

	next, err := m.readIndexFile()
	if err != nil {
		m.logger.WithError(err).WithField("action", "cache_commit").Warn("on-disk index unreadable, using memory state")
		next = m.snapshot()
	}
	mutate(next)

	data, err := yaml.Marshal(indexFile{SchemaVersion: SchemaVersion, Entries: next})
	if err != nil {
		return err
	}
	if err := m.writeIndex(m.indexPath, data, 0o644); err != nil {
		return err
	}

	m.mu.Lock()
	m.entries = next
	m.mu.Unlock()
	return nil
}

func (m *Manager) snapshot() map[string]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Entry, len(m.entries))
	for name, e := range m.entries {
		e.FilePath = ""
		out[name] = e
	}
	return out
}
