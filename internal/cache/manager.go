package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/voxhub/voxhub/internal/logging"
)

// Manager 管理模型产物的磁盘缓存。锁的层级固定为：
// sweep（读：单条目操作；写：EnforceLimits/Clean/RemoveOrphans）→ 目录文件锁 → 条目锁 → persistMu → 索引文件锁 → mu（索引 map）。
// 两把文件锁让同一目录上的多个进程（服务与 voxhub-cache）可以安全共存。
type Manager struct {
	root          string
	artifactsDir  string
	indexPath     string
	sweepLockPath string
	indexLockPath string
	lockTimeout   time.Duration
	cfg          Configuration
	logger       *logrus.Logger
	now          func() time.Time
	writeIndex   func(path string, data []byte, perm os.FileMode) error

	sweep sync.RWMutex

	mu      sync.RWMutex
	entries map[string]Entry

	persistMu sync.Mutex

	lockMu sync.Mutex
	locks  map[string]*entryLock

	flights singleflight.Group
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Option 定制 Manager 的可选依赖。
type Option func(*Manager)

// WithLogger 注入结构化日志。
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock 注入时钟，便于测试过期与 LRU 逻辑。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLockTimeout 设置等待其他进程释放文件锁的上限。
func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// NewManager 以 root 为根目录构建缓存，并加载已有索引。同一目录可被多个进程同时打开。
func NewManager(root string, cfg Configuration, opts ...Option) (*Manager, error) {
	if root == "" {
		return nil, errors.New("cache root required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}

	m := &Manager{
		root:          abs,
		artifactsDir:  filepath.Join(abs, artifactsDirName),
		indexPath:     filepath.Join(abs, indexFileName),
		sweepLockPath: filepath.Join(abs, sweepLockName),
		indexLockPath: filepath.Join(abs, indexLockName),
		lockTimeout:   DefaultLockTimeout,
		cfg:           cfg.normalized(),
		now:           time.Now,
		writeIndex:    writeFileAtomic,
		entries:       make(map[string]Entry),
		locks:         make(map[string]*entryLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDiscard(m.logger)

	if err := os.MkdirAll(m.artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	if err := m.loadIndex(); err != nil {
		return nil, err
	}
	if m.cfg.CompressionEnabled {
		m.logger.WithField("action", "cache_init").Warn("compression is reserved and currently ignored")
	}
	return m, nil
}

// Root 返回缓存根目录。
func (m *Manager) Root() string {
	return m.root
}

// Configuration 返回构造时确定的策略副本。
func (m *Manager) Configuration() Configuration {
	return m.cfg
}

// Store 将 r 的内容写入 modelName 对应的产物，并在最后原子更新索引。
// checksum 非空时必须与写入内容的 sha256 一致。同一模型的并发 Store 只执行一次写入，
// 后来者等待并获得同一结果（其 r 不会被读取）。
func (m *Manager) Store(ctx context.Context, modelName string, r io.Reader, checksum string, opts StoreOptions) (*Entry, error) {
	name, err := normalizeName(modelName)
	if err != nil {
		return nil, storeError(modelName, err)
	}
	if r == nil {
		return nil, storeError(name, errors.New("nil reader"))
	}

	m.sweep.RLock()
	defer m.sweep.RUnlock()

	v, err, shared := m.flights.Do(name, func() (interface{}, error) {
		return m.store(ctx, name, r, checksum, opts)
	})
	if err != nil {
		return nil, err
	}
	entry := v.(Entry)
	if shared {
		m.logger.WithFields(logging.CacheFields("cache_store_shared", name, entry.SizeBytes)).Debug("concurrent store coalesced")
	}
	return &entry, nil
}

// StoreFile 以 path 指向的文件作为来源调用 Store。
func (m *Manager) StoreFile(ctx context.Context, modelName, path, checksum string, opts StoreOptions) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storeError(modelName, err)
	}
	defer f.Close()
	return m.Store(ctx, modelName, f, checksum, opts)
}

func (m *Manager) store(ctx context.Context, name string, r io.Reader, checksum string, opts StoreOptions) (Entry, error) {
	dirLock, err := m.lockSweep(ctx, false)
	if err != nil {
		return Entry{}, storeError(name, err)
	}
	defer dirLock.Unlock()

	unlock := m.lockEntry(name)
	defer unlock()

	fileName := ArtifactFileName(name)
	finalPath := filepath.Join(m.artifactsDir, fileName)

	tmp, err := os.CreateTemp(m.artifactsDir, tempPrefix+"*")
	if err != nil {
		return Entry{}, storeError(name, err)
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	written, err := copyWithContext(ctx, io.MultiWriter(tmp, hasher), r)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return Entry{}, storeError(name, err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if expected := NormalizeChecksum(checksum); expected != "" && expected != sum {
		os.Remove(tmpName)
		return Entry{}, storeError(name, fmt.Errorf("%w: expected %s, got %s", ErrValidationFailed, expected, sum))
	}

	now := m.now().UTC()
	entry := Entry{
		ModelName:      name,
		SourceURL:      opts.SourceURL,
		Checksum:       sum,
		CachedAt:       now,
		LastAccessedAt: now,
		SizeBytes:      written,
		SchemaVersion:  SchemaVersion,
		FileName:       fileName,
	}

	// 先提交索引再替换产物：索引写入失败时旧条目与旧产物都保持有效。
	// 条目锁保证同名的 Lookup/Validate 在产物就位前不会读取。
	var previous Entry
	var hadPrevious bool
	if err := m.commit(func(entries map[string]Entry) {
		previous, hadPrevious = entries[name]
		entries[name] = entry
	}); err != nil {
		os.Remove(tmpName)
		return Entry{}, storeError(name, fmt.Errorf("persist index: %w", err))
	}

	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		m.revertStore(name, previous, hadPrevious)
		return Entry{}, storeError(name, err)
	}
	if err := syncDir(m.artifactsDir); err != nil {
		m.logger.WithError(err).WithField("action", "cache_store").Warn("sync artifacts dir failed")
	}

	m.logger.WithFields(logging.CacheFields("cache_store", name, written)).Info("artifact cached")
	entry.FilePath = finalPath
	return entry, nil
}

// revertStore 在产物替换失败后恢复提交前的条目。
func (m *Manager) revertStore(name string, previous Entry, hadPrevious bool) {
	err := m.commit(func(entries map[string]Entry) {
		if hadPrevious {
			entries[name] = previous
			return
		}
		delete(entries, name)
	})
	if err != nil {
		m.logger.WithError(err).WithField("action", "cache_store").Warn("revert index entry failed")
	}
}

// Lookup 返回模型条目并刷新 LastAccessedAt。条目不存在或产物文件已丢失时返回 false，
// 丢失的条目会从索引中清除。
func (m *Manager) Lookup(ctx context.Context, modelName string) (*Entry, bool) {
	name, err := normalizeName(modelName)
	if err != nil || ctx.Err() != nil {
		return nil, false
	}

	m.sweep.RLock()
	defer m.sweep.RUnlock()
	unlock := m.lockEntry(name)
	defer unlock()

	entry, ok := m.liveEntry(name)
	if !ok {
		return nil, false
	}

	entry.LastAccessedAt = m.now().UTC()
	err = m.commit(func(entries map[string]Entry) {
		if current, ok := entries[name]; ok {
			current.LastAccessedAt = entry.LastAccessedAt
			entries[name] = current
		}
	})
	if err != nil {
		m.logger.WithError(err).WithFields(logging.CacheFields("cache_touch", name, entry.SizeBytes)).Warn("persist access time failed")
	}

	entry.FilePath = m.artifactPath(entry)
	return &entry, true
}

// Peek 与 Lookup 相同但不刷新访问时间，供状态查询使用。
func (m *Manager) Peek(modelName string) (*Entry, bool) {
	name, err := normalizeName(modelName)
	if err != nil {
		return nil, false
	}
	m.mu.RLock()
	entry, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	path := m.artifactPath(entry)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return nil, false
	}
	entry.FilePath = path
	return &entry, true
}

// Validate 重新计算产物 sha256 并与索引中的值比较。条目不存在或文件丢失时返回 false。
// 校验失败后由调用方决定是否 Remove。
func (m *Manager) Validate(ctx context.Context, modelName string) (bool, error) {
	name, err := normalizeName(modelName)
	if err != nil {
		return false, validationError(modelName, err)
	}

	m.sweep.RLock()
	defer m.sweep.RUnlock()
	unlock := m.lockEntry(name)
	defer unlock()

	entry, ok := m.liveEntry(name)
	if !ok {
		return false, nil
	}

	sum, err := hashFile(ctx, m.artifactPath(entry))
	if err != nil {
		return false, validationError(name, err)
	}
	if sum != entry.Checksum {
		m.logger.WithFields(logging.CacheFields("cache_validate", name, entry.SizeBytes)).
			WithField("expected", entry.Checksum).
			WithField("actual", sum).
			Warn("checksum mismatch")
		return false, nil
	}
	return true, nil
}

// Remove 删除产物与索引条目；条目不存在时直接返回 nil。
func (m *Manager) Remove(ctx context.Context, modelName string) error {
	name, err := normalizeName(modelName)
	if err != nil {
		return nil
	}

	m.sweep.RLock()
	defer m.sweep.RUnlock()
	unlock := m.lockEntry(name)
	defer unlock()

	m.mu.RLock()
	entry, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	err = m.commit(func(entries map[string]Entry) {
		delete(entries, name)
	})
	if err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	if err := os.Remove(m.artifactPath(entry)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.WithError(err).WithFields(logging.CacheFields("cache_remove", name, entry.SizeBytes)).Warn("remove artifact failed")
	}
	m.logger.WithFields(logging.CacheFields("cache_remove", name, entry.SizeBytes)).Info("artifact removed")
	return nil
}

// CurrentSizeBytes 返回索引中全部条目的大小之和。
func (m *Manager) CurrentSizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.entries {
		total += e.SizeBytes
	}
	return total
}

// Len 返回条目数量。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Entries 返回按模型名排序的条目副本。
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	result := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		e.FilePath = m.artifactPath(e)
		result = append(result, e)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ModelName < result[j].ModelName
	})
	return result
}

// liveEntry 在持有条目锁时调用，产物缺失时清除条目。内存未命中时回读磁盘索引，
// 以发现其他进程写入的条目。
func (m *Manager) liveEntry(name string) (Entry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		disk, err := m.readIndexFile()
		if err != nil {
			return Entry{}, false
		}
		if entry, ok = disk[name]; !ok {
			return Entry{}, false
		}
		m.mu.Lock()
		m.entries[name] = entry
		m.mu.Unlock()
	}

	info, err := os.Stat(m.artifactPath(entry))
	if err == nil && !info.IsDir() {
		return entry, true
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.WithError(err).WithFields(logging.CacheFields("cache_stat", name, entry.SizeBytes)).Warn("stat artifact failed")
		return Entry{}, false
	}

	err = m.commit(func(entries map[string]Entry) {
		delete(entries, name)
	})
	if err != nil {
		m.logger.WithError(err).WithField("action", "cache_prune").Warn("persist index failed")
	}
	m.logger.WithFields(logging.CacheFields("cache_prune", name, entry.SizeBytes)).Warn("artifact missing, entry dropped")
	return Entry{}, false
}

func (m *Manager) artifactPath(entry Entry) string {
	fileName := entry.FileName
	if fileName == "" {
		fileName = ArtifactFileName(entry.ModelName)
	}
	return filepath.Join(m.artifactsDir, fileName)
}

func (m *Manager) lockEntry(name string) func() {
	m.lockMu.Lock()
	lock := m.locks[name]
	if lock == nil {
		lock = &entryLock{}
		m.locks[name] = lock
	}
	lock.refs++
	m.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, name)
		}
		m.lockMu.Unlock()
	}
}
