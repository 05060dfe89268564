package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxhub/voxhub/internal/engine"
)

// Slot 保存一个 Provider 的常驻模型。
// Load/Unload 持写锁，旧会话在新会话装入前完全关闭；Use 持读锁直到转写结束，
// 因此转写要么在仍常驻的模型上完成，要么明确失败，不会看到中间状态。
type Slot struct {
	mu      sync.RWMutex
	name    string
	session engine.Session
}

// Load 装入 name。已常驻同名模型时直接返回；load 失败时槽位保持为空。
func (s *Slot) Load(ctx context.Context, name string, load func(ctx context.Context) (engine.Session, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && s.name == name {
		return nil
	}
	if err := s.unloadLocked(); err != nil {
		return fmt.Errorf("unload %s: %w", s.name, err)
	}

	session, err := load(ctx)
	if err != nil {
		return err
	}
	s.name = name
	s.session = session
	return nil
}

// Unload 卸载 name；name 为空时卸载任意常驻模型。返回是否真的卸载了模型。
func (s *Slot) Unload(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || (name != "" && s.name != name) {
		return false, nil
	}
	return true, s.unloadLocked()
}

func (s *Slot) unloadLocked() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	s.name = ""
	return err
}

// Resident 返回常驻模型名。
func (s *Slot) Resident() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name, s.session != nil
}

// IsResident 判断 name 是否常驻。
func (s *Slot) IsResident(name string) bool {
	resident, ok := s.Resident()
	return ok && resident == name
}

// Use 在读锁内以 name 的会话执行 fn；name 未常驻时返回 ErrNotResident。
func (s *Slot) Use(name string, fn func(engine.Session) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return fmt.Errorf("%w: no model loaded", ErrNotResident)
	}
	if s.name != name {
		return fmt.Errorf("%w: %q is loaded", ErrNotResident, s.name)
	}
	return fn(s.session)
}
