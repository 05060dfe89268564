package provider

import (
	"errors"
	"sort"
	"sync"
)

// Registry 保存类型到 Provider 实例的映射。它不拥有实例，也不负责创建或关闭。
type Registry struct {
	mu        sync.RWMutex
	providers map[Type]TranscriptionProvider
}

// NewRegistry 返回空注册表。
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Type]TranscriptionProvider)}
}

// Register 注册实例，同类型的旧注册会被覆盖。
func (r *Registry) Register(p TranscriptionProvider, forType Type) error {
	key := ParseType(string(forType))
	if key == "" {
		return errors.New("provider type is required")
	}
	if p == nil {
		return errors.New("provider instance is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = p
	return nil
}

// Unregister 移除指定类型，不存在时无效果。
func (r *Registry) Unregister(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, ParseType(string(t)))
}

// Provider 返回指定类型的实例，未注册时返回 ProviderNotAvailable。
func (r *Registry) Provider(t Type) (TranscriptionProvider, error) {
	if p, ok := r.lookup(t); ok {
		return p, nil
	}
	return nil, NotAvailable(ParseType(string(t)), errors.New("no instance registered"))
}

func (r *Registry) lookup(t Type) (TranscriptionProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[ParseType(string(t))]
	return p, ok
}

// IsRegistered 判断类型是否已注册。
func (r *Registry) IsRegistered(t Type) bool {
	_, ok := r.lookup(t)
	return ok
}

// AllRegisteredTypes 返回按字典序排列的类型列表。
func (r *Registry) AllRegisteredTypes() []Type {
	r.mu.RLock()
	types := make([]Type, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	r.mu.RUnlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Count 返回注册数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Clear 清空注册表，供测试与重置使用。
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[Type]TranscriptionProvider)
}
