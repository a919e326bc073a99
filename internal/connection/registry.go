package connection

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 已连接的券商连接，按账户 ID 索引。
// 由各连接的 worker 写入，由 Router 读取。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Manager)}
}

// Register 登记一个已连接的连接。同一账户已被其它连接占用时返回错误。
func (r *Registry) Register(accountID string, m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[accountID]; ok && existing != m {
		return fmt.Errorf("account %s already registered by %s", accountID, existing.Name())
	}
	r.conns[accountID] = m
	return nil
}

// Remove 只删除属于 m 的条目
func (r *Registry) Remove(accountID string, m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[accountID]; ok && existing == m {
		delete(r.conns, accountID)
	}
}

func (r *Registry) Get(accountID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[accountID]
	return m, ok
}

// Snapshot 返回当前所有连接，按名称排序
func (r *Registry) Snapshot() []*Manager {
	r.mu.RLock()
	out := make([]*Manager, 0, len(r.conns))
	for _, m := range r.conns {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
