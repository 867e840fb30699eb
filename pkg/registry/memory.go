package registry

import (
	"context"
	"sync"
)

// Memory is an in-memory Service for tests and local development.
type Memory struct {
	mu         sync.Mutex
	users      map[string]User            // access key -> user
	interfaces map[ifaceKey]InterfaceInfo // (path, method) -> record
	quotas     map[quotaKey]*Quota
}

type ifaceKey struct {
	path   string
	method string
}

type quotaKey struct {
	userID      int64
	interfaceID int64
}

// Quota is a per-(user, interface) quota row.
type Quota struct {
	TotalUsed int64
	Remaining int64
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]User),
		interfaces: make(map[ifaceKey]InterfaceInfo),
		quotas:     make(map[quotaKey]*Quota),
	}
}

// AddUser registers a consumer.
func (m *Memory) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.AccessKey] = u
}

// AddInterface registers an interface record.
func (m *Memory) AddInterface(info InterfaceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interfaces[ifaceKey{info.PlatformPath, NormalizeMethod(info.Method)}] = info
}

// SetQuota provisions a quota row.
func (m *Memory) SetQuota(userID, interfaceID, remaining int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[quotaKey{userID, interfaceID}] = &Quota{Remaining: remaining}
}

// GetQuota returns a copy of the quota row, if provisioned.
func (m *Memory) GetQuota(userID, interfaceID int64) (Quota, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey{userID, interfaceID}]
	if !ok {
		return Quota{}, false
	}
	return *q, true
}

func (m *Memory) GetInvokeUser(_ context.Context, accessKey string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[accessKey]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) GetInterfaceInfo(_ context.Context, platformPath, method string) (*InterfaceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.interfaces[ifaceKey{platformPath, NormalizeMethod(method)}]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (m *Memory) PreConsume(_ context.Context, interfaceID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey{userID, interfaceID}]
	if !ok || q.Remaining <= 0 {
		return false, nil
	}
	q.Remaining--
	return true, nil
}

func (m *Memory) InvokeCount(_ context.Context, interfaceID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey{userID, interfaceID}]
	if !ok {
		return false, nil
	}
	q.TotalUsed++
	return true, nil
}
