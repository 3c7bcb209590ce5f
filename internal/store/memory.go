package store

import (
	"context"
	"sort"
	"sync"

	"pettrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL / REDIS_URL is set.
// It implements both KV and PathStore.
type Memory struct {
	mu       sync.Mutex
	kv       map[string]string
	paths    map[string]map[string][]model.PathRecord // deviceID -> day -> records
	watchers map[chan string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		kv:       map[string]string{},
		paths:    map[string]map[string][]model.PathRecord{},
		watchers: map[chan string]struct{}{},
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.kv[key] = value
	m.mu.Unlock()
	m.notify(key)
	return nil
}

func (m *Memory) SetMany(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	m.mu.Lock()
	for k, v := range pairs {
		m.kv[k] = v
	}
	m.mu.Unlock()
	m.notify(changedKeys(pairs))
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.notify(k)
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context) (<-chan string, func(), error) {
	ch := make(chan string, 16)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, stop, nil
}

func (m *Memory) notify(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.watchers {
		select {
		case ch <- key:
		default:
		}
	}
}

func (m *Memory) SavePath(ctx context.Context, deviceID, day string, recs []model.PathRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	days := m.paths[deviceID]
	if days == nil {
		days = map[string][]model.PathRecord{}
		m.paths[deviceID] = days
	}
	if len(recs) == 0 {
		delete(days, day)
		return nil
	}
	cp := make([]model.PathRecord, len(recs))
	copy(cp, recs)
	days[day] = cp
	return nil
}

func (m *Memory) LoadPath(ctx context.Context, deviceID, day string) ([]model.PathRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, ok := m.paths[deviceID][day]
	if !ok || len(recs) == 0 {
		return nil, ErrNotFound
	}
	cp := make([]model.PathRecord, len(recs))
	copy(cp, recs)
	return cp, nil
}

func (m *Memory) ListDays(ctx context.Context, deviceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.paths[deviceID]))
	for d := range m.paths[deviceID] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}
