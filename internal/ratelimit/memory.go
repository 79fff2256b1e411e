package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a per-process limiter. Use Postgres when several API instances share traffic.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemory returns a limiter that drops expired windows every sweepEvery.
func NewMemory(sweepEvery time.Duration) *Memory {
	m := &Memory{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go m.sweepLoop(sweepEvery)
	}
	return m
}

// Allow admits the request unless the window already holds max requests.
// Denied requests are not counted.
func (m *Memory) Allow(_ context.Context, key string, max int, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		m.windows[key] = &window{count: 1, resetAt: now.Add(d)}
		return true
	}
	if w.count >= max {
		return false
	}
	w.count++
	return true
}

// Close stops the sweep goroutine.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, w := range m.windows {
		if now.After(w.resetAt) {
			delete(m.windows, key)
		}
	}
}
