package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 1024

// Memory fans notifications out to in-process subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the notification.
type Memory struct {
	buffer  int
	mu      sync.Mutex
	subs    map[int]chan Notification
	nextID  int
	dropped atomic.Uint64
}

// NewMemory returns a bus whose subscribers buffer up to buffer
// notifications. A non-positive buffer uses the default.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{buffer: buffer, subs: make(map[int]chan Notification)}
}

// Publish delivers n to every subscriber with room in its buffer.
func (m *Memory) Publish(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber that is removed when ctx is done.
func (m *Memory) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification, m.buffer)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}
