package queue

import (
	"context"
	"sync"
)

// Memory is an in-process FIFO queue. Tasks do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	tasks  []Task
	ready  chan struct{}
	done   chan struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{ready: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *Memory) Enqueue(ctx context.Context, task Task) error {
	stamp(&task)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tasks = append(m.tasks, task)
	m.signal()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.tasks) > 0 {
			task := m.tasks[0]
			m.tasks = m.tasks[1:]
			if len(m.tasks) > 0 {
				m.signal()
			}
			m.mu.Unlock()
			return &Delivery{Task: task}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		case <-m.ready:
		}
	}
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error { return nil }

// Len reports the number of queued tasks.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// signal wakes one waiting consumer; callers hold mu.
func (m *Memory) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
