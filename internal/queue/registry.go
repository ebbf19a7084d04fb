package queue

import (
	"fmt"
	"sync"
)

// Registry resolves queues by name for components that persist queue
// names (schedules, chain steps) rather than hold queue references.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]Queue)}
}

func (r *Registry) Register(q Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.Name()] = q
}

func (r *Registry) Get(name string) (Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %q not registered", name)
	}
	return q, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}
