package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps instances in process. It serves single-host setups and
// tests that must not depend on etcd. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// Register adds instance, replacing any earlier entry with the same address.
func (m *MemoryRegistry) Register(ctx context.Context, channelName string, instance ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts := m.remove(channelName, instance.Addr)
	m.instances[channelName] = append(insts, instance)
	m.notify(channelName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, channelName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances[channelName] = m.remove(channelName, addr)
	m.notify(channelName)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, channelName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(channelName), nil
}

// Watch emits the full instance list after every change until ctx is done.
// Slow receivers only see the latest list.
func (m *MemoryRegistry) Watch(ctx context.Context, channelName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	m.mu.Lock()
	m.watchers[channelName] = append(m.watchers[channelName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[channelName]
		for i, w := range ws {
			if w == ch {
				m.watchers[channelName] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) remove(channelName, addr string) []ServiceInstance {
	insts := m.instances[channelName]
	out := insts[:0]
	for _, inst := range insts {
		if inst.Addr != addr {
			out = append(out, inst)
		}
	}
	return out
}

func (m *MemoryRegistry) snapshot(channelName string) []ServiceInstance {
	insts := m.instances[channelName]
	out := make([]ServiceInstance, len(insts))
	copy(out, insts)
	return out
}

// notify must be called with mu held.
func (m *MemoryRegistry) notify(channelName string) {
	for _, ch := range m.watchers[channelName] {
		latest := m.snapshot(channelName)
		select {
		case <-ch:
		default:
		}
		ch <- latest
	}
}
