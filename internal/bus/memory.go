package bus

import (
	"context"
	"path/filepath"
	"sync"
)

// MemoryBus is an in-process Bus+Store used by unit tests so the scheduler,
// player and generator packages never need a live Redis. Modeled on the
// channel-fan-out shape of this codebase's in-memory pub/sub bus, simplified
// to the poll-based Subscription this package's Bus interface expects.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription

	kvMu sync.Mutex
	kv   map[string]string
}

// NewMemoryBus constructs an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]*memorySubscription),
		kv:   make(map[string]string),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, sig Signal) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for _, s := range subs {
		s.push(sig)
	}
	return len(subs), nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memorySubscription{bus: b, channel: channel}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string

	mu     sync.Mutex
	queue  []Signal
	closed bool
}

func (s *memorySubscription) push(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, sig)
}

func (s *memorySubscription) Poll() (Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Signal{}, false
	}
	sig := s.queue[0]
	s.queue = s.queue[1:]
	return sig, true
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	subs := s.bus.subs[s.channel]
	out := subs[:0]
	for _, sub := range subs {
		if sub != s {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		delete(s.bus.subs, s.channel)
	} else {
		s.bus.subs[s.channel] = out
	}
	return nil
}

func (b *MemoryBus) Get(ctx context.Context, key string) (string, bool, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	v, ok := b.kv[key]
	return v, ok, nil
}

func (b *MemoryBus) Set(ctx context.Context, key, value string) error {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	b.kv[key] = value
	return nil
}

func (b *MemoryBus) Delete(ctx context.Context, keys ...string) error {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	for _, k := range keys {
		delete(b.kv, k)
	}
	return nil
}

func (b *MemoryBus) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	var out []string
	for k := range b.kv {
		if ok, _ := filepath.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

var (
	_ Bus   = (*MemoryBus)(nil)
	_ Store = (*MemoryBus)(nil)
)
