package feed

import (
	"context"
	"log/slog"
	"sync"

	"crm-voice/pkg/logger"
)

const memoryBuffer = 256

// MemoryBus is an in-process Bus. Slow subscribers lose messages once their
// buffer is full, mirroring what the network transports do.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
	log    *slog.Logger
}

func NewMemoryBus(log *slog.Logger) *MemoryBus {
	return &MemoryBus{
		subs: map[string]map[*memorySub]struct{}{},
		log:  logger.Component(log, "feed.memory"),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.out <- msg:
		default:
			b.log.Warn("subscriber buffer full, dropping message", "channel", channel)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: b, channel: channel, out: make(chan []byte, memoryBuffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = map[*memorySub]struct{}{}
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Subscribers reports how many live subscriptions exist on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			close(s.out)
		}
	}
	b.subs = map[string]map[*memorySub]struct{}{}
	return nil
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *memorySub) Messages() <-chan []byte { return s.out }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		set, ok := s.bus.subs[s.channel]
		if !ok {
			return
		}
		if _, ok := set[s]; !ok {
			return
		}
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.channel)
		}
		close(s.out)
	})
	return nil
}
