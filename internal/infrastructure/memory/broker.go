package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/popstellar/laocore/internal/p2p/protocol"
)

var ErrBrokerClosed = errors.New("broker closed")

// Broker is an in-process broadcast network. Every subscriber of a channel
// receives each published envelope in publish order. Publish never blocks on
// a slow subscriber.
type Broker struct {
	mu     sync.Mutex
	subs   map[protocol.Channel]map[*subscriber]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: map[protocol.Channel]map[*subscriber]struct{}{}}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []protocol.Message
	notify chan struct{}
	out    chan protocol.Message
}

func (s *subscriber) push(msg protocol.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg.Clone())
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context, done func()) {
	defer close(s.out)
	defer done()
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, msg := range batch {
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}

// Publish fans msg out to the current subscribers of channel.
func (b *Broker) Publish(_ context.Context, channel protocol.Channel, msg protocol.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for s := range b.subs[channel] {
		s.push(msg)
	}
	return nil
}

// Subscribe streams channel until ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, channel protocol.Channel) (<-chan protocol.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	s := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan protocol.Message),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = map[*subscriber]struct{}{}
	}
	b.subs[channel][s] = struct{}{}
	go s.pump(ctx, func() { b.drop(channel, s) })
	return s.out, nil
}

func (b *Broker) drop(channel protocol.Channel, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[channel], s)
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

// Subscribers counts the live subscriptions of channel.
func (b *Broker) Subscribers(channel protocol.Channel) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Close rejects further publishes and subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
