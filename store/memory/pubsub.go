package memory

import (
	"context"
	"sync"

	"github.com/IvanBrykalov/quotagate/store"
)

// subscriberBuffer bounds each subscription channel. Slow consumers lose
// messages rather than blocking publishers, matching Redis pub/sub
// fire-and-forget semantics.
const subscriberBuffer = 64

type broker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan store.Message
	next   int
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[int]chan store.Message)}
}

func (b *broker) publish(channel string, payload []byte) {
	msg := store.Message{Channel: channel, Payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *broker) subscribe(ctx context.Context, channel string) (<-chan store.Message, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, store.ErrUnavailable
	}
	id := b.next
	b.next++
	ch := make(chan store.Message, subscriberBuffer)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan store.Message)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.unsubscribe(channel, id)
			close(done)
		})
	}

	// Tie the subscription to ctx so abandoned subscribers do not leak,
	// and let an explicit stop release this goroutine.
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	return ch, stop, nil
}

// unsubscribe closes the channel under the broker lock; publish holds the
// same lock, so a send on a closed channel cannot happen.
func (b *broker) unsubscribe(channel string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
	close(ch)
}

func (b *broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for channel, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(b.subs, channel)
	}
}
