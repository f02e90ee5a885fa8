package memory

import (
	"context"
	"sync"

	"quizrank-service/internal/domain"
)

// ChangeFeed fans change events out to in-process subscribers. A subscriber that falls behind
// loses its oldest pending event, never blocking the publisher.
type ChangeFeed struct {
	mu     sync.Mutex
	subs   map[*feedSub]struct{}
	buffer int
}

type feedSub struct {
	filter domain.ChangeFilter
	ch     chan domain.ChangeEvent
}

func NewChangeFeed(buffer int) *ChangeFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChangeFeed{subs: make(map[*feedSub]struct{}), buffer: buffer}
}

func (f *ChangeFeed) Publish(_ context.Context, ev domain.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- ev
		}
	}
	return nil
}

// Subscribe delivers matching events until ctx is done, then closes the channel.
func (f *ChangeFeed) Subscribe(ctx context.Context, filter domain.ChangeFilter) (<-chan domain.ChangeEvent, error) {
	sub := &feedSub{filter: filter, ch: make(chan domain.ChangeEvent, f.buffer)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, sub)
		close(sub.ch)
		f.mu.Unlock()
	}()
	return sub.ch, nil
}

// Subscribers reports the number of live subscriptions.
func (f *ChangeFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
