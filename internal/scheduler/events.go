package scheduler

import (
	"sync"

	"github.com/kmkr/streamvault/internal/model"
)

// eventBus broadcasts Task snapshots to subscribers without ever blocking
// the producer. Each subscriber has a small buffered channel; on overflow
// the oldest *queued snapshot for the same task id* is replaced by the new
// one, so a burst of updates for one task cannot starve delivery of a
// different task's events (spec.md §9's coalesce-latest-per-id policy).
type eventBus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch chan model.Task
	// queued and order are not maintained by publish or coalesce;
	// coalesce finds a same-id snapshot by draining ch instead.
	queued map[string]model.Task
	order  []string
}

const subscriberBuffer = 64

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]*subscriber)}
}

// subscribe registers a new listener and returns its channel plus an
// unsubscribe function.
func (b *eventBus) subscribe() (<-chan model.Task, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan model.Task, subscriberBuffer), queued: make(map[string]model.Task)}
	b.subs[id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
}

// publish emits a task snapshot to every subscriber, never blocking.
func (b *eventBus) publish(t model.Task) {
	snap := t.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- snap:
			// Delivered directly; buffer had room.
		default:
			b.coalesce(sub, snap)
		}
	}
}

// coalesce drains the subscriber's channel and replays it with the new
// snapshot replacing any prior one for the same task id — this never
// blocks because it only reads back what was already buffered.
func (b *eventBus) coalesce(sub *subscriber, snap model.Task) {
	drained := make([]model.Task, 0, subscriberBuffer)
	for {
		select {
		case v := <-sub.ch:
			drained = append(drained, v)
		default:
			goto drained
		}
	}
drained:
	replaced := false
	for _, v := range drained {
		if v.ID == snap.ID {
			if !replaced {
				sub.ch <- snap
				replaced = true
			}
			continue
		}
		sub.ch <- v
	}
	if !replaced {
		select {
		case sub.ch <- snap:
		default:
			// Buffer still full of distinct task ids; drop oldest of
			// those to make room rather than block the producer.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}
