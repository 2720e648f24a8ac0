// Package notify broadcasts fire-and-forget notifications about track
// activity to UI and audit subscribers. Streaming-content notifications are
// cumulative snapshots, so a subscriber that misses intermediate updates
// still converges from the next one it receives.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	KindEntryCreated  Kind = "entry_created"
	KindStreamContent Kind = "stream_content"
	KindTurnStatus    Kind = "turn_status"
	KindToolStatus    Kind = "tool_status"
	KindCompaction    Kind = "compaction_completed"
)

type Notification struct {
	Kind      Kind      `json:"kind"`
	TrackID   string    `json:"track_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	EntryID   string    `json:"entry_id,omitempty"`
	Position  int64     `json:"position,omitempty"`
	Status    string    `json:"status,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	kinds map[Kind]struct{}
	ch    chan Notification
}

func NewBus() *Bus {
	return &Bus{subs: map[string]*subscriber{}}
}

// Publish delivers to all matching subscribers. The core never waits on a
// subscriber; slow ones lose notifications.
func (b *Bus) Publish(n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[n.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- n:
		default:
			// Drop if subscriber is slow.
		}
	}
}

// Subscribe returns a channel of notifications, filtered to the given kinds
// (all kinds when empty). The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, kinds []Kind) <-chan Notification {
	ch := make(chan Notification, 64)
	kindSet := map[Kind]struct{}{}
	for _, k := range kinds {
		if k == "" {
			continue
		}
		kindSet[k] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{kinds: kindSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
