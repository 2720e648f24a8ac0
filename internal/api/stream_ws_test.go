package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-tracks/internal/notify"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) first() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, false
	}
	return f.messages[0], true
}

func TestStreamNotificationsWriter(t *testing.T) {
	bus := notify.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWSWriter{}
	go func() {
		_ = streamNotifications(ctx, bus, "t1", []notify.Kind{notify.KindEntryCreated}, writer)
	}()

	// Give the subscriber time to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(notify.Notification{Kind: notify.KindEntryCreated, TrackID: "other"})
	bus.Publish(notify.Notification{Kind: notify.KindEntryCreated, TrackID: "t1", Position: 7})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := writer.first(); ok {
			var n notify.Notification
			if err := json.Unmarshal(data, &n); err != nil {
				t.Fatalf("decode ws payload: %v", err)
			}
			if n.TrackID != "t1" || n.Position != 7 {
				t.Fatalf("expected track filter to hold, got %+v", n)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for ws message")
}
