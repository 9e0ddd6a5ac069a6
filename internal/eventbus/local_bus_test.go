package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalBus_PublishDeliversToSubscribers(t *testing.T) {
	b := NewLocalBus()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})
	unsubscribe, err := b.Subscribe(TopicNodeInfoChanged, func(ctx context.Context, e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		close(done)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	ev, err := Marshal(TopicNodeInfoChanged, map[string]string{"node_id": "node-1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Topic != TopicNodeInfoChanged {
		t.Fatalf("got = %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("expected Publish to stamp a zero Timestamp")
	}
}

func TestLocalBus_DoesNotDeliverToOtherTopics(t *testing.T) {
	b := NewLocalBus()

	called := make(chan struct{}, 1)
	unsubscribe, _ := b.Subscribe(TopicCertChanged, func(ctx context.Context, e Event) {
		called <- struct{}{}
	})
	defer unsubscribe()

	if err := b.Publish(context.Background(), Event{Topic: TopicSubjectsChanged}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-called:
		t.Fatal("handler for a different topic should not have been invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewLocalBus()

	called := make(chan struct{}, 1)
	unsubscribe, _ := b.Subscribe(TopicNodeInfoChanged, func(ctx context.Context, e Event) {
		called <- struct{}{}
	})
	unsubscribe()

	if err := b.Publish(context.Background(), Event{Topic: TopicNodeInfoChanged}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-called:
		t.Fatal("handler should not fire after unsubscribing")
	case <-time.After(50 * time.Millisecond):
	}
}
