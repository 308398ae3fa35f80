package notify_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"airwave-live/internal/notify"
	"airwave-live/internal/testsupport/redisstub"
)

func startRedisQueue(t *testing.T, opts redisstub.Options) (notify.Queue, *redisstub.Server) {
	t.Helper()
	stub, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	queue, err := notify.NewRedisQueue(notify.RedisQueueConfig{
		Addr:         stub.Addr(),
		Password:     opts.Password,
		Stream:       "airwave:test",
		Group:        "test-workers",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		BlockTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	return queue, stub
}

func TestRedisQueueDeliversPublishedEvents(t *testing.T) {
	queue, _ := startRedisQueue(t, redisstub.Options{})

	sub := queue.Subscribe(notify.TopicListenerStatus)
	defer sub.Close()

	event, err := notify.NewEvent(notify.TopicListenerStatus, "status-snapshot", map[string]int{"listenerCount": 3})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Topic != notify.TopicListenerStatus {
			t.Fatalf("topic = %q, want %q", got.Topic, notify.TopicListenerStatus)
		}
		if got.Type != "status-snapshot" {
			t.Fatalf("type = %q, want status-snapshot", got.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestRedisQueueFiltersByTopic(t *testing.T) {
	queue, _ := startRedisQueue(t, redisstub.Options{})

	sub := queue.Subscribe(notify.HandoverTopic("bcast-1"))
	defer sub.Close()

	other, err := notify.NewEvent(notify.TopicListenerStatus, "status-snapshot", nil)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	wanted, err := notify.NewEvent(notify.HandoverTopic("bcast-1"), "handover", map[string]string{"newDjId": "dj-2"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := queue.Publish(context.Background(), other); err != nil {
		t.Fatalf("Publish other: %v", err)
	}
	if err := queue.Publish(context.Background(), wanted); err != nil {
		t.Fatalf("Publish wanted: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Topic != notify.HandoverTopic("bcast-1") {
			t.Fatalf("topic = %q, want %q", got.Topic, notify.HandoverTopic("bcast-1"))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestRedisQueueAcksDeliveredEvents(t *testing.T) {
	queue, stub := startRedisQueue(t, redisstub.Options{})

	sub := queue.Subscribe(notify.TopicListenerStatus)
	defer sub.Close()

	event, err := notify.NewEvent(notify.TopicListenerStatus, "status-snapshot", nil)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	deadline := time.After(5 * time.Second)
	for stub.PendingCount("airwave:test", "test-workers") > 0 {
		select {
		case <-deadline:
			t.Fatal("delivered event was never acknowledged")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRedisQueueAuthenticates(t *testing.T) {
	queue, _ := startRedisQueue(t, redisstub.Options{Password: "station-secret"})

	if err := queue.Ping(context.Background()); err != nil {
		t.Fatalf("Ping with credentials: %v", err)
	}
}
