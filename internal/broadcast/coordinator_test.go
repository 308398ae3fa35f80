package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"airwave-live/internal/models"
	"airwave-live/internal/notify"
	"airwave-live/internal/observability/metrics"
	"airwave-live/internal/storage"
)

type fixture struct {
	store       *storage.Storage
	coordinator *Coordinator
	queue       notify.Queue
	recorder    *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	queue := notify.NewMemoryQueue(16)
	recorder := metrics.New()
	coordinator := NewCoordinator(Config{
		Repository: store,
		Queue:      queue,
		Recorder:   recorder,
	})
	return &fixture{store: store, coordinator: coordinator, queue: queue, recorder: recorder}
}

func (f *fixture) createUser(t *testing.T, name string, roles ...string) models.User {
	t.Helper()
	user, err := f.store.CreateUser(storage.CreateUserParams{
		DisplayName: name,
		Email:       name + "@example.com",
		Password:    "on-air",
		Roles:       roles,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return user
}

func (f *fixture) createLiveBroadcast(t *testing.T, dj models.User) models.Broadcast {
	t.Helper()
	broadcast, err := f.store.CreateBroadcast(storage.CreateBroadcastParams{
		Title:          "Night Shift",
		ScheduledStart: time.Now().Add(-time.Hour),
		ScheduledEnd:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	live, err := f.store.StartBroadcast(broadcast.ID, dj.ID)
	if err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	return live
}

func TestInitiateHandoverValidationOrder(t *testing.T) {
	f := newFixture(t)
	dj := f.createUser(t, "opener", models.RoleDJ)
	listener := f.createUser(t, "fan", models.RoleListener)
	inactive := f.createUser(t, "retired", models.RoleDJ)
	if _, err := f.store.SetUserActive(inactive.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	stranger := f.createUser(t, "stranger", models.RoleDJ)
	live := f.createLiveBroadcast(t, dj)

	ctx := context.Background()

	_, err := f.coordinator.InitiateHandover(ctx, HandoverRequest{
		BroadcastID: "missing", NewDJID: stranger.ID, InitiatedByID: dj.ID,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing broadcast: got %v", err)
	}

	_, err = f.coordinator.InitiateHandover(ctx, HandoverRequest{
		BroadcastID: live.ID, NewDJID: "missing", InitiatedByID: dj.ID,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing new dj: got %v", err)
	}

	_, err = f.coordinator.InitiateHandover(ctx, HandoverRequest{
		BroadcastID: live.ID, NewDJID: listener.ID, InitiatedByID: dj.ID,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("listener as new dj: got %v", err)
	}

	_, err = f.coordinator.InitiateHandover(ctx, HandoverRequest{
		BroadcastID: live.ID, NewDJID: inactive.ID, InitiatedByID: dj.ID,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("inactive new dj: got %v", err)
	}

	_, err = f.coordinator.InitiateHandover(ctx, HandoverRequest{
		BroadcastID: live.ID, NewDJID: stranger.ID, InitiatedByID: stranger.ID,
	})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("unpermitted initiator: got %v", err)
	}

	_, err = f.coordinator.InitiateHandover(ctx, HandoverRequest{
		BroadcastID: live.ID, NewDJID: dj.ID, InitiatedByID: dj.ID,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("same dj: got %v", err)
	}

	ended, err := f.store.EndBroadcast(live.ID)
	if err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	_, err = f.coordinator.InitiateHandover(ctx, HandoverRequest{
		BroadcastID: ended.ID, NewDJID: stranger.ID, InitiatedByID: dj.ID,
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ended broadcast: got %v", err)
	}
}

func TestInitiateHandoverCommitsAndNotifies(t *testing.T) {
	f := newFixture(t)
	opener := f.createUser(t, "opener", models.RoleDJ)
	incoming := f.createUser(t, "incoming", models.RoleDJ)
	live := f.createLiveBroadcast(t, opener)
	start := *live.ActualStart

	subscription := f.queue.Subscribe(
		notify.HandoverTopic(live.ID),
		notify.CurrentDJTopic(live.ID),
	)
	defer subscription.Close()

	f.coordinator.now = func() time.Time { return start.Add(20 * time.Minute) }
	record, err := f.coordinator.InitiateHandover(context.Background(), HandoverRequest{
		BroadcastID:   live.ID,
		NewDJID:       incoming.ID,
		InitiatedByID: opener.ID,
		Reason:        "shift change",
	})
	if err != nil {
		t.Fatalf("InitiateHandover: %v", err)
	}
	if record.DurationSeconds == nil || *record.DurationSeconds != 20*60 {
		t.Fatalf("opener stint = %v, want 1200s", record.DurationSeconds)
	}

	updated, _ := f.store.GetBroadcast(live.ID)
	if updated.CurrentDJID == nil || *updated.CurrentDJID != incoming.ID {
		t.Fatal("current dj not advanced")
	}

	topics := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case event := <-subscription.Events():
			topics[event.Topic] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notifications")
		}
	}
	if !topics[notify.HandoverTopic(live.ID)] || !topics[notify.CurrentDJTopic(live.ID)] {
		t.Fatalf("missing notification topics: %v", topics)
	}

	if got := f.recorder.HandoverCounts()["accepted"]; got != 1 {
		t.Fatalf("accepted counter = %d", got)
	}
}

func TestModeratorMayInitiate(t *testing.T) {
	f := newFixture(t)
	opener := f.createUser(t, "opener", models.RoleDJ)
	incoming := f.createUser(t, "incoming", models.RoleDJ)
	moderator := f.createUser(t, "mod", models.RoleModerator)
	live := f.createLiveBroadcast(t, opener)

	if _, err := f.coordinator.InitiateHandover(context.Background(), HandoverRequest{
		BroadcastID:   live.ID,
		NewDJID:       incoming.ID,
		InitiatedByID: moderator.ID,
	}); err != nil {
		t.Fatalf("moderator-initiated handover: %v", err)
	}
}

func TestCurrentActiveDJFallsBackToStarter(t *testing.T) {
	f := newFixture(t)
	opener := f.createUser(t, "opener", models.RoleDJ)
	live := f.createLiveBroadcast(t, opener)

	dj, err := f.coordinator.CurrentActiveDJ(live.ID)
	if err != nil {
		t.Fatalf("CurrentActiveDJ: %v", err)
	}
	if dj.ID != opener.ID {
		t.Fatalf("active dj = %s, want opener", dj.ID)
	}

	if _, err := f.coordinator.CurrentActiveDJ("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing broadcast: got %v", err)
	}
}

func TestLifecycleNotifications(t *testing.T) {
	f := newFixture(t)
	dj := f.createUser(t, "opener", models.RoleDJ)
	created, err := f.coordinator.Create(storage.CreateBroadcastParams{
		Title:          "Afternoon Mix",
		ScheduledStart: time.Now(),
		ScheduledEnd:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	subscription := f.queue.Subscribe(notify.TopicListenerStatus)
	defer subscription.Close()

	ctx := context.Background()
	if _, err := f.coordinator.Start(ctx, created.ID, dj.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.coordinator.End(ctx, created.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case event := <-subscription.Events():
			if event.Type != "broadcast-status-changed" {
				t.Fatalf("unexpected event type %q", event.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for status events")
		}
	}
}

func TestStartRequiresDJRole(t *testing.T) {
	f := newFixture(t)
	listener := f.createUser(t, "fan", models.RoleListener)
	created, err := f.coordinator.Create(storage.CreateBroadcastParams{
		Title:          "Pirate Hour",
		ScheduledStart: time.Now(),
		ScheduledEnd:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.coordinator.Start(context.Background(), created.ID, listener.ID); !errors.Is(err, ErrPermission) {
		t.Fatalf("listener start: got %v", err)
	}
}
