package storage_test

import (
	"errors"
	"testing"
	"time"

	"airwave-live/internal/models"
	"airwave-live/internal/storage"
)

func createDJ(t *testing.T, store *storage.Storage, name string) models.User {
	t.Helper()
	user, err := store.CreateUser(storage.CreateUserParams{
		DisplayName: name,
		Email:       name + "@example.com",
		Password:    "on-air",
		Roles:       []string{models.RoleDJ},
	})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return user
}

func createLiveBroadcast(t *testing.T, store *storage.Storage, dj models.User) models.Broadcast {
	t.Helper()
	broadcast, err := store.CreateBroadcast(storage.CreateBroadcastParams{
		Title:          "Friday Night Session",
		ScheduledStart: time.Now().Add(-time.Hour),
		ScheduledEnd:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	live, err := store.StartBroadcast(broadcast.ID, dj.ID)
	if err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	return live
}

func TestBroadcastLifecycle(t *testing.T) {
	store := newTestStorage(t)
	dj := createDJ(t, store, "nova")

	broadcast, err := store.CreateBroadcast(storage.CreateBroadcastParams{
		Title:          "Morning Drive",
		ScheduledStart: time.Now(),
		ScheduledEnd:   time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	if broadcast.Status != models.BroadcastScheduled {
		t.Fatalf("new broadcast status = %s", broadcast.Status)
	}

	soundCheck, err := store.MarkBroadcastTesting(broadcast.ID)
	if err != nil {
		t.Fatalf("MarkBroadcastTesting: %v", err)
	}
	if soundCheck.Status != models.BroadcastTesting {
		t.Fatalf("status = %s, want testing", soundCheck.Status)
	}

	live, err := store.StartBroadcast(broadcast.ID, dj.ID)
	if err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	if live.Status != models.BroadcastLive || live.ActualStart == nil {
		t.Fatalf("broadcast did not go live: %+v", live)
	}
	if live.CurrentDJID == nil || *live.CurrentDJID != dj.ID {
		t.Fatal("starting DJ should be current")
	}

	if _, err := store.StartBroadcast(broadcast.ID, dj.ID); err == nil {
		t.Fatal("double start should fail")
	}

	current, ok := store.CurrentLiveBroadcast()
	if !ok || current.ID != broadcast.ID {
		t.Fatal("CurrentLiveBroadcast should find the live broadcast")
	}

	ended, err := store.EndBroadcast(broadcast.ID)
	if err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	if ended.Status != models.BroadcastEnded || ended.ActualEnd == nil {
		t.Fatalf("broadcast did not end: %+v", ended)
	}
	if _, err := store.EndBroadcast(broadcast.ID); !errors.Is(err, storage.ErrBroadcastNotLive) {
		t.Fatalf("ending twice should return ErrBroadcastNotLive, got %v", err)
	}
}

func TestRecordHandoverDurations(t *testing.T) {
	store := newTestStorage(t)
	opener := createDJ(t, store, "opener")
	second := createDJ(t, store, "second")
	third := createDJ(t, store, "third")

	live := createLiveBroadcast(t, store, opener)
	start := *live.ActualStart

	// Opener plays 30 minutes before the first handover.
	first, err := store.RecordHandover(storage.RecordHandoverParams{
		BroadcastID:   live.ID,
		NewDJID:       second.ID,
		InitiatedByID: opener.ID,
		Reason:        "scheduled rotation",
		At:            start.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("first handover: %v", err)
	}
	if first.PreviousDJID == nil || *first.PreviousDJID != opener.ID {
		t.Fatalf("previous DJ = %v, want opener", first.PreviousDJID)
	}
	if first.DurationSeconds == nil || *first.DurationSeconds != 30*60 {
		t.Fatalf("opener stint = %v, want 1800s", first.DurationSeconds)
	}

	// Second DJ plays 45 minutes.
	secondRecord, err := store.RecordHandover(storage.RecordHandoverParams{
		BroadcastID:   live.ID,
		NewDJID:       third.ID,
		InitiatedByID: second.ID,
		At:            start.Add(75 * time.Minute),
	})
	if err != nil {
		t.Fatalf("second handover: %v", err)
	}
	if secondRecord.DurationSeconds == nil || *secondRecord.DurationSeconds != 45*60 {
		t.Fatalf("second stint = %v, want 2700s", secondRecord.DurationSeconds)
	}

	// Third DJ plays 25 minutes before handing back to the opener.
	thirdRecord, err := store.RecordHandover(storage.RecordHandoverParams{
		BroadcastID:   live.ID,
		NewDJID:       opener.ID,
		InitiatedByID: third.ID,
		At:            start.Add(100 * time.Minute),
	})
	if err != nil {
		t.Fatalf("third handover: %v", err)
	}
	if thirdRecord.DurationSeconds == nil || *thirdRecord.DurationSeconds != 25*60 {
		t.Fatalf("third stint = %v, want 1500s", thirdRecord.DurationSeconds)
	}

	records, err := store.ListHandovers(live.ID)
	if err != nil {
		t.Fatalf("ListHandovers: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("history length = %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].HandoverTime.Before(records[i-1].HandoverTime) {
			t.Fatal("history not ascending")
		}
	}

	updated, _ := store.GetBroadcast(live.ID)
	if updated.CurrentDJID == nil || *updated.CurrentDJID != opener.ID {
		t.Fatal("current DJ pointer not advanced")
	}
}

func TestRecordHandoverReturningDJMeasuredFromLatestStint(t *testing.T) {
	store := newTestStorage(t)
	alice := createDJ(t, store, "alice")
	bob := createDJ(t, store, "bob")

	live := createLiveBroadcast(t, store, alice)
	start := *live.ActualStart

	// Alice and Bob swap back and forth at 10-minute intervals.
	swaps := []struct {
		newDJ models.User
		at    time.Duration
	}{
		{bob, 10 * time.Minute},
		{alice, 20 * time.Minute},
		{bob, 30 * time.Minute},
	}
	var last models.HandoverRecord
	for _, swap := range swaps {
		record, err := store.RecordHandover(storage.RecordHandoverParams{
			BroadcastID:   live.ID,
			NewDJID:       swap.newDJ.ID,
			InitiatedByID: swap.newDJ.ID,
			At:            start.Add(swap.at),
		})
		if err != nil {
			t.Fatalf("handover at +%v: %v", swap.at, err)
		}
		last = record
	}

	// Alice's second stint ran from her return at +20m, not from the
	// show open at +0m.
	if last.DurationSeconds == nil || *last.DurationSeconds != 10*60 {
		t.Fatalf("returning DJ stint = %v, want 600s", last.DurationSeconds)
	}
}

func TestRecordHandoverGuards(t *testing.T) {
	store := newTestStorage(t)
	dj := createDJ(t, store, "nova")
	other := createDJ(t, store, "vega")
	live := createLiveBroadcast(t, store, dj)

	if _, err := store.RecordHandover(storage.RecordHandoverParams{
		BroadcastID: "missing",
		NewDJID:     other.ID,
	}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.RecordHandover(storage.RecordHandoverParams{
		BroadcastID: live.ID,
		NewDJID:     dj.ID,
	}); !errors.Is(err, storage.ErrSameDJ) {
		t.Fatalf("expected ErrSameDJ, got %v", err)
	}

	if _, err := store.EndBroadcast(live.ID); err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	if _, err := store.RecordHandover(storage.RecordHandoverParams{
		BroadcastID: live.ID,
		NewDJID:     other.ID,
	}); !errors.Is(err, storage.ErrBroadcastNotLive) {
		t.Fatalf("expected ErrBroadcastNotLive, got %v", err)
	}
}

func TestUpdatePeakListenersOnlyRises(t *testing.T) {
	store := newTestStorage(t)
	dj := createDJ(t, store, "nova")
	live := createLiveBroadcast(t, store, dj)

	if _, err := store.UpdatePeakListeners(live.ID, 12); err != nil {
		t.Fatalf("UpdatePeakListeners: %v", err)
	}
	updated, err := store.UpdatePeakListeners(live.ID, 5)
	if err != nil {
		t.Fatalf("UpdatePeakListeners: %v", err)
	}
	if updated.PeakListeners != 12 {
		t.Fatalf("peak = %d, want 12", updated.PeakListeners)
	}
}
