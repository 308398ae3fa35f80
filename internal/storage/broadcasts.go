package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"airwave-live/internal/models"
)

// CreateBroadcastParams captures the attributes of a newly scheduled broadcast.
type CreateBroadcastParams struct {
	Title          string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
}

func (s *Storage) CreateBroadcast(params CreateBroadcastParams) (models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Broadcast{}, errors.New("title is required")
	}
	if params.ScheduledEnd.Before(params.ScheduledStart) {
		return models.Broadcast{}, errors.New("scheduledEnd precedes scheduledStart")
	}

	now := s.now()
	broadcast := models.Broadcast{
		ID:             generateID(),
		Title:          title,
		Status:         models.BroadcastScheduled,
		ScheduledStart: params.ScheduledStart.UTC(),
		ScheduledEnd:   params.ScheduledEnd.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.data.Broadcasts[broadcast.ID] = broadcast
	if err := s.persist(); err != nil {
		delete(s.data.Broadcasts, broadcast.ID)
		return models.Broadcast{}, err
	}
	return broadcast, nil
}

func (s *Storage) GetBroadcast(id string) (models.Broadcast, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	broadcast, ok := s.data.Broadcasts[id]
	if !ok {
		return models.Broadcast{}, false
	}
	return cloneBroadcast(broadcast), true
}

func (s *Storage) ListBroadcasts() []models.Broadcast {
	s.mu.RLock()
	defer s.mu.RUnlock()

	broadcasts := make([]models.Broadcast, 0, len(s.data.Broadcasts))
	for _, broadcast := range s.data.Broadcasts {
		broadcasts = append(broadcasts, cloneBroadcast(broadcast))
	}
	sort.Slice(broadcasts, func(i, j int) bool {
		if !broadcasts[i].ScheduledStart.Equal(broadcasts[j].ScheduledStart) {
			return broadcasts[i].ScheduledStart.Before(broadcasts[j].ScheduledStart)
		}
		return broadcasts[i].ID < broadcasts[j].ID
	})
	return broadcasts
}

// CurrentLiveBroadcast returns the live broadcast when exactly one is on air.
func (s *Storage) CurrentLiveBroadcast() (models.Broadcast, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, broadcast := range s.data.Broadcasts {
		if broadcast.Status == models.BroadcastLive {
			return cloneBroadcast(broadcast), true
		}
	}
	return models.Broadcast{}, false
}

// MarkBroadcastTesting moves a scheduled broadcast into its sound-check phase.
func (s *Storage) MarkBroadcastTesting(id string) (models.Broadcast, error) {
	return s.transitionBroadcast(id, func(broadcast *models.Broadcast, now time.Time) error {
		if broadcast.Status != models.BroadcastScheduled {
			return fmt.Errorf("broadcast %s cannot enter testing from %s", id, broadcast.Status)
		}
		broadcast.Status = models.BroadcastTesting
		return nil
	})
}

// StartBroadcast transitions a scheduled or testing broadcast to live, stamps
// the actual start, and installs the starting DJ as current.
func (s *Storage) StartBroadcast(id, startedByID string) (models.Broadcast, error) {
	return s.transitionBroadcast(id, func(broadcast *models.Broadcast, now time.Time) error {
		if broadcast.Status != models.BroadcastScheduled && broadcast.Status != models.BroadcastTesting {
			return fmt.Errorf("broadcast %s cannot go live from %s", id, broadcast.Status)
		}
		if _, ok := s.data.Users[startedByID]; !ok {
			return fmt.Errorf("user %s: %w", startedByID, ErrNotFound)
		}
		starter := startedByID
		start := now
		broadcast.Status = models.BroadcastLive
		broadcast.StartedByID = &starter
		broadcast.CurrentDJID = &starter
		broadcast.ActualStart = &start
		return nil
	})
}

// EndBroadcast transitions a live broadcast to ended and stamps the actual end.
func (s *Storage) EndBroadcast(id string) (models.Broadcast, error) {
	return s.transitionBroadcast(id, func(broadcast *models.Broadcast, now time.Time) error {
		if broadcast.Status != models.BroadcastLive {
			return fmt.Errorf("broadcast %s: %w", id, ErrBroadcastNotLive)
		}
		end := now
		broadcast.Status = models.BroadcastEnded
		broadcast.ActualEnd = &end
		return nil
	})
}

// UpdatePeakListeners raises the broadcast's peak listener watermark. Lower
// observations are ignored.
func (s *Storage) UpdatePeakListeners(id string, count int) (models.Broadcast, error) {
	return s.transitionBroadcast(id, func(broadcast *models.Broadcast, now time.Time) error {
		if count <= broadcast.PeakListeners {
			return nil
		}
		broadcast.PeakListeners = count
		return nil
	})
}

func (s *Storage) transitionBroadcast(id string, mutate func(*models.Broadcast, time.Time) error) (models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.data.Broadcasts[id]
	if !ok {
		return models.Broadcast{}, fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	broadcast := cloneBroadcast(stored)
	now := s.now()
	if err := mutate(&broadcast, now); err != nil {
		return models.Broadcast{}, err
	}
	broadcast.UpdatedAt = now

	s.data.Broadcasts[id] = broadcast
	if err := s.persist(); err != nil {
		s.data.Broadcasts[id] = stored
		return models.Broadcast{}, err
	}
	return cloneBroadcast(broadcast), nil
}

// RecordHandoverParams describes a validated handover about to be committed.
// At lets callers pin the handover instant; a zero value means now.
type RecordHandoverParams struct {
	BroadcastID   string
	NewDJID       string
	InitiatedByID string
	Reason        string
	At            time.Time
}

// RecordHandover atomically appends a handover record and repoints the
// broadcast's current DJ. The outgoing DJ's stint duration is measured from
// the first record that put them on air, falling back to the broadcast's
// actual start.
func (s *Storage) RecordHandover(params RecordHandoverParams) (models.HandoverRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.data.Broadcasts[params.BroadcastID]
	if !ok {
		return models.HandoverRecord{}, fmt.Errorf("broadcast %s: %w", params.BroadcastID, ErrNotFound)
	}
	if stored.Status != models.BroadcastLive {
		return models.HandoverRecord{}, fmt.Errorf("broadcast %s: %w", params.BroadcastID, ErrBroadcastNotLive)
	}
	if stored.CurrentDJID != nil && *stored.CurrentDJID == params.NewDJID {
		return models.HandoverRecord{}, fmt.Errorf("user %s: %w", params.NewDJID, ErrSameDJ)
	}

	at := params.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	record := models.HandoverRecord{
		ID:            generateID(),
		BroadcastID:   params.BroadcastID,
		NewDJID:       params.NewDJID,
		InitiatedByID: params.InitiatedByID,
		Reason:        strings.TrimSpace(params.Reason),
		HandoverTime:  at,
	}
	if stored.CurrentDJID != nil {
		outgoing := *stored.CurrentDJID
		record.PreviousDJID = &outgoing
		if duration, ok := s.stintDurationLocked(stored, outgoing, at); ok {
			record.DurationSeconds = &duration
		}
	}

	broadcast := cloneBroadcast(stored)
	incoming := params.NewDJID
	broadcast.CurrentDJID = &incoming
	broadcast.UpdatedAt = s.now()

	s.data.Handovers[record.ID] = record
	s.data.Broadcasts[params.BroadcastID] = broadcast
	if err := s.persist(); err != nil {
		delete(s.data.Handovers, record.ID)
		s.data.Broadcasts[params.BroadcastID] = stored
		return models.HandoverRecord{}, err
	}
	return record, nil
}

// stintDurationLocked measures how long the outgoing DJ has been on air: the
// most recent handover that installed them, or the broadcast's actual start
// when they opened the show. A DJ who left and came back is measured from
// their latest return, not their first appearance.
func (s *Storage) stintDurationLocked(broadcast models.Broadcast, outgoingDJID string, until time.Time) (int64, bool) {
	var start *time.Time
	records := s.listHandoversLocked(broadcast.ID)
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].NewDJID == outgoingDJID {
			onAir := records[i].HandoverTime
			start = &onAir
			break
		}
	}
	if start == nil {
		start = broadcast.ActualStart
	}
	if start == nil {
		return 0, false
	}
	seconds := int64(until.Sub(*start) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return seconds, true
}

// ListHandovers returns the broadcast's handover history in ascending
// handover-time order.
func (s *Storage) ListHandovers(broadcastID string) ([]models.HandoverRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Broadcasts[broadcastID]; !ok {
		return nil, fmt.Errorf("broadcast %s: %w", broadcastID, ErrNotFound)
	}
	return s.listHandoversLocked(broadcastID), nil
}

func (s *Storage) listHandoversLocked(broadcastID string) []models.HandoverRecord {
	records := make([]models.HandoverRecord, 0)
	for _, record := range s.data.Handovers {
		if record.BroadcastID == broadcastID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].HandoverTime.Equal(records[j].HandoverTime) {
			return records[i].HandoverTime.Before(records[j].HandoverTime)
		}
		return records[i].ID < records[j].ID
	})
	return records
}
