package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"airwave-live/internal/models"
	"airwave-live/internal/notify"
	"airwave-live/internal/observability/logging"
	"airwave-live/internal/observability/metrics"
	"airwave-live/internal/storage"
)

// Coordinator owns the DJ handover protocol and the broadcast lifecycle. It
// validates requests against the repository, commits accepted handovers
// atomically through it, and fans results out over the notify queue on a
// best-effort basis.
type Coordinator struct {
	repo     storage.Repository
	queue    notify.Queue
	logger   *slog.Logger
	recorder *metrics.Recorder
	now      func() time.Time
}

// Config wires the coordinator's collaborators. Queue and Recorder may be
// nil; notifications and metrics are then skipped.
type Config struct {
	Repository storage.Repository
	Queue      notify.Queue
	Logger     *slog.Logger
	Recorder   *metrics.Recorder
}

func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Coordinator{
		repo:     cfg.Repository,
		queue:    cfg.Queue,
		logger:   logging.WithComponent(logger, "broadcast"),
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandoverRequest names the parties of a proposed handover.
type HandoverRequest struct {
	BroadcastID   string
	NewDJID       string
	InitiatedByID string
	Reason        string
}

type handoverEventPayload struct {
	BroadcastID     string `json:"broadcastId"`
	PreviousDJID    *string `json:"previousDjId,omitempty"`
	NewDJID         string `json:"newDjId"`
	InitiatedByID   string `json:"initiatedById"`
	Reason          string `json:"reason,omitempty"`
	HandoverTime    string `json:"handoverTime"`
	DurationSeconds *int64 `json:"durationSeconds,omitempty"`
}

type currentDJPayload struct {
	BroadcastID string `json:"broadcastId"`
	DJID        string `json:"djId"`
	DisplayName string `json:"displayName"`
}

// InitiateHandover validates and commits a DJ handover. Validation runs in a
// fixed order so callers get the most specific rejection: broadcast exists,
// broadcast live, incoming DJ eligible, initiator permitted, incoming DJ not
// already on air.
func (c *Coordinator) InitiateHandover(ctx context.Context, req HandoverRequest) (models.HandoverRecord, error) {
	broadcast, ok := c.repo.GetBroadcast(req.BroadcastID)
	if !ok {
		c.recorder.ObserveHandover("rejected_not_found")
		return models.HandoverRecord{}, fmt.Errorf("broadcast %s: %w", req.BroadcastID, ErrNotFound)
	}
	if broadcast.Status != models.BroadcastLive {
		c.recorder.ObserveHandover("rejected_state")
		return models.HandoverRecord{}, fmt.Errorf("broadcast %s is %s: %w", req.BroadcastID, broadcast.Status, ErrInvalidState)
	}

	newDJ, ok := c.repo.GetUser(req.NewDJID)
	if !ok {
		c.recorder.ObserveHandover("rejected_not_found")
		return models.HandoverRecord{}, fmt.Errorf("user %s: %w", req.NewDJID, ErrNotFound)
	}
	if !newDJ.HasRole(models.RoleDJ) {
		c.recorder.ObserveHandover("rejected_validation")
		return models.HandoverRecord{}, fmt.Errorf("user %s lacks the dj role: %w", req.NewDJID, ErrValidation)
	}
	if !newDJ.Active {
		c.recorder.ObserveHandover("rejected_validation")
		return models.HandoverRecord{}, fmt.Errorf("user %s is deactivated: %w", req.NewDJID, ErrValidation)
	}

	initiator, ok := c.repo.GetUser(req.InitiatedByID)
	if !ok {
		c.recorder.ObserveHandover("rejected_not_found")
		return models.HandoverRecord{}, fmt.Errorf("user %s: %w", req.InitiatedByID, ErrNotFound)
	}
	if !c.mayInitiate(initiator, broadcast) {
		c.recorder.ObserveHandover("rejected_permission")
		return models.HandoverRecord{}, fmt.Errorf("user %s may not hand over broadcast %s: %w", req.InitiatedByID, req.BroadcastID, ErrPermission)
	}

	if broadcast.CurrentDJID != nil && *broadcast.CurrentDJID == req.NewDJID {
		c.recorder.ObserveHandover("rejected_validation")
		return models.HandoverRecord{}, fmt.Errorf("user %s is already on air: %w", req.NewDJID, ErrValidation)
	}

	record, err := c.repo.RecordHandover(storage.RecordHandoverParams{
		BroadcastID:   req.BroadcastID,
		NewDJID:       req.NewDJID,
		InitiatedByID: req.InitiatedByID,
		Reason:        req.Reason,
		At:            c.now(),
	})
	if err != nil {
		c.recorder.ObserveHandover("rejected_conflict")
		return models.HandoverRecord{}, c.translateStorageError(err)
	}

	c.recorder.ObserveHandover("accepted")
	c.logger.Info("handover committed",
		"broadcast_id", record.BroadcastID,
		"new_dj_id", record.NewDJID,
		"initiated_by", record.InitiatedByID,
	)
	c.publishHandover(ctx, record, newDJ)
	return record, nil
}

// mayInitiate allows elevated roles and the DJ currently on air. A broadcast
// with no current DJ falls back to the user who started it.
func (c *Coordinator) mayInitiate(initiator models.User, broadcast models.Broadcast) bool {
	if initiator.IsElevated() {
		return true
	}
	if broadcast.CurrentDJID != nil {
		return *broadcast.CurrentDJID == initiator.ID
	}
	return broadcast.StartedByID != nil && *broadcast.StartedByID == initiator.ID
}

// translateStorageError maps the repository's commit-time rejections onto the
// coordinator's error kinds. The commit re-checks under its own lock, so a
// race lost between validation and commit still surfaces correctly.
func (c *Coordinator) translateStorageError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", err.Error(), ErrNotFound)
	case errors.Is(err, storage.ErrBroadcastNotLive):
		return fmt.Errorf("%s: %w", err.Error(), ErrInvalidState)
	case errors.Is(err, storage.ErrSameDJ):
		return fmt.Errorf("%s: %w", err.Error(), ErrValidation)
	default:
		return err
	}
}

// publishHandover pushes the committed handover and the new current DJ to the
// notify queue. Failures are logged and swallowed: the handover is already
// durable and subscribers reconcile on the next status tick.
func (c *Coordinator) publishHandover(ctx context.Context, record models.HandoverRecord, newDJ models.User) {
	if c.queue == nil {
		return
	}
	handoverEvent, err := notify.NewEvent(notify.HandoverTopic(record.BroadcastID), "handover", handoverEventPayload{
		BroadcastID:     record.BroadcastID,
		PreviousDJID:    record.PreviousDJID,
		NewDJID:         record.NewDJID,
		InitiatedByID:   record.InitiatedByID,
		Reason:          record.Reason,
		HandoverTime:    record.HandoverTime.Format(time.RFC3339),
		DurationSeconds: record.DurationSeconds,
	})
	if err == nil {
		if err := c.queue.Publish(ctx, handoverEvent); err != nil {
			c.logger.Warn("handover notification failed", "broadcast_id", record.BroadcastID, "error", err)
		}
	}

	djEvent, err := notify.NewEvent(notify.CurrentDJTopic(record.BroadcastID), "current-dj", currentDJPayload{
		BroadcastID: record.BroadcastID,
		DJID:        newDJ.ID,
		DisplayName: newDJ.DisplayName,
	})
	if err == nil {
		if err := c.queue.Publish(ctx, djEvent); err != nil {
			c.logger.Warn("current-dj notification failed", "broadcast_id", record.BroadcastID, "error", err)
		}
	}
}

// CurrentActiveDJ resolves who is on air: the current DJ pointer, falling
// back to whoever started the broadcast.
func (c *Coordinator) CurrentActiveDJ(broadcastID string) (models.User, error) {
	broadcast, ok := c.repo.GetBroadcast(broadcastID)
	if !ok {
		return models.User{}, fmt.Errorf("broadcast %s: %w", broadcastID, ErrNotFound)
	}
	djID := broadcast.CurrentDJID
	if djID == nil {
		djID = broadcast.StartedByID
	}
	if djID == nil {
		return models.User{}, fmt.Errorf("broadcast %s has no dj on air: %w", broadcastID, ErrNotFound)
	}
	user, ok := c.repo.GetUser(*djID)
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", *djID, ErrNotFound)
	}
	return user, nil
}

// HandoverHistory returns the broadcast's handover records in ascending
// handover-time order.
func (c *Coordinator) HandoverHistory(broadcastID string) ([]models.HandoverRecord, error) {
	records, err := c.repo.ListHandovers(broadcastID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("broadcast %s: %w", broadcastID, ErrNotFound)
		}
		return nil, err
	}
	return records, nil
}

// Create schedules a new broadcast.
func (c *Coordinator) Create(params storage.CreateBroadcastParams) (models.Broadcast, error) {
	broadcast, err := c.repo.CreateBroadcast(params)
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("%s: %w", err.Error(), ErrValidation)
	}
	return broadcast, nil
}

// Get returns one broadcast.
func (c *Coordinator) Get(broadcastID string) (models.Broadcast, error) {
	broadcast, ok := c.repo.GetBroadcast(broadcastID)
	if !ok {
		return models.Broadcast{}, fmt.Errorf("broadcast %s: %w", broadcastID, ErrNotFound)
	}
	return broadcast, nil
}

// List returns all broadcasts ordered by scheduled start.
func (c *Coordinator) List() []models.Broadcast {
	return c.repo.ListBroadcasts()
}

// Start transitions a broadcast to live with the given DJ and announces the
// status change.
func (c *Coordinator) Start(ctx context.Context, broadcastID, djID string) (models.Broadcast, error) {
	dj, ok := c.repo.GetUser(djID)
	if !ok {
		return models.Broadcast{}, fmt.Errorf("user %s: %w", djID, ErrNotFound)
	}
	if !dj.HasRole(models.RoleDJ) && !dj.IsElevated() {
		return models.Broadcast{}, fmt.Errorf("user %s may not start a broadcast: %w", djID, ErrPermission)
	}
	broadcast, err := c.repo.StartBroadcast(broadcastID, djID)
	if err != nil {
		return models.Broadcast{}, c.translateLifecycleError(broadcastID, err)
	}
	c.logger.Info("broadcast live", "broadcast_id", broadcastID, "dj_id", djID)
	c.publishStatus(ctx, broadcast)
	return broadcast, nil
}

// End transitions a live broadcast to ended and announces the status change.
func (c *Coordinator) End(ctx context.Context, broadcastID string) (models.Broadcast, error) {
	broadcast, err := c.repo.EndBroadcast(broadcastID)
	if err != nil {
		return models.Broadcast{}, c.translateLifecycleError(broadcastID, err)
	}
	c.logger.Info("broadcast ended", "broadcast_id", broadcastID, "peak_listeners", broadcast.PeakListeners)
	c.publishStatus(ctx, broadcast)
	return broadcast, nil
}

// BeginTesting moves a scheduled broadcast into its sound-check phase.
func (c *Coordinator) BeginTesting(broadcastID string) (models.Broadcast, error) {
	broadcast, err := c.repo.MarkBroadcastTesting(broadcastID)
	if err != nil {
		return models.Broadcast{}, c.translateLifecycleError(broadcastID, err)
	}
	return broadcast, nil
}

func (c *Coordinator) translateLifecycleError(broadcastID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("broadcast %s: %w", broadcastID, ErrNotFound)
	case errors.Is(err, storage.ErrBroadcastNotLive):
		return fmt.Errorf("broadcast %s: %w", broadcastID, ErrInvalidState)
	default:
		return fmt.Errorf("broadcast %s: %s: %w", broadcastID, err.Error(), ErrInvalidState)
	}
}

type statusChangePayload struct {
	BroadcastID string `json:"broadcastId"`
	Status      string `json:"status"`
	Title       string `json:"title"`
}

func (c *Coordinator) publishStatus(ctx context.Context, broadcast models.Broadcast) {
	if c.queue == nil {
		return
	}
	event, err := notify.NewEvent(notify.TopicListenerStatus, "broadcast-status-changed", statusChangePayload{
		BroadcastID: broadcast.ID,
		Status:      string(broadcast.Status),
		Title:       broadcast.Title,
	})
	if err != nil {
		return
	}
	if err := c.queue.Publish(ctx, event); err != nil {
		c.logger.Warn("status notification failed", "broadcast_id", broadcast.ID, "error", err)
	}
}
