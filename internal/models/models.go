package models

import (
	"strings"
	"time"
)

// Roles recognised by the platform. Station staff are either DJs who run
// broadcasts or elevated accounts who can moderate them.
const (
	RoleDJ        = "dj"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
	RoleListener  = "listener"
)

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user has the provided role, ignoring case.
func (u User) HasRole(role string) bool {
	for _, existing := range u.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// IsElevated reports whether the user may act on broadcasts they do not own.
func (u User) IsElevated() bool {
	return u.HasRole(RoleAdmin) || u.HasRole(RoleModerator)
}

// BroadcastStatus tracks a broadcast through its lifecycle. TESTING covers
// soundchecks that never go on air.
type BroadcastStatus string

const (
	BroadcastScheduled BroadcastStatus = "SCHEDULED"
	BroadcastTesting   BroadcastStatus = "TESTING"
	BroadcastLive      BroadcastStatus = "LIVE"
	BroadcastEnded     BroadcastStatus = "ENDED"
)

// Valid reports whether the status is one of the recognised lifecycle states.
func (s BroadcastStatus) Valid() bool {
	switch s {
	case BroadcastScheduled, BroadcastTesting, BroadcastLive, BroadcastEnded:
		return true
	}
	return false
}

type Broadcast struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Status         BroadcastStatus `json:"status"`
	StartedByID    *string         `json:"startedById,omitempty"`
	CurrentDJID    *string         `json:"currentDjId,omitempty"`
	ScheduledStart time.Time       `json:"scheduledStart"`
	ScheduledEnd   time.Time       `json:"scheduledEnd"`
	ActualStart    *time.Time      `json:"actualStart,omitempty"`
	ActualEnd      *time.Time      `json:"actualEnd,omitempty"`
	PeakListeners  int             `json:"peakListeners"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// HandoverRecord is the immutable audit entry for one on-air ownership
// transfer. PreviousDJID is nil only for the first assignment of a broadcast.
type HandoverRecord struct {
	ID              string    `json:"id"`
	BroadcastID     string    `json:"broadcastId"`
	PreviousDJID    *string   `json:"previousDjId,omitempty"`
	NewDJID         string    `json:"newDjId"`
	InitiatedByID   string    `json:"initiatedById"`
	Reason          string    `json:"reason,omitempty"`
	HandoverTime    time.Time `json:"handoverTime"`
	DurationSeconds *int64    `json:"durationSeconds,omitempty"`
}

// StatusSnapshot is the aggregate published to every listener-status
// subscriber. Health reflects the streaming server probe, not this process.
type StatusSnapshot struct {
	IsLive          bool   `json:"isLive"`
	ListenerCount   int    `json:"listenerCount"`
	PeakListeners   int    `json:"peakListeners,omitempty"`
	LiveBroadcastID string `json:"liveBroadcastId,omitempty"`
	Health          string `json:"health,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}
