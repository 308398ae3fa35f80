package storage

import (
	"context"

	"airwave-live/internal/models"
)

// Repository exposes the datastore operations required by the API handlers,
// the handover coordinator, and the listener aggregator. Both the JSON file
// store and the Postgres repository satisfy it.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	ListUsers() []models.User
	GetUser(id string) (models.User, bool)
	FindUserByName(displayName string) (models.User, bool)
	FindUserByEmail(email string) (models.User, bool)
	SetUserActive(id string, active bool) (models.User, error)

	CreateBroadcast(params CreateBroadcastParams) (models.Broadcast, error)
	GetBroadcast(id string) (models.Broadcast, bool)
	ListBroadcasts() []models.Broadcast
	CurrentLiveBroadcast() (models.Broadcast, bool)
	MarkBroadcastTesting(id string) (models.Broadcast, error)
	StartBroadcast(id, startedByID string) (models.Broadcast, error)
	EndBroadcast(id string) (models.Broadcast, error)
	UpdatePeakListeners(id string, count int) (models.Broadcast, error)

	RecordHandover(params RecordHandoverParams) (models.HandoverRecord, error)
	ListHandovers(broadcastID string) ([]models.HandoverRecord, error)
}

var _ Repository = (*Storage)(nil)
