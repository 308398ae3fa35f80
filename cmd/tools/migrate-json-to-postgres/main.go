// Command migrate-json-to-postgres copies users, broadcasts, and handover
// history from the JSON datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"airwave-live/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("AIRWAVE_LIVE_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, AIRWAVE_LIVE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()

	store, err := storage.NewStorage(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close(ctx) }()

	// Opening the repository applies the schema; the import itself runs on a
	// raw pool so password hashes and timestamps survive untouched.
	repo, err := storage.NewPostgresRepository(storage.PostgresConfig{DSN: dsn})
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close(ctx) }()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("failed to open migration connection", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	users, broadcasts, handovers, err := importStore(ctx, pool, store)
	if err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, pool, users, broadcasts, handovers); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "users", users, "broadcasts", broadcasts, "handovers", handovers)
}

func importStore(ctx context.Context, pool *pgxpool.Pool, store *storage.Storage) (int, int, int, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	users := store.ListUsers()
	for _, user := range users {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, display_name, email, roles, password_hash, active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			user.ID, user.DisplayName, user.Email, user.Roles, user.PasswordHash, user.Active, user.CreatedAt,
		); err != nil {
			return 0, 0, 0, fmt.Errorf("insert user %s: %w", user.ID, err)
		}
	}

	broadcasts := store.ListBroadcasts()
	handoverCount := 0
	for _, b := range broadcasts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO broadcasts (id, title, status, started_by_id, current_dj_id, scheduled_start, scheduled_end, actual_start, actual_end, peak_listeners, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO NOTHING`,
			b.ID, b.Title, string(b.Status), b.StartedByID, b.CurrentDJID,
			b.ScheduledStart, b.ScheduledEnd, b.ActualStart, b.ActualEnd,
			b.PeakListeners, b.CreatedAt, b.UpdatedAt,
		); err != nil {
			return 0, 0, 0, fmt.Errorf("insert broadcast %s: %w", b.ID, err)
		}

		records, err := store.ListHandovers(b.ID)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("list handovers for %s: %w", b.ID, err)
		}
		for _, record := range records {
			if _, err := tx.Exec(ctx,
				`INSERT INTO handovers (id, broadcast_id, previous_dj_id, new_dj_id, initiated_by_id, reason, handover_time, duration_seconds)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (id) DO NOTHING`,
				record.ID, record.BroadcastID, record.PreviousDJID, record.NewDJID,
				record.InitiatedByID, record.Reason, record.HandoverTime, record.DurationSeconds,
			); err != nil {
				return 0, 0, 0, fmt.Errorf("insert handover %s: %w", record.ID, err)
			}
			handoverCount++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("commit migration: %w", err)
	}
	return len(users), len(broadcasts), handoverCount, nil
}

func verifyCounts(ctx context.Context, pool *pgxpool.Pool, users, broadcasts, handovers int) error {
	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"users", "SELECT COUNT(*) FROM users", users},
		{"broadcasts", "SELECT COUNT(*) FROM broadcasts", broadcasts},
		{"handovers", "SELECT COUNT(*) FROM handovers", handovers},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
