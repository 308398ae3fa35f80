package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"airwave-live/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.queryTimeout())
}

const userColumns = "id, display_name, email, roles, password_hash, active, created_at"

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.Roles, &user.PasswordHash, &user.Active, &user.CreatedAt)
	return user, err
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	normalizedEmail := strings.TrimSpace(strings.ToLower(params.Email))
	if normalizedEmail == "" {
		return models.User{}, errors.New("email is required")
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}
	roles := normalizeRoles(params.Roles)
	if len(roles) == 0 {
		roles = []string{models.RoleListener}
	}

	var passwordHash string
	if params.Password != "" {
		hashed, err := hashPassword(params.Password)
		if err != nil {
			return models.User{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = hashed
	}

	user := models.User{
		ID:           generateID(),
		DisplayName:  displayName,
		Email:        normalizedEmail,
		Roles:        roles,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx,
		"INSERT INTO users (id, display_name, email, roles, password_hash, active, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		user.ID, user.DisplayName, user.Email, user.Roles, user.PasswordHash, user.Active, user.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok := r.FindUserByEmail(email)
	if !ok || !user.Active {
		return models.User{}, ErrInvalidCredentials
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) ListUsers() []models.User {
	ctx, cancel := r.queryContext()
	defer cancel()

	rows, err := r.pool.Query(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil
		}
		users = append(users, user)
	}
	return users
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.queryContext()
	defer cancel()

	user, err := scanUser(r.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) FindUserByName(displayName string) (models.User, bool) {
	ctx, cancel := r.queryContext()
	defer cancel()

	user, err := scanUser(r.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(display_name) = lower($1)", strings.TrimSpace(displayName)))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) FindUserByEmail(email string) (models.User, bool) {
	ctx, cancel := r.queryContext()
	defer cancel()

	normalized := strings.TrimSpace(strings.ToLower(email))
	user, err := scanUser(r.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", normalized))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) SetUserActive(id string, active bool) (models.User, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	user, err := scanUser(r.pool.QueryRow(ctx,
		"UPDATE users SET active = $2 WHERE id = $1 RETURNING "+userColumns, id, active))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

const broadcastColumns = "id, title, status, started_by_id, current_dj_id, scheduled_start, scheduled_end, actual_start, actual_end, peak_listeners, created_at, updated_at"

func scanBroadcast(row pgx.Row) (models.Broadcast, error) {
	var broadcast models.Broadcast
	err := row.Scan(&broadcast.ID, &broadcast.Title, &broadcast.Status, &broadcast.StartedByID, &broadcast.CurrentDJID,
		&broadcast.ScheduledStart, &broadcast.ScheduledEnd, &broadcast.ActualStart, &broadcast.ActualEnd,
		&broadcast.PeakListeners, &broadcast.CreatedAt, &broadcast.UpdatedAt)
	return broadcast, err
}

func (r *postgresRepository) CreateBroadcast(params CreateBroadcastParams) (models.Broadcast, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Broadcast{}, errors.New("title is required")
	}
	if params.ScheduledEnd.Before(params.ScheduledStart) {
		return models.Broadcast{}, errors.New("scheduledEnd precedes scheduledStart")
	}

	now := time.Now().UTC()
	broadcast := models.Broadcast{
		ID:             generateID(),
		Title:          title,
		Status:         models.BroadcastScheduled,
		ScheduledStart: params.ScheduledStart.UTC(),
		ScheduledEnd:   params.ScheduledEnd.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := r.pool.Exec(ctx,
		"INSERT INTO broadcasts (id, title, status, scheduled_start, scheduled_end, peak_listeners, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, 0, $6, $7)",
		broadcast.ID, broadcast.Title, broadcast.Status, broadcast.ScheduledStart, broadcast.ScheduledEnd, broadcast.CreatedAt, broadcast.UpdatedAt)
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("insert broadcast: %w", err)
	}
	return broadcast, nil
}

func (r *postgresRepository) GetBroadcast(id string) (models.Broadcast, bool) {
	ctx, cancel := r.queryContext()
	defer cancel()

	broadcast, err := scanBroadcast(r.pool.QueryRow(ctx, "SELECT "+broadcastColumns+" FROM broadcasts WHERE id = $1", id))
	if err != nil {
		return models.Broadcast{}, false
	}
	return broadcast, true
}

func (r *postgresRepository) ListBroadcasts() []models.Broadcast {
	ctx, cancel := r.queryContext()
	defer cancel()

	rows, err := r.pool.Query(ctx, "SELECT "+broadcastColumns+" FROM broadcasts ORDER BY scheduled_start, id")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var broadcasts []models.Broadcast
	for rows.Next() {
		broadcast, err := scanBroadcast(rows)
		if err != nil {
			return nil
		}
		broadcasts = append(broadcasts, broadcast)
	}
	return broadcasts
}

func (r *postgresRepository) CurrentLiveBroadcast() (models.Broadcast, bool) {
	ctx, cancel := r.queryContext()
	defer cancel()

	broadcast, err := scanBroadcast(r.pool.QueryRow(ctx,
		"SELECT "+broadcastColumns+" FROM broadcasts WHERE status = $1 LIMIT 1", models.BroadcastLive))
	if err != nil {
		return models.Broadcast{}, false
	}
	return broadcast, true
}

func (r *postgresRepository) MarkBroadcastTesting(id string) (models.Broadcast, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	broadcast, err := scanBroadcast(r.pool.QueryRow(ctx,
		"UPDATE broadcasts SET status = $2, updated_at = now() WHERE id = $1 AND status = $3 RETURNING "+broadcastColumns,
		id, models.BroadcastTesting, models.BroadcastScheduled))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Broadcast{}, fmt.Errorf("broadcast %s cannot enter testing", id)
	}
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("update broadcast: %w", err)
	}
	return broadcast, nil
}

func (r *postgresRepository) StartBroadcast(id, startedByID string) (models.Broadcast, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	broadcast, err := scanBroadcast(r.pool.QueryRow(ctx,
		"UPDATE broadcasts SET status = $2, started_by_id = $3, current_dj_id = $3, actual_start = now(), updated_at = now() WHERE id = $1 AND status IN ($4, $5) RETURNING "+broadcastColumns,
		id, models.BroadcastLive, startedByID, models.BroadcastScheduled, models.BroadcastTesting))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Broadcast{}, fmt.Errorf("broadcast %s cannot go live", id)
	}
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("update broadcast: %w", err)
	}
	return broadcast, nil
}

func (r *postgresRepository) EndBroadcast(id string) (models.Broadcast, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	broadcast, err := scanBroadcast(r.pool.QueryRow(ctx,
		"UPDATE broadcasts SET status = $2, actual_end = now(), updated_at = now() WHERE id = $1 AND status = $3 RETURNING "+broadcastColumns,
		id, models.BroadcastEnded, models.BroadcastLive))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Broadcast{}, fmt.Errorf("broadcast %s: %w", id, ErrBroadcastNotLive)
	}
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("update broadcast: %w", err)
	}
	return broadcast, nil
}

func (r *postgresRepository) UpdatePeakListeners(id string, count int) (models.Broadcast, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	broadcast, err := scanBroadcast(r.pool.QueryRow(ctx,
		"UPDATE broadcasts SET peak_listeners = GREATEST(peak_listeners, $2), updated_at = now() WHERE id = $1 RETURNING "+broadcastColumns,
		id, count))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Broadcast{}, fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("update broadcast: %w", err)
	}
	return broadcast, nil
}

const handoverColumns = "id, broadcast_id, previous_dj_id, new_dj_id, initiated_by_id, reason, handover_time, duration_seconds"

func scanHandover(row pgx.Row) (models.HandoverRecord, error) {
	var record models.HandoverRecord
	err := row.Scan(&record.ID, &record.BroadcastID, &record.PreviousDJID, &record.NewDJID,
		&record.InitiatedByID, &record.Reason, &record.HandoverTime, &record.DurationSeconds)
	return record, err
}

// RecordHandover commits the handover inside a transaction: the broadcast row
// is locked, re-validated, the outgoing DJ's stint measured, and the current
// DJ pointer swapped together with the history insert.
func (r *postgresRepository) RecordHandover(params RecordHandoverParams) (models.HandoverRecord, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.HandoverRecord{}, fmt.Errorf("begin handover transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	broadcast, err := scanBroadcast(tx.QueryRow(ctx,
		"SELECT "+broadcastColumns+" FROM broadcasts WHERE id = $1 FOR UPDATE", params.BroadcastID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.HandoverRecord{}, fmt.Errorf("broadcast %s: %w", params.BroadcastID, ErrNotFound)
	}
	if err != nil {
		return models.HandoverRecord{}, fmt.Errorf("lock broadcast: %w", err)
	}
	if broadcast.Status != models.BroadcastLive {
		return models.HandoverRecord{}, fmt.Errorf("broadcast %s: %w", params.BroadcastID, ErrBroadcastNotLive)
	}
	if broadcast.CurrentDJID != nil && *broadcast.CurrentDJID == params.NewDJID {
		return models.HandoverRecord{}, fmt.Errorf("user %s: %w", params.NewDJID, ErrSameDJ)
	}

	at := params.At
	if at.IsZero() {
		at = time.Now()
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
	if broadcast.CurrentDJID != nil {
		outgoing := *broadcast.CurrentDJID
		record.PreviousDJID = &outgoing

		var onAir *time.Time
		err := tx.QueryRow(ctx,
			"SELECT handover_time FROM handovers WHERE broadcast_id = $1 AND new_dj_id = $2 ORDER BY handover_time DESC, id DESC LIMIT 1",
			params.BroadcastID, outgoing).Scan(&onAir)
		if errors.Is(err, pgx.ErrNoRows) {
			onAir = broadcast.ActualStart
		} else if err != nil {
			return models.HandoverRecord{}, fmt.Errorf("resolve stint start: %w", err)
		}
		if onAir != nil {
			seconds := int64(at.Sub(*onAir) / time.Second)
			if seconds < 0 {
				seconds = 0
			}
			record.DurationSeconds = &seconds
		}
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO handovers (id, broadcast_id, previous_dj_id, new_dj_id, initiated_by_id, reason, handover_time, duration_seconds) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		record.ID, record.BroadcastID, record.PreviousDJID, record.NewDJID, record.InitiatedByID, record.Reason, record.HandoverTime, record.DurationSeconds); err != nil {
		return models.HandoverRecord{}, fmt.Errorf("insert handover: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE broadcasts SET current_dj_id = $2, updated_at = now() WHERE id = $1",
		params.BroadcastID, params.NewDJID); err != nil {
		return models.HandoverRecord{}, fmt.Errorf("update current dj: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.HandoverRecord{}, fmt.Errorf("commit handover: %w", err)
	}
	return record, nil
}

func (r *postgresRepository) ListHandovers(broadcastID string) ([]models.HandoverRecord, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	var exists bool
	if err := r.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM broadcasts WHERE id = $1)", broadcastID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check broadcast: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("broadcast %s: %w", broadcastID, ErrNotFound)
	}

	rows, err := r.pool.Query(ctx,
		"SELECT "+handoverColumns+" FROM handovers WHERE broadcast_id = $1 ORDER BY handover_time, id", broadcastID)
	if err != nil {
		return nil, fmt.Errorf("query handovers: %w", err)
	}
	defer rows.Close()

	records := make([]models.HandoverRecord, 0)
	for rows.Next() {
		record, err := scanHandover(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handover: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

var _ Repository = (*postgresRepository)(nil)
