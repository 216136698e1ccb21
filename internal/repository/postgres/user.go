package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/pkg/database"
)

// verifiedBindingIndex is the partial unique index over verified bindings.
const verifiedBindingIndex = "users_verified_external_account_uidx"

const userColumns = `id, platform_user_id, username, first_name, last_name, referral_token,
	external_account_id, verification_status, group_access, verification_attempts,
	last_verification_at, created_at, updated_at`

const (
	queryUpsert = `
		INSERT INTO users (id, platform_user_id, username, first_name, last_name, referral_token)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (platform_user_id) DO UPDATE
		SET username = EXCLUDED.username,
		    first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    updated_at = now()
		RETURNING ` + userColumns

	queryGetByPlatformID = `SELECT ` + userColumns + ` FROM users WHERE platform_user_id = $1`

	queryReserveAttempt = `
		UPDATE users
		SET verification_attempts = verification_attempts + 1,
		    last_verification_at = now(),
		    updated_at = now()
		WHERE id = $1 AND verification_attempts < $2
		RETURNING verification_attempts`

	queryRefundAttempt = `
		UPDATE users
		SET verification_attempts = GREATEST(verification_attempts - 1, 0),
		    updated_at = now()
		WHERE id = $1`

	queryFindVerifiedOwner = `
		SELECT id FROM users
		WHERE external_account_id = $1 AND verification_status = 'verified'
		LIMIT 1`

	queryBindVerified = `
		UPDATE users
		SET external_account_id = $2,
		    verification_status = 'verified',
		    group_access = true,
		    last_verification_at = now(),
		    updated_at = now()
		WHERE id = $1 AND verification_status <> 'verified'`

	queryRevokeAccess = `
		UPDATE users
		SET group_access = false, updated_at = now()
		WHERE platform_user_id = $1`

	queryStats = `
		SELECT count(*),
		       count(*) FILTER (WHERE verification_status = 'verified'),
		       count(*) FILTER (WHERE group_access),
		       count(*) FILTER (WHERE created_at > now() - interval '24 hours')
		FROM users`

	queryListWithAccess = `SELECT ` + userColumns + ` FROM users WHERE group_access ORDER BY updated_at DESC LIMIT $1`
)

// UserRepository implements repository.UserRepository using PostgreSQL.
type UserRepository struct {
	db     database.DBTX
	tracer *database.QueryTracer
	newID  func() string
}

// NewUserRepository creates a new PostgreSQL-backed user repository.
// tracer may be nil.
func NewUserRepository(db database.DBTX, tracer *database.QueryTracer) *UserRepository {
	return &UserRepository{db: db, tracer: tracer, newID: uuid.NewString}
}

// Upsert inserts the user on first contact, or updates the profile fields.
func (r *UserRepository) Upsert(ctx context.Context, p domain.Profile) (u *domain.User, err error) {
	ctx, end := r.tracer.Trace(ctx, "Upsert", queryUpsert)
	defer func() { end(err) }()

	row := r.db.QueryRow(ctx, queryUpsert,
		r.newID(), p.PlatformUserID, p.Username, p.FirstName, p.LastName, r.newID(),
	)
	u, err = scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// GetByPlatformID retrieves a user by platform id.
func (r *UserRepository) GetByPlatformID(ctx context.Context, platformUserID int64) (u *domain.User, err error) {
	ctx, end := r.tracer.Trace(ctx, "GetByPlatformID", queryGetByPlatformID)
	defer func() { end(err) }()

	u, err = scanUser(r.db.QueryRow(ctx, queryGetByPlatformID, platformUserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ReserveAttempt takes one attempt from the user's budget of max and
// returns the new count. The check and the increment are one statement, so
// concurrent reservations never push the counter past max. A user with no
// budget left yields domain.ErrAttemptsExhausted.
func (r *UserRepository) ReserveAttempt(ctx context.Context, userID string, max int) (n int, err error) {
	ctx, end := r.tracer.Trace(ctx, "ReserveAttempt", queryReserveAttempt)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, queryReserveAttempt, userID, max).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrAttemptsExhausted
		}
		return 0, fmt.Errorf("reserve attempt: %w", err)
	}
	return n, nil
}

// RefundAttempt gives back an attempt taken by ReserveAttempt.
func (r *UserRepository) RefundAttempt(ctx context.Context, userID string) (err error) {
	ctx, end := r.tracer.Trace(ctx, "RefundAttempt", queryRefundAttempt)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, queryRefundAttempt, userID); err != nil {
		return fmt.Errorf("refund attempt: %w", err)
	}
	return nil
}

// FindVerifiedOwner returns the verified owner of externalAccountID or "".
func (r *UserRepository) FindVerifiedOwner(ctx context.Context, externalAccountID string) (id string, err error) {
	ctx, end := r.tracer.Trace(ctx, "FindVerifiedOwner", queryFindVerifiedOwner)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, queryFindVerifiedOwner, externalAccountID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("find verified owner: %w", err)
	}
	return id, nil
}

// BindVerified binds externalAccountID to the user. The partial unique
// index turns a lost race into *domain.DuplicateBindingError.
func (r *UserRepository) BindVerified(ctx context.Context, userID, externalAccountID string) (err error) {
	ctx, end := r.tracer.Trace(ctx, "BindVerified", queryBindVerified)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, queryBindVerified, userID, externalAccountID)
	if err != nil {
		if isBindingViolation(err) {
			return &domain.DuplicateBindingError{ExternalAccountID: externalAccountID}
		}
		return fmt.Errorf("bind verified: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyVerified
	}
	return nil
}

// RevokeAccess clears group access for the platform user.
func (r *UserRepository) RevokeAccess(ctx context.Context, platformUserID int64) (err error) {
	ctx, end := r.tracer.Trace(ctx, "RevokeAccess", queryRevokeAccess)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, queryRevokeAccess, platformUserID)
	if err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// Stats returns user counters.
func (r *UserRepository) Stats(ctx context.Context) (s *domain.Stats, err error) {
	ctx, end := r.tracer.Trace(ctx, "Stats", queryStats)
	defer func() { end(err) }()

	var st domain.Stats
	if err = r.db.QueryRow(ctx, queryStats).Scan(&st.Total, &st.Verified, &st.WithAccess, &st.Last24h); err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}
	return &st, nil
}

// ListWithAccess returns up to limit users holding group access.
func (r *UserRepository) ListWithAccess(ctx context.Context, limit int) (users []domain.User, err error) {
	ctx, end := r.tracer.Trace(ctx, "ListWithAccess", queryListWithAccess)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, queryListWithAccess, limit)
	if err != nil {
		return nil, fmt.Errorf("list users with access: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u      domain.User
		status string
	)
	err := row.Scan(
		&u.ID,
		&u.PlatformUserID,
		&u.Username,
		&u.FirstName,
		&u.LastName,
		&u.ReferralToken,
		&u.ExternalAccountID,
		&status,
		&u.GroupAccess,
		&u.VerificationAttempts,
		&u.LastVerificationAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.VerificationStatus = domain.VerificationStatus(status)
	return &u, nil
}

// isBindingViolation reports a unique violation on the verified-binding index.
func isBindingViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return pgErr.ConstraintName == "" || pgErr.ConstraintName == verifiedBindingIndex
}
