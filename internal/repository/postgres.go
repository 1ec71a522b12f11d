package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ UserRepository         = (*PostgresUserRepo)(nil)
	_ OAuthLinkRepository    = (*PostgresLinkRepo)(nil)
	_ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
	_ DeviceCodeRepository   = (*PostgresDeviceCodeRepo)(nil)
)

const uniqueViolation = "23505"

// writeError maps driver errors on inserts and updates onto domain errors.
func writeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w (%s)", op, domain.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const userColumns = `id, email, name, avatar_url, household_id, role, status, deletion_scheduled_at, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user   domain.User
		status string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.AvatarURL,
		&user.HouseholdID,
		&user.Role,
		&status,
		&user.DeletionScheduledAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	user.Status = domain.UserStatus(status)
	return user, err
}

func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	user, err := scanUser(conn(ctx, r.db).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &user, nil
}

func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	user, err := scanUser(conn(ctx, r.db).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

const insertUserSQL = `INSERT INTO users (id, email, name, avatar_url, household_id, role, status, deletion_scheduled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING ` + userColumns

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	if user.Status == "" {
		user.Status = domain.UserStatusActive
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	created, err := scanUser(conn(ctx, r.db).QueryRow(ctx, insertUserSQL,
		user.ID,
		user.Email,
		user.Name,
		user.AvatarURL,
		user.HouseholdID,
		user.Role,
		string(user.Status),
		user.DeletionScheduledAt,
		user.CreatedAt,
	))
	if err != nil {
		return domain.User{}, writeError("create user", err)
	}
	return created, nil
}

const updateProfileSQL = `UPDATE users SET name = $2, avatar_url = $3, household_id = $4, role = $5, updated_at = now()
WHERE id = $1
RETURNING ` + userColumns

func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, user domain.User) (domain.User, error) {
	updated, err := scanUser(conn(ctx, r.db).QueryRow(ctx, updateProfileSQL, user.ID, user.Name, user.AvatarURL, user.HouseholdID, user.Role))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("update user %d: %w", user.ID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, writeError("update user", err)
	}
	return updated, nil
}

const transitionUserSQL = `UPDATE users SET status = $3, deletion_scheduled_at = $4, updated_at = now()
WHERE id = $1 AND status = $2
RETURNING ` + userColumns

func (r *PostgresUserRepo) TransitionStatus(ctx context.Context, id int64, from, to domain.UserStatus, deletionAt *time.Time) (domain.User, error) {
	q := conn(ctx, r.db)
	updated, err := scanUser(q.QueryRow(ctx, transitionUserSQL, id, string(from), string(to), deletionAt))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("transition user status: %w", err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.User{}, fmt.Errorf("check user exists: %w", err)
	}
	if !exists {
		return domain.User{}, fmt.Errorf("transition user %d: %w", id, domain.ErrNotFound)
	}
	return domain.User{}, fmt.Errorf("transition user %d from %s: %w", id, from, domain.ErrInvalidState)
}

func (r *PostgresUserRepo) ListDeletionDue(ctx context.Context, now time.Time) ([]domain.User, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `SELECT `+userColumns+` FROM users
WHERE status = 'pending_deletion' AND deletion_scheduled_at <= $1
ORDER BY deletion_scheduled_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list deletion due: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *PostgresUserRepo) LockForUpdate(ctx context.Context, id int64) error {
	var one int
	err := conn(ctx, r.db).QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock user %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) DeleteIfDue(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM users
WHERE id = $1 AND status = 'pending_deletion' AND deletion_scheduled_at <= $2`, id, now)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PostgresLinkRepo implements OAuthLinkRepository.
type PostgresLinkRepo struct {
	db *pgxpool.Pool
}

func NewPostgresLinkRepo(pool *pgxpool.Pool) *PostgresLinkRepo {
	return &PostgresLinkRepo{db: pool}
}

const linkColumns = `id, user_id, provider, provider_user_id, email, encrypted_refresh_token, created_at`

func scanLink(row pgx.Row) (oauth.Link, error) {
	var link oauth.Link
	err := row.Scan(
		&link.ID,
		&link.UserID,
		&link.Provider,
		&link.ProviderUserID,
		&link.Email,
		&link.EncryptedRefreshToken,
		&link.CreatedAt,
	)
	return link, err
}

func (r *PostgresLinkRepo) FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*oauth.Link, error) {
	link, err := scanLink(conn(ctx, r.db).QueryRow(ctx, `SELECT `+linkColumns+` FROM oauth_links
WHERE provider = $1 AND provider_user_id = $2`, provider, providerUserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth link: %w", err)
	}
	return &link, nil
}

func (r *PostgresLinkRepo) ListByUser(ctx context.Context, userID int64) ([]oauth.Link, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `SELECT `+linkColumns+` FROM oauth_links WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list oauth links: %w", err)
	}
	defer rows.Close()

	var links []oauth.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan oauth link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (r *PostgresLinkRepo) Create(ctx context.Context, link oauth.Link) (oauth.Link, error) {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	created, err := scanLink(conn(ctx, r.db).QueryRow(ctx, `INSERT INTO oauth_links (`+linkColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+linkColumns,
		link.ID,
		link.UserID,
		link.Provider,
		link.ProviderUserID,
		link.Email,
		link.EncryptedRefreshToken,
		link.CreatedAt,
	))
	if err != nil {
		return oauth.Link{}, writeError("create oauth link", err)
	}
	return created, nil
}

func (r *PostgresLinkRepo) UpdateProviderToken(ctx context.Context, id int64, encrypted []byte) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `UPDATE oauth_links SET encrypted_refresh_token = $2 WHERE id = $1`, id, encrypted)
	if err != nil {
		return fmt.Errorf("update oauth link token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update oauth link %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresLinkRepo) Delete(ctx context.Context, userID int64, provider string) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM oauth_links WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return false, fmt.Errorf("delete oauth link: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresLinkRepo) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM oauth_links WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete oauth links: %w", err)
	}
	return tag.RowsAffected(), nil
}
