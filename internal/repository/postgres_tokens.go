package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/pantry-auth/internal/domain"
)

// PostgresRefreshTokenRepo implements RefreshTokenRepository.
type PostgresRefreshTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRefreshTokenRepo(pool *pgxpool.Pool) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: pool}
}

const refreshTokenColumns = `id, user_id, token_hash, user_agent, expires_at, revoked_at, created_at`

func scanRefreshToken(row pgx.Row) (domain.RefreshToken, error) {
	var token domain.RefreshToken
	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.UserAgent,
		&token.ExpiresAt,
		&token.RevokedAt,
		&token.CreatedAt,
	)
	return token, err
}

func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	created, err := scanRefreshToken(conn(ctx, r.db).QueryRow(ctx, `INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+refreshTokenColumns,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.UserAgent,
		token.ExpiresAt,
		token.RevokedAt,
		token.CreatedAt,
	))
	if err != nil {
		return domain.RefreshToken{}, writeError("create refresh token", err)
	}
	return created, nil
}

func (r *PostgresRefreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	token, err := scanRefreshToken(conn(ctx, r.db).QueryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &token, nil
}

func (r *PostgresRefreshTokenRepo) RevokeIfActive(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `UPDATE refresh_tokens SET revoked_at = $2
WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash, now)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID int64, now time.Time) (int64, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `UPDATE refresh_tokens SET revoked_at = $2
WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRefreshTokenRepo) ListActive(ctx context.Context, userID int64, now time.Time) ([]domain.RefreshToken, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens
WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
ORDER BY created_at DESC, id DESC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.RefreshToken
	for rows.Next() {
		token, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (r *PostgresRefreshTokenRepo) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRefreshTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresDeviceCodeRepo implements DeviceCodeRepository.
type PostgresDeviceCodeRepo struct {
	db *pgxpool.Pool
}

func NewPostgresDeviceCodeRepo(pool *pgxpool.Pool) *PostgresDeviceCodeRepo {
	return &PostgresDeviceCodeRepo{db: pool}
}

const deviceCodeColumns = `id, device_code, user_code, client_id, status, user_id, expires_at, interval_seconds, last_polled_at, created_at`

func scanDeviceCode(row pgx.Row) (domain.DeviceCode, error) {
	var (
		code     domain.DeviceCode
		status   string
		interval int32
	)
	err := row.Scan(
		&code.ID,
		&code.DeviceCode,
		&code.UserCode,
		&code.ClientID,
		&status,
		&code.UserID,
		&code.ExpiresAt,
		&interval,
		&code.LastPolledAt,
		&code.CreatedAt,
	)
	code.Status = domain.DeviceStatus(status)
	code.Interval = time.Duration(interval) * time.Second
	return code, err
}

func (r *PostgresDeviceCodeRepo) Create(ctx context.Context, code domain.DeviceCode) (domain.DeviceCode, error) {
	created, err := scanDeviceCode(conn(ctx, r.db).QueryRow(ctx, `INSERT INTO device_codes (`+deviceCodeColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+deviceCodeColumns,
		code.ID,
		code.DeviceCode,
		code.UserCode,
		code.ClientID,
		string(code.Status),
		code.UserID,
		code.ExpiresAt,
		int32(code.Interval/time.Second),
		code.LastPolledAt,
		code.CreatedAt,
	))
	if err != nil {
		return domain.DeviceCode{}, writeError("create device code", err)
	}
	return created, nil
}

func (r *PostgresDeviceCodeRepo) FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error) {
	code, err := scanDeviceCode(conn(ctx, r.db).QueryRow(ctx, `SELECT `+deviceCodeColumns+` FROM device_codes WHERE device_code = $1`, deviceCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device code: %w", err)
	}
	return &code, nil
}

func (r *PostgresDeviceCodeRepo) FindPendingByUserCode(ctx context.Context, userCode string, now time.Time) (*domain.DeviceCode, error) {
	code, err := scanDeviceCode(conn(ctx, r.db).QueryRow(ctx, `SELECT `+deviceCodeColumns+` FROM device_codes
WHERE user_code = $1 AND status = 'pending' AND expires_at > $2`, userCode, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device code by user code: %w", err)
	}
	return &code, nil
}

func (r *PostgresDeviceCodeRepo) Transition(ctx context.Context, id int64, from, to domain.DeviceStatus, userID *int64) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `UPDATE device_codes SET status = $3, user_id = $4
WHERE id = $1 AND status = $2`, id, string(from), string(to), userID)
	if err != nil {
		return false, fmt.Errorf("transition device code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresDeviceCodeRepo) TouchPoll(ctx context.Context, id int64, now time.Time, minSpacing time.Duration) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `UPDATE device_codes SET last_polled_at = $2
WHERE id = $1 AND (last_polled_at IS NULL OR last_polled_at <= $3)`, id, now, now.Add(-minSpacing))
	if err != nil {
		return false, fmt.Errorf("record device poll: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresDeviceCodeRepo) Consume(ctx context.Context, id int64) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM device_codes WHERE id = $1 AND status = 'approved'`, id)
	if err != nil {
		return false, fmt.Errorf("consume device code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresDeviceCodeRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM device_codes WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge device codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
