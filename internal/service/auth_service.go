package service

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	jwtutil "panda-hub/pkg/jwt"
)

const (
	defaultAccessTokenTTL  = 2 * time.Hour
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)

type AuthService struct {
	accountRepo repository.AccountRepository
	auditRepo   repository.AuditRepository
	pool        *pgxpool.Pool
	privateKey  *rsa.PrivateKey
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

func NewAuthService(
	accountRepo repository.AccountRepository,
	auditRepo repository.AuditRepository,
	pool *pgxpool.Pool,
	privateKey *rsa.PrivateKey,
) *AuthService {
	return &AuthService{
		accountRepo: accountRepo,
		auditRepo:   auditRepo,
		pool:        pool,
		privateKey:  privateKey,
		accessTTL:   defaultAccessTokenTTL,
		refreshTTL:  defaultRefreshTokenTTL,
	}
}

func (s *AuthService) Login(ctx context.Context, username, password string) (accessToken, refreshToken string, err error) {
	if s.privateKey == nil {
		return "", "", errors.New("private key is nil")
	}

	account, err := s.accountRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", "", ErrInvalidCredentials
		}
		return "", "", err
	}

	if !account.Active {
		return "", "", ErrAccountInactive
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return "", "", ErrInvalidCredentials
	}

	accessToken, refreshToken, err = s.issueTokens(ctx, account)
	if err != nil {
		return "", "", err
	}

	s.writeAudit(ctx, &account.ID, "account.login")

	return accessToken, refreshToken, nil
}

func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (newAccessToken, newRefreshToken string, err error) {
	if s.privateKey == nil {
		return "", "", errors.New("private key is nil")
	}
	if refreshToken == "" {
		return "", "", ErrRefreshTokenInvalid
	}

	tokenHash := hashToken(refreshToken)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var accountID uuid.UUID
	var username string
	var role model.AccountRole
	var active bool
	var expiresAt time.Time

	query := `
		SELECT rt.account_id, rt.expires_at, a.username, a.role, a.active
		FROM refresh_tokens rt
		JOIN accounts a ON a.id = rt.account_id
		WHERE rt.token_hash = $1
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, query, tokenHash).Scan(
		&accountID,
		&expiresAt,
		&username,
		&role,
		&active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrRefreshTokenInvalid
		}
		return "", "", err
	}

	now := time.Now().UTC()
	if !expiresAt.After(now) {
		if _, delErr := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash); delErr != nil {
			return "", "", delErr
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return "", "", commitErr
		}
		return "", "", ErrRefreshTokenExpired
	}

	if !active {
		return "", "", ErrAccountInactive
	}

	claims := jwtutil.NewClaims(accountID.String(), username, string(role), s.accessTTL)
	newAccessToken, err = jwtutil.GenerateAccessToken(claims, s.privateKey)
	if err != nil {
		return "", "", err
	}

	newRefreshToken, err = jwtutil.GenerateRefreshToken()
	if err != nil {
		return "", "", err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return "", "", err
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO refresh_tokens (token_hash, account_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		hashToken(newRefreshToken),
		accountID,
		now.Add(s.refreshTTL),
		now,
	); err != nil {
		return "", "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", "", err
	}

	return newAccessToken, newRefreshToken, nil
}

func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return ErrRefreshTokenInvalid
	}

	var accountID uuid.UUID
	err := s.pool.QueryRow(
		ctx,
		`DELETE FROM refresh_tokens WHERE token_hash = $1 RETURNING account_id`,
		hashToken(refreshToken),
	).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}

	s.writeAudit(ctx, &accountID, "account.logout")

	return nil
}

// RevokeAllSessions drops every refresh token for the account, used
// after a password change.
func (s *AuthService) RevokeAllSessions(ctx context.Context, accountID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE account_id = $1`, accountID)
	return err
}

func (s *AuthService) issueTokens(ctx context.Context, account *model.Account) (string, string, error) {
	if account == nil {
		return "", "", ErrAccountNotFound
	}

	claims := jwtutil.NewClaims(account.ID.String(), account.Username, string(account.Role), s.accessTTL)
	accessToken, err := jwtutil.GenerateAccessToken(claims, s.privateKey)
	if err != nil {
		return "", "", err
	}

	refreshToken, err := jwtutil.GenerateRefreshToken()
	if err != nil {
		return "", "", err
	}

	now := time.Now().UTC()
	if _, err := s.pool.Exec(
		ctx,
		`INSERT INTO refresh_tokens (token_hash, account_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		hashToken(refreshToken),
		account.ID,
		now.Add(s.refreshTTL),
		now,
	); err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

func (s *AuthService) writeAudit(ctx context.Context, accountID *uuid.UUID, action string) {
	if s.auditRepo == nil {
		return
	}

	_ = s.auditRepo.Create(ctx, &model.AuditLog{
		AccountID:    accountID,
		Action:       action,
		ResourceType: strPtr("account"),
		ResourceID:   uuidToStringPtr(accountID),
		CreatedAt:    time.Now().UTC(),
	})
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func strPtr(v string) *string {
	return &v
}

func uuidToStringPtr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	v := id.String()
	return &v
}
