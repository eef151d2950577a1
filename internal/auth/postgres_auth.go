package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/toolmesh/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	UserID     string
	APIKeyHash string
	Metered    bool
	Revoked    bool
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := &keyRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, api_key_hash, metered, revoked_at IS NOT NULL
		 FROM api_keys
		 WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&row.UserID, &row.APIKeyHash, &row.Metered, &row.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("sqlKeyStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the api_keys table.
// Resolved callers are cached with stale-while-revalidate to keep bcrypt off the hot path.
// There is no fail-open mode: an unauthenticated call would bypass metering.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *cache.SWR[*Caller]
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return newPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cache.New[*Caller](ttl), cfg.Logger)
}

func newPostgresAuthenticatorWithStore(store KeyStore, callers *cache.SWR[*Caller], logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  store,
		cache:  callers,
		logger: logger,
	}
}

// Authenticate validates the API key.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale caller, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  2. Unknown or mismatched keys return ErrInvalidAPIKey, DB errors ErrAuthUnavailable.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*Caller, error) {
	result := a.cache.Get(token)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(token)
		}
		return result.Value, nil
	}

	caller, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("auth DB unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(token, caller)
	return caller, nil
}

// backgroundRefresh re-verifies a stale key. A failed refresh evicts the
// entry so the next request authenticates synchronously.
func (a *PostgresAuthenticator) backgroundRefresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.cache.Refresh(ctx, token, func(ctx context.Context) (*Caller, error) {
		return a.lookupAndVerify(ctx, token)
	})
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
	}
}

func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, token string) (*Caller, error) {
	// api_key_prefix is the first 8 chars (e.g. "tmk_abcd")
	if len(token) < 8 {
		return nil, ErrInvalidAPIKey
	}
	prefix := token[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &Caller{
		UserID:    row.UserID,
		KeyPrefix: prefix,
		Metered:   row.Metered,
	}, nil
}
