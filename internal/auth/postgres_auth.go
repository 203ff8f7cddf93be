package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/registry"
)

// keyPrefixLen is how many characters of an API key are stored in clear for
// indexed lookup. The remainder is verified against the bcrypt hash.
const keyPrefixLen = 13

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	UserID        string
	APIKeyHash    string
	MaxPermission string
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, api_key_hash, max_permission
		FROM api_keys
		WHERE api_key_prefix = $1 AND revoked_at IS NULL
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.UserID, &r.APIKeyHash, &r.MaxPermission); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the api_keys table.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlKeyStore{db: cfg.DB},
		cache:  NewAuthCache(ttl),
		logger: cfg.Logger,
	}
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom
// store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewAuthCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(r *http.Request) (*CallerContext, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	if len(token) < keyPrefixLen {
		return nil, ErrUnauthenticated
	}

	cached := a.cache.Get(token)
	if cached.Hit && !cached.NeedsRefresh {
		if cached.Caller == nil {
			return nil, ErrUnauthenticated
		}
		return cached.Caller, nil
	}

	caller, err := a.lookup(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			// Negative cache: repeated bad keys skip the DB and bcrypt work.
			a.cache.Set(token, nil)
			return nil, ErrUnauthenticated
		}
		a.logger.Error("api key lookup failed", zap.Error(err))
		if cached.Hit && cached.Caller != nil {
			// Stale-while-revalidate: serve the last known identity when
			// the database is unreachable.
			return cached.Caller, nil
		}
		return nil, ErrUnauthenticated
	}

	a.cache.Set(token, caller)
	return caller, nil
}

func (a *PostgresAuthenticator) lookup(ctx context.Context, token string) (*CallerContext, error) {
	row, err := a.store.LookupByPrefix(ctx, token[:keyPrefixLen])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	perm := registry.PermissionLevel(row.MaxPermission)
	switch perm {
	case registry.PermissionRead, registry.PermissionWrite, registry.PermissionAdmin:
	default:
		perm = registry.PermissionRead
	}

	return &CallerContext{
		UserID:        row.UserID,
		MaxPermission: perm,
	}, nil
}
