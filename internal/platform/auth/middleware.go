package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/icdbridge/icdbridge/internal/domain/account"
)

// Every authentication failure wraps ErrUnauthorized.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrMissingCreds    = fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	ErrInvalidKey      = fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	ErrKeyRevoked      = fmt.Errorf("%w: api key revoked", ErrUnauthorized)
	ErrInvalidToken    = fmt.Errorf("%w: invalid or expired token", ErrUnauthorized)
	ErrInactiveAccount = fmt.Errorf("%w: account is not active", ErrUnauthorized)
)

type contextKey string

const AccountKey contextKey = "account"

// APIKeyHeader is the dedicated API key header.
const APIKeyHeader = "X-API-Key"

// Credential is what a request presented: a value from X-API-Key, or a
// bearer token from Authorization that may itself be an API key.
type Credential struct {
	APIKey string
	Bearer string
}

// CredentialFromRequest extracts the credential from request headers.
func CredentialFromRequest(r *http.Request) Credential {
	var cred Credential
	cred.APIKey = strings.TrimSpace(r.Header.Get(APIKeyHeader))

	authHeader := r.Header.Get(echo.HeaderAuthorization)
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		cred.Bearer = strings.TrimSpace(parts[1])
	}
	return cred
}

// AccountStore resolves the account behind a credential.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*account.Account, error)
}

// Authenticator resolves credentials to active accounts.
type Authenticator struct {
	accounts AccountStore
	keys     *APIKeyManager
	tokens   *TokenIssuer
}

func NewAuthenticator(accounts AccountStore, keys *APIKeyManager, tokens *TokenIssuer) *Authenticator {
	return &Authenticator{accounts: accounts, keys: keys, tokens: tokens}
}

// Authenticate returns the active account for cred. X-API-Key wins over
// Authorization; a bearer value with the API key prefix is treated as a key,
// anything else as a JWT.
func (a *Authenticator) Authenticate(ctx context.Context, cred Credential) (*account.Account, error) {
	var id uuid.UUID
	switch {
	case cred.APIKey != "":
		key, err := a.keys.ValidateKey(ctx, cred.APIKey)
		if err != nil {
			return nil, err
		}
		id = key.AccountID
	case strings.HasPrefix(cred.Bearer, APIKeyPrefix):
		key, err := a.keys.ValidateKey(ctx, cred.Bearer)
		if err != nil {
			return nil, err
		}
		id = key.AccountID
	case cred.Bearer != "":
		if a.tokens == nil {
			return nil, ErrInvalidToken
		}
		sub, err := a.tokens.Verify(cred.Bearer)
		if err != nil {
			return nil, err
		}
		id = sub
	default:
		return nil, ErrMissingCreds
	}

	acct, err := a.accounts.GetByID(ctx, id)
	if errors.Is(err, account.ErrNotFound) {
		return nil, fmt.Errorf("%w: account not found", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !acct.IsActive() {
		return nil, ErrInactiveAccount
	}
	return acct, nil
}

// Middleware authenticates every request and stores the account on the
// request context. Failures answer 401.
func Middleware(authn *Authenticator, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			acct, err := authn.Authenticate(c.Request().Context(), CredentialFromRequest(c.Request()))
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="icdbridge"`)
					return echo.NewHTTPError(http.StatusUnauthorized, strings.TrimPrefix(err.Error(), "unauthorized: "))
				}
				logger.Error().Err(err).Msg("authentication backend failure")
				return echo.NewHTTPError(http.StatusInternalServerError, "authentication unavailable")
			}

			c.Set("account_id", acct.ID.String())
			c.SetRequest(c.Request().WithContext(WithAccount(c.Request().Context(), acct)))
			return next(c)
		}
	}
}

func WithAccount(ctx context.Context, a *account.Account) context.Context {
	return context.WithValue(ctx, AccountKey, a)
}

// AccountFromContext returns the authenticated account, or nil.
func AccountFromContext(ctx context.Context) *account.Account {
	a, _ := ctx.Value(AccountKey).(*account.Account)
	return a
}
