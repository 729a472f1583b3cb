package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/leasegate/internal/models"
	pkghttp "github.com/BradenHooton/leasegate/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey holds the validated access token claims
	ClaimsContextKey contextKey = "claims"
)

// TokenRevocationChecker defines the interface for checking if tokens are revoked
type TokenRevocationChecker interface {
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// RevocationConfig holds configuration for token revocation behavior
type RevocationConfig struct {
	FailClosed bool // deny with 503 when the revocation store cannot be reached
}

// AccountGetter loads the current account for role checks
type AccountGetter interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// BearerToken returns the token from an "Authorization: Bearer" header, or ""
func BearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthMiddleware validates access tokens and injects their claims into the context
func AuthMiddleware(tm *TokenManager, revocationChecker TokenRevocationChecker, revocationConfig RevocationConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				pkghttp.WriteUnauthorized(w, "missing authorization header")
				return
			}

			tokenString := BearerToken(r)
			if tokenString == "" {
				pkghttp.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			// Refresh tokens are not accepted for API access
			if claims.Type != models.TokenTypeAccess {
				pkghttp.WriteUnauthorized(w, "refresh tokens cannot be used for API access")
				return
			}

			if revocationChecker != nil && claims.ID != "" {
				revoked, err := revocationChecker.IsTokenRevoked(r.Context(), claims.ID)
				if err != nil && revocationConfig.FailClosed {
					pkghttp.WriteServiceUnavailable(w, "unable to verify token status")
					return
				}
				if revoked {
					pkghttp.WriteUnauthorized(w, "token has been revoked")
					return
				}
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// activeAccount loads the caller's account and writes the rejection when it is
// missing or no longer active
func activeAccount(w http.ResponseWriter, r *http.Request, accounts AccountGetter) *models.Account {
	claims := GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return nil
	}

	account, err := accounts.GetByID(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteUnauthorized(w, "account not found")
			return nil
		}
		pkghttp.WriteInternalError(w, "internal server error")
		return nil
	}

	if !account.IsActive() {
		pkghttp.WriteUnauthorized(w, "account is not active")
		return nil
	}
	return account
}

// RequireActive refuses tokens whose account has since been deactivated.
// Must be used after AuthMiddleware.
func RequireActive(accounts AccountGetter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if activeAccount(w, r, accounts) == nil {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole enforces the account's current role, read from storage rather
// than the token. Must be used after AuthMiddleware.
func RequireRole(accounts AccountGetter, role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := activeAccount(w, r, accounts)
			if account == nil {
				return
			}
			if account.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims extracts the access token claims from the request context
func GetClaims(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(ClaimsContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

// WithClaims returns ctx carrying claims, for handlers invoked outside AuthMiddleware
func WithClaims(ctx context.Context, claims *models.TokenClaims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}
