package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/relaymux/relaymux/internal/observability"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
)

// Authenticator resolves Authorization headers into principals.
type Authenticator struct {
	store     Store
	masterKey string
	logger    *observability.Logger
}

// NewAuthenticator creates an authenticator backed by store. masterKey
// may be empty to disable master access.
func NewAuthenticator(store Store, masterKey string, logger *observability.Logger) *Authenticator {
	return &Authenticator{
		store:     store,
		masterKey: masterKey,
		logger:    logger,
	}
}

// Authenticate validates the raw Authorization header value and returns
// the principal. Failures map to the gateway error taxonomy.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Principal, error) {
	rawKey, err := ParseAuthHeader(header)
	if err != nil {
		return nil, gwerrors.NewAuthenticationError("missing or malformed authorization header")
	}

	if a.masterKey != "" &&
		subtle.ConstantTimeCompare([]byte(rawKey), []byte(a.masterKey)) == 1 {
		return &Principal{Master: true}, nil
	}

	key, err := a.store.GetKeyByHash(ctx, HashKey(rawKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			a.logger.WithRequestID(ctx).Warn("unknown api key", "key", MaskKey(rawKey))
			return nil, gwerrors.NewAuthenticationError("invalid api key")
		}
		return nil, gwerrors.NewInternalError("key lookup failed")
	}

	if key.IsBlocked() {
		return nil, gwerrors.NewPermissionDeniedError("api key is blocked")
	}
	if key.IsExpired() {
		return nil, gwerrors.NewAuthenticationError("api key has expired")
	}

	principal := &Principal{Key: key}
	if key.UserID != nil {
		user, err := a.store.GetUser(ctx, *key.UserID)
		if err == nil {
			if user.IsBlocked() {
				return nil, gwerrors.NewPermissionDeniedError("user is blocked")
			}
			principal.User = user
		} else if !errors.Is(err, ErrUserNotFound) {
			return nil, gwerrors.NewInternalError("user lookup failed")
		}
	}
	if key.TeamID != nil {
		team, err := a.store.GetTeam(ctx, *key.TeamID)
		if err == nil {
			if team.IsBlocked() {
				return nil, gwerrors.NewPermissionDeniedError("team is blocked")
			}
			principal.Team = team
		} else if !errors.Is(err, ErrTeamNotFound) {
			return nil, gwerrors.NewInternalError("team lookup failed")
		}
	}
	if principal.Team != nil && principal.Team.OrgID != nil {
		org, err := a.store.GetOrg(ctx, *principal.Team.OrgID)
		if err == nil {
			if org.IsBlocked() {
				return nil, gwerrors.NewPermissionDeniedError("org is blocked")
			}
			principal.Org = org
		} else if !errors.Is(err, ErrOrgNotFound) {
			return nil, gwerrors.NewInternalError("org lookup failed")
		}
	}

	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.store.TouchLastUsed(touchCtx, key.ID, time.Now())
	}()

	return principal, nil
}

// Middleware enforces authentication on wrapped handlers. writeError
// renders a gateway error to the response.
func (a *Authenticator) Middleware(writeError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireMaster wraps handlers that need master-key access.
func RequireMaster(writeError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil || !p.Master {
				writeError(w, r, gwerrors.NewPermissionDeniedError("master key required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
