package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter"

	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/model"
	"github.com/crewtrack/crewtrack/internal/service"
	"github.com/crewtrack/crewtrack/internal/store"
)

const (
	authCacheCapacity = 4096
	// Short TTL so deactivation and role changes propagate without a
	// token revocation mechanism.
	authCacheTTL = 30 * time.Second
)

type callerKey struct{}

// CallerFromContext returns the authenticated user attached by the
// middleware, or nil outside an authenticated request.
func CallerFromContext(ctx context.Context) *model.User {
	u, _ := ctx.Value(callerKey{}).(*model.User)
	return u
}

func withCaller(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, callerKey{}, u)
}

// authEntry is the cached identity: the user row plus the one company fact
// the gate needs.
type authEntry struct {
	user            model.User
	companyDisabled bool
}

// Authenticator verifies HS256 bearer tokens and resolves them to users.
// Lookups are cached briefly; the token itself is stateless.
type Authenticator struct {
	secret []byte
	store  *store.Store
	errs   *errorlog.Sink
	users  otter.Cache[string, authEntry]
}

// NewAuthenticator creates the JWT gate.
func NewAuthenticator(secret string, st *store.Store, errs *errorlog.Sink) *Authenticator {
	users, err := otter.MustBuilder[string, authEntry](authCacheCapacity).
		WithTTL(authCacheTTL).
		Build()
	if err != nil {
		panic("api: failed to create auth cache: " + err.Error())
	}
	return &Authenticator{
		secret: []byte(secret),
		store:  st,
		errs:   errs,
		users:  users,
	}
}

// Middleware authenticates every request and attaches the caller to the
// context. Disabled-company members below super-admin are refused.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, serr := a.Authenticate(r)
		if serr != nil {
			writeServiceError(w, serr)
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), user)))
	})
}

// Authenticate resolves the request's bearer token to an active user.
func (a *Authenticator) Authenticate(r *http.Request) (*model.User, *service.ServiceError) {
	raw, serr := requestToken(r)
	if serr != nil {
		return nil, serr
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, unauthenticatedError("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, unauthenticatedError("invalid token claims")
	}
	userID := subjectOf(claims)
	if userID == "" {
		return nil, unauthenticatedError("token carries no subject")
	}

	entry, found, err := a.lookup(userID)
	if err != nil {
		a.errs.Logf("auth", "STORE_LOOKUP", userID, "identity lookup failed: %v", err)
		return nil, &service.ServiceError{Code: "STORAGE", Message: "identity lookup failed", Err: err}
	}
	if !found {
		return nil, unauthenticatedError("unknown user")
	}
	if !entry.user.Active {
		return nil, unauthenticatedError("account is deactivated")
	}
	if entry.companyDisabled && entry.user.Role != model.RoleSuperAdmin {
		return nil, permissionDeniedError("company is disabled")
	}
	user := entry.user
	return &user, nil
}

// requestToken extracts the raw JWT. Browsers cannot set headers on a
// websocket handshake, so a token query parameter is accepted everywhere.
func requestToken(r *http.Request) (string, *service.ServiceError) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		tok, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || tok == "" {
			return "", unauthenticatedError("invalid Authorization header format")
		}
		return tok, nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", unauthenticatedError("missing bearer token")
}

// subjectOf reads the user id from sub, falling back to the legacy id and
// userId claim names still minted by older token issuers.
func subjectOf(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	for _, key := range []string{"id", "userId"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (a *Authenticator) lookup(userID string) (authEntry, bool, error) {
	if entry, ok := a.users.Get(userID); ok {
		return entry, true, nil
	}
	user, err := a.store.GetUser(userID)
	if err != nil {
		return authEntry{}, false, err
	}
	if user == nil {
		return authEntry{}, false, nil
	}
	entry := authEntry{user: *user}
	if user.CompanyID != "" {
		company, err := a.store.GetCompany(user.CompanyID)
		if err != nil {
			return authEntry{}, false, err
		}
		entry.companyDisabled = company != nil && company.Status == model.CompanyStatusDisabled
	}
	a.users.Set(userID, entry)
	return entry, true, nil
}

func unauthenticatedError(msg string) *service.ServiceError {
	return &service.ServiceError{Code: "UNAUTHENTICATED", Message: msg}
}

func permissionDeniedError(msg string) *service.ServiceError {
	return &service.ServiceError{Code: "PERMISSION_DENIED", Message: msg}
}
