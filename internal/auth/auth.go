package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/sirupsen/logrus"
)

const (
	RoleCustomer = "customer"
	RoleSeller   = "seller"

	DefaultTokenTTL = 24 * time.Hour
)

type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type contextKey struct{}

func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(contextKey{}).(User)
	return user, ok && user.ID != ""
}

// CurrentUser returns the signed-in user or apperr.ErrUnauthenticated.
func CurrentUser(ctx context.Context) (User, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return User{}, apperr.ErrUnauthenticated
	}
	return user, nil
}

// RequireRole is CurrentUser plus a role check that fails with apperr.ErrForbidden.
func RequireRole(ctx context.Context, role string) (User, error) {
	user, err := CurrentUser(ctx)
	if err != nil {
		return User{}, err
	}
	if user.Role != role {
		return User{}, fmt.Errorf("role %q required: %w", role, apperr.ErrForbidden)
	}
	return user, nil
}

// Authenticator issues and verifies HS256 session tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger

	mutex     sync.RWMutex
	onSignOut []func(userID string)
}

func NewAuthenticator(secret string, logger *logrus.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		logger: logger,
	}
}

func (a *Authenticator) IssueToken(userID, role string) (string, time.Time, error) {
	if role == "" {
		role = RoleCustomer
	}
	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies a token and returns its user. Any failure is reported as
// apperr.ErrUnauthenticated.
func (a *Authenticator) Parse(tokenString string) (User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return User{}, fmt.Errorf("invalid token: %v: %w", err, apperr.ErrUnauthenticated)
	}
	if claims.UserID == "" {
		return User{}, fmt.Errorf("token has no user: %w", apperr.ErrUnauthenticated)
	}
	return User{ID: claims.UserID, Role: claims.Role}, nil
}

// Middleware attaches the user of a valid bearer token to the request
// context. Requests without a valid token pass through anonymously; handlers
// decide whether a user is required.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		user, err := a.Parse(tokenString)
		if err != nil {
			a.logger.WithError(err).WithField("path", r.URL.Path).Debug("Ignoring invalid session token")
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
			return parts[1], true
		}
		return "", false
	}
	// Browsers cannot set headers on WebSocket upgrades.
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// OnSignOut registers a hook that runs when a user signs out.
func (a *Authenticator) OnSignOut(fn func(userID string)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onSignOut = append(a.onSignOut, fn)
}

// SignOut resets the per-session state held for userID.
func (a *Authenticator) SignOut(userID string) {
	a.mutex.RLock()
	hooks := append([]func(string){}, a.onSignOut...)
	a.mutex.RUnlock()

	for _, fn := range hooks {
		fn(userID)
	}
	a.logger.WithField("user_id", userID).Info("User signed out")
}
