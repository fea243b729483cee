package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthenticator() *Authenticator {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAuthenticator("test-secret", logger)
}

func TestIssueAndParse(t *testing.T) {
	a := newAuthenticator()

	token, expires, err := a.IssueToken("user-1", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), expires, time.Minute)

	user, err := a.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, User{ID: "user-1", Role: RoleCustomer}, user)
}

func TestParseRejectsBadTokens(t *testing.T) {
	a := newAuthenticator()

	other := NewAuthenticator("other-secret", a.logger)
	foreign, _, err := other.IssueToken("user-1", RoleSeller)
	require.NoError(t, err)
	_, err = a.Parse(foreign)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	a.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	expired, _, err := a.IssueToken("user-1", RoleCustomer)
	require.NoError(t, err)
	a.now = time.Now
	_, err = a.Parse(expired)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Parse(unsigned)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = a.Parse("garbage")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestMiddlewareAttachesUser(t *testing.T) {
	a := newAuthenticator()
	token, _, err := a.IssueToken("seller-1", RoleSeller)
	require.NoError(t, err)

	var seen User
	var present bool
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, present = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, present)
	assert.Equal(t, "seller-1", seen.ID)

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, present)

	req = httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer nope")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, present)
}

func TestRequireRole(t *testing.T) {
	_, err := CurrentUser(context.Background())
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	ctx := WithUser(context.Background(), User{ID: "user-1", Role: RoleCustomer})
	_, err = RequireRole(ctx, RoleSeller)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	ctx = WithUser(context.Background(), User{ID: "seller-1", Role: RoleSeller})
	user, err := RequireRole(ctx, RoleSeller)
	require.NoError(t, err)
	assert.Equal(t, "seller-1", user.ID)
}

func TestSignOutRunsHooks(t *testing.T) {
	a := newAuthenticator()
	var dropped []string
	a.OnSignOut(func(userID string) { dropped = append(dropped, "cart:"+userID) })
	a.OnSignOut(func(userID string) { dropped = append(dropped, "checkout:"+userID) })

	a.SignOut("user-1")
	assert.Equal(t, []string{"cart:user-1", "checkout:user-1"}, dropped)
}
