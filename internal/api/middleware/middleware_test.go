package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set(AuthorizationHeaderKey, token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticate_SetsActor(t *testing.T) {
	m := NewAuthMiddleware("s3cret")
	r := gin.New()
	r.GET("/whoami", m.Authenticate(), func(c *gin.Context) {
		a := ActorFrom(c)
		c.JSON(http.StatusOK, gin.H{"user": a.UserID, "admin": a.Admin})
	})

	tok, err := m.IssueToken("alice", RoleAdmin, time.Hour)
	require.NoError(t, err)

	w := serve(r, "Bearer "+tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"alice","admin":true}`, w.Body.String())
}

func TestAuthenticate_Rejects(t *testing.T) {
	m := NewAuthMiddleware("s3cret")
	r := gin.New()
	r.GET("/whoami", m.Authenticate(), func(c *gin.Context) { c.Status(http.StatusOK) })

	expired, err := m.IssueToken("alice", RoleUser, -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": RoleUser,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage", "Bearer abc.def.ghi"},
		{"expired", "Bearer " + expired},
		{"no subject", "Bearer " + noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, serve(r, tt.header).Code)
		})
	}
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	m := NewAuthMiddleware("s3cret")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", "role": RoleAdmin}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthorizeRole(t *testing.T) {
	m := NewAuthMiddleware("s3cret")
	r := gin.New()
	r.GET("/whoami", m.Authenticate(), m.AuthorizeRole(RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	user, _ := m.IssueToken("bob", RoleUser, time.Hour)
	admin, _ := m.IssueToken("ops", RoleAdmin, time.Hour)

	assert.Equal(t, http.StatusForbidden, serve(r, "Bearer "+user).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "Bearer "+admin).Code)
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	r := gin.New()
	r.Use(rl.Limit())
	r.GET("/whoami", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.RemoteAddr = ip + ":40000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.2"))
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	first := rl.getLimiter("10.0.0.1")
	assert.Same(t, first, rl.getLimiter("10.0.0.1"))

	now = now.Add(11 * time.Minute)
	assert.NotSame(t, first, rl.getLimiter("10.0.0.1"))
}

func TestDeadline_BoundsRequestContext(t *testing.T) {
	r := gin.New()
	r.GET("/whoami", Deadline(50*time.Millisecond), func(c *gin.Context) {
		dl, ok := c.Request.Context().Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), dl, 50*time.Millisecond)
		c.Status(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, serve(r, "").Code)
}
