package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func fastHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := NewPasswordHasherWithParams(64, 1, 1).HashPassword(password)
	require.NoError(t, err)
	return hash
}

func newTestService(t *testing.T, enabled bool) (*AuthService, string) {
	t.Helper()
	token, hash, err := NewAPITokenGenerator().GenerateToken()
	require.NoError(t, err)

	svc, err := NewAuthService(config.AuthConfig{
		Enabled:        enabled,
		AccessTokenTTL: time.Minute,
		Users: []config.UserConfig{
			{Username: "alice", PasswordHash: fastHash(t, "s3cret"), Role: "admin"},
			{Username: "olga", PasswordHash: fastHash(t, "op"), Role: "operator"},
		},
		Tokens: []config.TokenConfig{{Name: "gui", Hash: hash, Role: "technician"}},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc, token
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasherWithParams(64, 1, 1)
	hash, err := h.HashPassword("pw")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=64,t=1,p=1$"))

	ok, err := h.VerifyPassword("pw", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.VerifyPassword("pw", "plain")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyPassword("pw", strings.Replace(hash, "v=19", "v=16", 1))
	assert.ErrorIs(t, err, ErrInvalidHash)

	// parameters travel with the hash
	ok, err = NewPasswordHasherWithParams(128, 2, 2).VerifyPassword("pw", hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthService_Login(t *testing.T) {
	svc, _ := newTestService(t, true)

	token, expires, err := svc.LoginUser("alice", "s3cret", "127.0.0.1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	p, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, []Permission{PermOperator, PermTechnician, PermAdmin}, p.Permissions)

	_, _, err = svc.LoginUser("alice", "nope", "127.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.LoginUser("mallory", "s3cret", "127.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_APIToken(t *testing.T) {
	svc, token := newTestService(t, true)

	p, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "gui", p.Username)
	assert.Equal(t, "technician", p.Role)

	flip := "0"
	if strings.HasSuffix(token, "0") {
		flip = "1"
	}
	_, err = svc.ValidateToken(token[:len(token)-1] + flip)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_ForeignJWTRejected(t *testing.T) {
	svc, _ := newTestService(t, true)
	other := NewJWTHandler("another-secret-another-secret-xx", time.Minute)
	token, _, err := other.GenerateAccessToken(svc.users["alice"].ID, "alice", "admin")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewAuthService_InvalidRole(t *testing.T) {
	_, err := NewAuthService(config.AuthConfig{
		Users: []config.UserConfig{{Username: "x", Role: "root"}},
	}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func newRouter(svc *AuthService, perm Permission) *gin.Engine {
	r := gin.New()
	r.GET("/x", svc.AuthMiddleware(), RequirePermission(perm), func(c *gin.Context) {
		c.String(http.StatusOK, GetPrincipal(c).Username)
	})
	return r
}

func doGet(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	svc, _ := newTestService(t, true)
	opToken, _, err := svc.LoginUser("olga", "op", "")
	require.NoError(t, err)

	w := doGet(newRouter(svc, PermOperator), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)

	w = doGet(newRouter(svc, PermOperator), opToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "olga", w.Body.String())

	w = doGet(newRouter(svc, PermAdmin), opToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"required":"admin"`)
}

func TestMiddleware_DisabledAuthIsAdmin(t *testing.T) {
	svc, _ := newTestService(t, false)

	w := doGet(newRouter(svc, PermAdmin), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", w.Body.String())
}

func TestMiddleware_QueryToken(t *testing.T) {
	svc, token := newTestService(t, true)
	r := newRouter(svc, PermTechnician)

	req := httptest.NewRequest(http.MethodGet, "/x?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
