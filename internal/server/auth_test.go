package server

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

func authTestRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"id":   c.GetString("participant_id"),
			"name": c.GetString("display_name"),
		})
	})
	return r
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthMiddlewareBearerHeader(t *testing.T) {
	r := authTestRouter("s3cret")
	token := signToken(t, "s3cret", jwt.MapClaims{"sub": "alice", "name": "Alice"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
	assert.Contains(t, w.Body.String(), "Alice")
}

func TestAuthMiddlewareQueryToken(t *testing.T) {
	r := authTestRouter("s3cret")
	token := signToken(t, "s3cret", jwt.MapClaims{"sub": "alice"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	// Display name falls back to the subject.
	assert.Contains(t, w.Body.String(), `"name":"alice"`)
}

func TestAuthMiddlewareRejections(t *testing.T) {
	r := authTestRouter("s3cret")

	tests := []struct {
		name  string
		setup func(req *http.Request)
	}{
		{
			name:  "no credentials",
			setup: func(req *http.Request) {},
		},
		{
			name: "malformed header",
			setup: func(req *http.Request) {
				req.Header.Set("Authorization", "Basic abc")
			},
		},
		{
			name: "wrong secret",
			setup: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+signToken(t, "other", jwt.MapClaims{"sub": "alice"}))
			},
		},
		{
			name: "expired token",
			setup: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", jwt.MapClaims{
					"sub": "alice",
					"exp": time.Now().Add(-time.Hour).Unix(),
				}))
			},
		},
		{
			name: "missing subject",
			setup: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", jwt.MapClaims{"name": "Alice"}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			tt.setup(req)
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}
