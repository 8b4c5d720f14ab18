package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long!"

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, secret, subject, role string, expiresIn time.Duration) string {
	t.Helper()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	verifier, err := NewTokenVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}

	r := gin.New()
	authed := r.Group("/", AuthMiddleware(verifier, zerolog.Nop()))
	authed.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetClaims(c).Subject})
	})
	authed.GET("/admin", RequireRole([]string{"admin"}, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestNewTokenVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewTokenVerifier(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestAuthMiddleware(t *testing.T) {
	r := newAuthRouter(t)

	tests := []struct {
		name   string
		path   string
		header string
		query  string
		want   int
	}{
		{"missing token", "/me", "", "", http.StatusUnauthorized},
		{"valid token", "/me", "Bearer " + signToken(t, testSecret, "user-1", "staff", time.Hour), "", http.StatusOK},
		{"query token", "/me", "", "access_token=" + signToken(t, testSecret, "user-1", "staff", time.Hour), http.StatusOK},
		{"wrong secret", "/me", "Bearer " + signToken(t, "another-secret-another-secret-123", "user-1", "staff", time.Hour), "", http.StatusUnauthorized},
		{"expired", "/me", "Bearer " + signToken(t, testSecret, "user-1", "staff", -time.Minute), "", http.StatusUnauthorized},
		{"no subject", "/me", "Bearer " + signToken(t, testSecret, "", "admin", time.Hour), "", http.StatusUnauthorized},
		{"not bearer", "/me", "Basic dXNlcjpwYXNz", "", http.StatusUnauthorized},
		{"admin role allowed", "/admin", "Bearer " + signToken(t, testSecret, "user-2", "admin", time.Hour), "", http.StatusOK},
		{"staff role forbidden", "/admin", "Bearer " + signToken(t, testSecret, "user-1", "staff", time.Hour), "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := tt.path
			if tt.query != "" {
				url += "?" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRequireRole_WithoutAuth(t *testing.T) {
	r := gin.New()
	r.GET("/admin", RequireRole([]string{"admin"}, zerolog.Nop()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
