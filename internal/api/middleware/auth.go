// Package middleware provides HTTP middleware for the backup API.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	// ClaimsContextKey holds the verified *Claims.
	ClaimsContextKey ContextKey = "claims"
	// SubjectContextKey holds the authenticated user ID.
	SubjectContextKey ContextKey = "user_id"
)

// Claims are the session token claims issued by the clinic API.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 session tokens.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for tokens signed with secret.
func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if secret == "" {
		return nil, errors.New("AUTH_JWT_SECRET is required")
	}
	return &TokenVerifier{secret: []byte(secret)}, nil
}

// Verify parses the token and checks its signature, expiry and subject.
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// bearerToken reads the token from the Authorization header, falling back
// to the access_token query parameter for websocket upgrades.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query("access_token")
}

// AuthMiddleware returns a Gin middleware that requires a valid session token.
func AuthMiddleware(verifier *TokenVerifier, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(string(ClaimsContextKey), claims)
		c.Set(string(SubjectContextKey), claims.Subject)
		c.Next()
	}
}

// RequireRole returns a Gin middleware that only lets through users with one
// of roles. It must run after AuthMiddleware.
func RequireRole(roles []string, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !slices.Contains(roles, claims.Role) {
			log.Warn().
				Str("user_id", claims.Subject).
				Str("role", claims.Role).
				Str("path", c.Request.URL.Path).
				Msg("insufficient role")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims from the Gin context, or nil.
func GetClaims(c *gin.Context) *Claims {
	v, ok := c.Get(string(ClaimsContextKey))
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}
