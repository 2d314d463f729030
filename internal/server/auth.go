// Package server exposes the audit subsystem over HTTP.
package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Roles carried by access tokens. Auditors can read everything; only
// compliance officers may create policies, manage holds, or dispose data.
const (
	RoleAuditor    = "auditor"
	RoleCompliance = "compliance"
)

// TokenClaims are the JWT claims for an audit API session token.
type TokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIssuer issues and verifies API session JWTs, signed with the vault's
// dedicated signing key so tokens survive encryption key rotation.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. A zero ttl defaults to 8 hours.
func NewTokenIssuer(key []byte, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &TokenIssuer{key: key, issuer: issuerURL, ttl: ttl}
}

// Issue creates a signed session token for the given subject and role.
func (t *TokenIssuer) Issue(subject, role string) (string, error) {
	now := time.Now().UTC()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&TokenClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.key, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token claims")
	}
	if claims.Role != RoleAuditor && claims.Role != RoleCompliance {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

// AuthHandler exchanges the static access secrets for session tokens.
type AuthHandler struct {
	tokens           *TokenIssuer
	auditorSecret    string
	complianceSecret string
	logger           *zap.Logger
}

// NewAuthHandler creates an AuthHandler. An empty secret disables that role.
func NewAuthHandler(tokens *TokenIssuer, auditorSecret, complianceSecret string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		tokens:           tokens,
		auditorSecret:    auditorSecret,
		complianceSecret: complianceSecret,
		logger:           logger,
	}
}

// Register mounts the auth routes on the given router group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", h.IssueToken)
}

type tokenRequest struct {
	Subject string `json:"subject" binding:"required"`
	Secret  string `json:"secret" binding:"required"`
}

// IssueToken handles POST /auth/token. The secret decides the role.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject and secret are required"})
		return
	}

	var role string
	switch {
	case h.complianceSecret != "" && req.Secret == h.complianceSecret:
		role = RoleCompliance
	case h.auditorSecret != "" && req.Secret == h.auditorSecret:
		role = RoleAuditor
	default:
		h.logger.Warn("token request with invalid secret", zap.String("subject", req.Subject))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	signed, err := h.tokens.Issue(req.Subject, role)
	if err != nil {
		h.logger.Error("issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "role": role})
}

const claimsKey = "session_claims"

// RequireRole returns a middleware that admits bearer tokens whose role is
// in the allowed set. Compliance implies auditor access.
func RequireRole(tokens *TokenIssuer, roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	if _, ok := allowed[RoleAuditor]; ok {
		allowed[RoleCompliance] = struct{}{}
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// SessionClaims retrieves the verified claims set by RequireRole.
func SessionClaims(c *gin.Context) *TokenClaims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*TokenClaims); ok {
			return claims
		}
	}
	return nil
}
