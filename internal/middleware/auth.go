package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKeyUserID holds the authenticated user id in the gin context.
const ContextKeyUserID = "userID"

var ErrInvalidToken = errors.New("invalid token")

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// JWTValidator validates HS256 tokens and returns their subject.
type JWTValidator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func NewJWTValidator(secret, issuer string) *JWTValidator {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}
}

func (v *JWTValidator) ValidateToken(_ context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// IssueToken signs an HS256 token for userID. Used by tests and local tooling.
func (v *JWTValidator) IssueToken(userID string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AuthMiddleware validates the Authorization header and stores the user id.
// With a nil validator requests pass through unauthenticated.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		userID, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// bearerToken reads the token from the Authorization header, falling back
// to the token query parameter browsers use for websocket upgrades.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		token := c.Query("token")
		return token, token != ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthenticatedUser returns the user id set by AuthMiddleware.
func AuthenticatedUser(c *gin.Context) (string, bool) {
	val, ok := c.Get(ContextKeyUserID)
	if !ok {
		return "", false
	}
	userID, ok := val.(string)
	return userID, ok && userID != ""
}

var (
	ErrIdentityMissing  = errors.New("user id is required")
	ErrIdentityMismatch = errors.New("user id does not match token")
)

// ResolveIdentity reconciles the user id a request claims with the
// authenticated one. Without authentication the claim is trusted.
func ResolveIdentity(c *gin.Context, claimed string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	authed, ok := AuthenticatedUser(c)
	switch {
	case ok && claimed == "":
		return authed, nil
	case ok && claimed != authed:
		return "", ErrIdentityMismatch
	case ok:
		return authed, nil
	case claimed == "":
		return "", ErrIdentityMissing
	default:
		return claimed, nil
	}
}
