package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
)

const localAccount = "account_id"

var (
	errTokenMissing = errors.New("missing bearer token")
	errTokenInvalid = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")
)

// IssueToken signs an HS256 token whose subject is accountID.
func IssueToken(secret, accountID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  accountID,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// accountFromToken validates a token and returns its subject.
func accountFromToken(secret []byte, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errTokenExpired
		}
		return "", errTokenInvalid
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", errTokenInvalid
	}
	return claims.Subject, nil
}

// authMiddleware puts the token subject in the request locals as the
// account partition key.
func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return errorResponse(c, fiber.StatusUnauthorized, errTokenMissing)
		}
		account, err := accountFromToken(s.secret, strings.TrimSpace(token))
		if err != nil {
			return errorResponse(c, fiber.StatusUnauthorized, err)
		}
		c.Locals(localAccount, account)
		return c.Next()
	}
}
