package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/noteduco342/whispr-backend/internal/httpx"
	"github.com/noteduco342/whispr-backend/internal/validation"
)

const usernameKey = "username"

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthRequired resolves the caller's identity from an HS256 bearer token.
// Websocket clients that cannot set headers may pass the token as the
// "token" query parameter.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		var tokenString string
		if authHeader != "" {
			// Extract token from "Bearer <token>"
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return httpx.Unauthorized(c, "invalid_authorization", "Invalid authorization format")
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			return httpx.Unauthorized(c, "missing_access_token", "Missing access token")
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return httpx.Unauthorized(c, "invalid_access_token", "Invalid or expired token")
		}

		claims, ok := token.Claims.(*Claims)
		if !ok {
			return httpx.Unauthorized(c, "invalid_access_token", "Invalid token")
		}
		username := validation.NormalizeUsername(claims.Username)
		if !validation.ValidateUsername(username) {
			return httpx.Unauthorized(c, "invalid_access_token", "Invalid token subject")
		}

		c.Locals(usernameKey, username)
		return c.Next()
	}
}

// Username returns the identity resolved by AuthRequired, or "".
func Username(c *fiber.Ctx) string {
	s, _ := httpx.LocalString(c, usernameKey)
	return s
}

// SignToken issues a token AuthRequired accepts. Used by tests and tooling;
// credential issuance lives outside this service.
func SignToken(secret, username string, claims jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Username: username, RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}
