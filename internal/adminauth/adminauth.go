// Package adminauth gates the admin surface (pause/resume proactive sends,
// stats) behind a single bearer token, grounded on the teacher's
// internal/auth package: bcrypt for the credential at rest and a Fiber
// middleware reading the Authorization header, generalized from per-user
// session tokens to one operator-wide admin token.
package adminauth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/chatmemory/agentcore/internal/apperr"
)

// HashToken bcrypt-hashes an operator-chosen admin token for storage in
// configuration, mirroring the teacher's HashPassword.
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrConfig)
	}
	return string(bytes), nil
}

// ExtractBearerToken pulls the token out of an "Authorization: Bearer <token>"
// header, mirroring the teacher's ExtractBearerToken.
func ExtractBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// RequireAdmin returns Fiber middleware that accepts only requests bearing
// the configured admin token, compared against its bcrypt hash. An empty
// configured hash disables the admin surface entirely (every request 503s)
// rather than silently accepting any token.
func RequireAdmin(tokenHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tokenHash == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":   "admin_surface_disabled",
				"message": "no admin token configured",
			})
		}

		token, ok := ExtractBearerToken(c.Get("Authorization"))
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "missing or malformed Authorization header",
			})
		}

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "invalid admin token",
			})
		}

		return c.Next()
	}
}
