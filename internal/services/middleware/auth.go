package middleware

import (
	"fmt"
	"strings"

	"github.com/nexus-api/metering/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware guards the dashboard-facing analytics and key-management
// endpoints with the platform's session JWTs. The subject claim carries
// the tenant id.
type AuthMiddleware struct {
	config models.AuthConfig
}

func NewAuthMiddleware(config models.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{config: config}
}

func (m *AuthMiddleware) RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ecoID, err := m.resolveEcoID(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}
		c.Locals("eco_id", ecoID)
		return c.Next()
	}
}

func (m *AuthMiddleware) resolveEcoID(c *fiber.Ctx) (string, error) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("malformed authorization header")
	}

	token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.config.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return subject, nil
}

// EcoIDFromContext returns the authenticated tenant id set by either auth
// middleware, or "" when the request is anonymous.
func EcoIDFromContext(c *fiber.Ctx) string {
	if ecoID, ok := c.Locals("eco_id").(string); ok {
		return ecoID
	}
	return ""
}
