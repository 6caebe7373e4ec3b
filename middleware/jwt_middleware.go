package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"sequencer/utils"
)

// Protected authenticates the owner from a Bearer token (or the
// access_token cookie) and stores the owner id in the "userID" local.
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Try to get token from Authorization header first
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseJWTToken(token, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("userID", claims.UserID)
		return c.Next()
	}
}

// OwnerID reads the id stored by Protected.
func OwnerID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}
