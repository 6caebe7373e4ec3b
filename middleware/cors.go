package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CORSConfig defines the config for CORS middleware
type CORSConfig struct {
	// AllowedOrigins lists the origins allowed to call the API. Empty allows
	// any origin.
	AllowedOrigins   []string
	AllowCredentials bool
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	// MaxAge is how long (in seconds) a preflight result may be cached
	MaxAge int
}

// DefaultCORSConfig returns a default CORS config
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedMethods: []string{fiber.MethodGet, fiber.MethodPost, fiber.MethodPut, fiber.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         3600,
	}
}

// CORS answers preflight requests itself and stamps the allow-origin header
// on everything else. Requests from origins outside the list get no CORS
// headers and are left to the browser to reject.
func CORS(config ...CORSConfig) fiber.Handler {
	cfg := DefaultCORSConfig()
	if len(config) > 0 {
		cfg = config[0]
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = struct{}{}
	}
	methods := strings.Join(cfg.AllowedMethods, ",")
	headers := strings.Join(cfg.AllowedHeaders, ",")
	exposed := strings.Join(cfg.ExposedHeaders, ",")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(c *fiber.Ctx) error {
		if len(allowed) == 0 {
			c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
		} else if origin := c.Get(fiber.HeaderOrigin); origin != "" {
			if _, ok := allowed[origin]; ok {
				c.Set(fiber.HeaderAccessControlAllowOrigin, origin)
				c.Vary(fiber.HeaderOrigin)
			}
		}
		if cfg.AllowCredentials {
			c.Set(fiber.HeaderAccessControlAllowCredentials, "true")
		}

		if c.Method() != fiber.MethodOptions {
			return c.Next()
		}
		c.Set(fiber.HeaderAccessControlAllowMethods, methods)
		c.Set(fiber.HeaderAccessControlAllowHeaders, headers)
		c.Set(fiber.HeaderAccessControlExposeHeaders, exposed)
		c.Set(fiber.HeaderAccessControlMaxAge, maxAge)
		return c.SendStatus(fiber.StatusNoContent)
	}
}
