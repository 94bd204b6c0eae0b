package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Session keys written by the auth controllers and read by the user context
// middleware.
const (
	AUTH_KEY      string = "authenticated"
	USER_ID       string = "user_id"
	USER_NAME     string = "username"
	USER_IS_ADMIN string = "isAdmin"
)

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}

// GetClientIP determines the actual client IP considering common proxy
// headers. The first X-Forwarded-For entry is the original client; the
// Cloudflare header wins when present.
func GetClientIP(c *fiber.Ctx) string {
	if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
		return cfIP
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	ip := c.IP()
	// Unwrap IPv4-mapped-IPv6 addresses (::ffff:192.0.2.1)
	if strings.HasPrefix(ip, "::ffff:") && strings.Contains(ip, ".") {
		return strings.TrimPrefix(ip, "::ffff:")
	}
	return ip
}
