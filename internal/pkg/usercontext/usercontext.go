package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext represents the authenticated user for a request.
type UserContext struct {
	UserID     uint   `json:"user_id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
	Plan       string `json:"plan"`
}

// GetUserContext retrieves the user context from fiber context, returning an
// anonymous context if none is set.
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx := c.Locals(KeyUserContext); ctx != nil {
		if uc, ok := ctx.(UserContext); ok {
			return uc
		}
	}
	return UserContext{IsLoggedIn: false, IsAdmin: false}
}

// GetUserID returns the current user's ID, or 0 if not logged in.
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}

// IsLoggedIn checks if the current user is logged in.
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// IsAdmin checks if the current user is an admin.
func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}
