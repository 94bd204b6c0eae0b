package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/database"
	"github.com/cardlinkhq/cardlink/internal/pkg/session"
	"github.com/cardlinkhq/cardlink/internal/pkg/usercontext"
)

// UserContextMiddleware resolves the session into a UserContext local for
// every request. Skipped on /auth/* so the Goth/Fiber OAuth session store is
// not disturbed mid-handshake.
func UserContextMiddleware(c *fiber.Ctx) error {
	if strings.HasPrefix(c.Path(), "/auth/") {
		return c.Next()
	}

	anonymous := func() error {
		c.Locals(usercontext.KeyUserContext, usercontext.UserContext{IsLoggedIn: false, IsAdmin: false})
		c.Locals(usercontext.KeyFromProtected, false)
		c.Locals(usercontext.KeyIsAdmin, false)
		return c.Next()
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return anonymous()
	}

	userID, ok := sess.Get(usercontext.KeyUserID).(uint)
	if !ok || userID == 0 {
		return anonymous()
	}

	username := session.GetSessionValue(c, usercontext.KeyUsername)
	isAdmin, _ := sess.Get(usercontext.KeyIsAdmin).(bool)

	// Plan is cached in the session; fall back to the entitlement snapshot.
	plan := session.GetSessionValue(c, "user_plan")
	if plan == "" {
		plan = models.PlanFree
		if db := database.GetDB(); db != nil {
			var u models.User
			if err := db.Select("plan").First(&u, userID).Error; err == nil && u.Plan != "" {
				plan = u.Plan
			}
		}
		_ = session.SetSessionValue(c, "user_plan", plan)
	}

	c.Locals(usercontext.KeyUserContext, usercontext.UserContext{
		UserID:     userID,
		Username:   username,
		IsLoggedIn: true,
		IsAdmin:    isAdmin,
		Plan:       plan,
	})
	c.Locals(usercontext.KeyFromProtected, true)
	c.Locals(usercontext.KeyIsAdmin, isAdmin)

	return c.Next()
}
