package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/database"
	"github.com/cardlinkhq/cardlink/internal/pkg/usercontext"
	"github.com/cardlinkhq/cardlink/internal/pkg/utils"
)

// HandleUserProfile returns the logged-in user's profile including the
// current entitlement snapshot.
func HandleUserProfile(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)

	var user models.User
	if err := database.GetDB().First(&user, uc.UserID).Error; err != nil {
		return jsonError(c, fiber.StatusNotFound, "not_found", "account not found")
	}

	return c.JSON(fiber.Map{
		"id":             user.ID,
		"name":           user.Name,
		"email":          user.Email,
		"avatar_url":     utils.GetGravatarURL(user.Email, 200),
		"plan":           user.Plan,
		"interval":       user.BillingInterval,
		"is_subscribed":  user.IsSubscribed,
		"seat_count":     user.SeatCount,
		"trial_expires":  user.TrialExpires,
		"last_login_at":  user.LastLoginAt,
		"created_at":     user.CreatedAt,
		"is_admin":       user.Role == models.ROLE_ADMIN,
		"account_status": user.Status,
	})
}
