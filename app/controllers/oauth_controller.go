package controllers

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	gothfiber "github.com/shareed2k/goth_fiber"
	"gorm.io/gorm"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/database"
	"github.com/cardlinkhq/cardlink/internal/pkg/session"
)

// HandleOAuthBegin starts the provider flow (Goth reads the provider from the
// route parameter).
func HandleOAuthBegin(c *fiber.Ctx) error {
	return gothfiber.BeginAuthHandler(c)
}

// HandleOAuthCallback completes the provider flow and logs the user in
func HandleOAuthCallback(c *fiber.Ctx) error {
	u, err := gothfiber.CompleteUserAuth(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "oauth_failed", fmt.Sprintf("OAuth failed: %v", err))
	}

	db := database.GetDB()

	var pa models.ProviderAccount
	res := db.Where("provider = ? AND provider_user_id = ?", u.Provider, u.UserID).First(&pa)

	var appUser models.User
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		// Optional email match if provided
		if u.Email != "" {
			_ = db.Where("email = ?", u.Email).First(&appUser).Error
		}
		if appUser.ID == 0 {
			// New account via provider; password is a random placeholder
			// since validation requires one and it is never used for login.
			placeholder := fmt.Sprintf("oauth_%d", time.Now().UnixNano())
			hash, _ := models.HashPassword(placeholder)
			email := u.Email
			if email == "" {
				// Unique, non-empty email to satisfy the unique index
				email = fmt.Sprintf("%s_%s@%s.oauth.local", u.Provider, u.UserID, u.Provider)
			}
			trial := time.Now().Add(14 * 24 * time.Hour)
			appUser = models.User{
				Name:         firstNonEmpty(u.Name, u.NickName, u.Email, "User"),
				Email:        email,
				Password:     hash,
				Status:       models.STATUS_ACTIVE,
				Plan:         models.PlanFree,
				TrialExpires: &trial,
			}
			if err := db.Create(&appUser).Error; err != nil {
				return jsonError(c, fiber.StatusInternalServerError, "internal", "create user failed")
			}
		}
		var exp *time.Time
		if !u.ExpiresAt.IsZero() {
			t := u.ExpiresAt
			exp = &t
		}
		pa = models.ProviderAccount{
			UserID:         appUser.ID,
			Provider:       u.Provider,
			ProviderUserID: u.UserID,
			AccessToken:    u.AccessToken,
			RefreshToken:   u.RefreshToken,
			ExpiresAt:      exp,
		}
		if err := db.Create(&pa).Error; err != nil {
			return jsonError(c, fiber.StatusInternalServerError, "internal", "link provider failed")
		}
	} else if res.Error == nil {
		pa.AccessToken = u.AccessToken
		pa.RefreshToken = u.RefreshToken
		if !u.ExpiresAt.IsZero() {
			t := u.ExpiresAt
			pa.ExpiresAt = &t
		} else {
			pa.ExpiresAt = nil
		}
		if err := db.Save(&pa).Error; err != nil {
			return jsonError(c, fiber.StatusInternalServerError, "internal", "update tokens failed")
		}
		if err := db.First(&appUser, pa.UserID).Error; err != nil {
			return jsonError(c, fiber.StatusInternalServerError, "internal", "linked user not found")
		}
	} else {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "db error")
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "session init failed")
	}
	sess.Set(AUTH_KEY, true)
	sess.Set(USER_ID, appUser.ID)
	sess.Set(USER_NAME, appUser.Name)
	sess.Set(USER_IS_ADMIN, appUser.Role == models.ROLE_ADMIN)
	if err := sess.Save(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "session save failed")
	}
	_ = session.SetSessionValue(c, "user_plan", appUser.Plan)

	_ = db.Model(&appUser).UpdateColumn("last_login_at", time.Now()).Error

	return c.Redirect("/", fiber.StatusSeeOther)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
