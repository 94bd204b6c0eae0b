package controllers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/database"
	"github.com/cardlinkhq/cardlink/internal/pkg/env"
	"github.com/cardlinkhq/cardlink/internal/pkg/hcaptcha"
	"github.com/cardlinkhq/cardlink/internal/pkg/mail"
	"github.com/cardlinkhq/cardlink/internal/pkg/session"
)

type registerRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleAuthRegister creates a new account and sends the activation mail.
// Fresh accounts start on the free plan with a signup trial window.
func HandleAuthRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid request body")
	}

	if hcaptcha.Enabled() {
		valid, err := hcaptcha.Verify(req.CaptchaToken)
		if err != nil || !valid {
			msg := "Captcha validation failed. Please try again."
			if err != nil && env.IsDev() {
				msg = fmt.Sprintf("Captcha validation failed: %v", err)
			}
			return jsonError(c, fiber.StatusBadRequest, "captcha_failed", msg)
		}
	}

	user, err := models.CreateUser(req.Username, req.Email, req.Password)
	if err != nil {
		return jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error())
	}

	trialDays := 14
	trial := time.Now().Add(time.Duration(trialDays) * 24 * time.Hour)
	user.TrialExpires = &trial

	if err := user.GenerateActivationToken(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "could not create activation token")
	}

	if err := database.GetDB().Create(user).Error; err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return jsonError(c, fiber.StatusConflict, "email_taken", "an account with this email already exists")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal", "could not create account")
	}

	go func(to, token string) {
		base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
		body := fmt.Sprintf("Welcome to Cardlink! Activate your account: %s/api/v1/auth/activate?token=%s", base, token)
		if err := mail.SendMail(to, "Activate your Cardlink account", body); err != nil {
			log.Errorf("activation mail to %s failed: %v", to, err)
		}
	}(user.Email, user.ActivationToken)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":    user.ID,
		"email": user.Email,
	})
}

// HandleAuthActivate activates an account via the mailed token.
func HandleAuthActivate(c *fiber.Ctx) error {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "token is required")
	}

	db := database.GetDB()
	var user models.User
	if err := db.Where("activation_token = ?", token).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "unknown activation token")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal", "activation failed")
	}

	if err := db.Model(&user).Updates(map[string]interface{}{
		"status":           models.STATUS_ACTIVE,
		"activation_token": "",
	}).Error; err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "activation failed")
	}

	return c.JSON(fiber.Map{"activated": true})
}

// HandleAuthLogin authenticates by email and password and starts a session.
func HandleAuthLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid request body")
	}

	db := database.GetDB()
	var user models.User
	// Same error for unknown email and wrong password; no account probing.
	if err := db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		return jsonError(c, fiber.StatusUnauthorized, "login_failed", "there is a problem with the login process")
	}
	if !user.CheckPassword(req.Password) {
		return jsonError(c, fiber.StatusUnauthorized, "login_failed", "there is a problem with the login process")
	}
	if !user.IsActive() {
		return jsonError(c, fiber.StatusForbidden, "not_activated", "account is not activated")
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "session init failed")
	}
	sess.Set(AUTH_KEY, true)
	sess.Set(USER_ID, user.ID)
	sess.Set(USER_NAME, user.Name)
	sess.Set(USER_IS_ADMIN, user.Role == models.ROLE_ADMIN)
	if err := sess.Save(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "session save failed")
	}
	_ = session.SetSessionValue(c, "user_plan", user.Plan)

	db.Model(&user).Update("last_login_at", time.Now())
	log.Infof("login: user %d from %s", user.ID, GetClientIP(c))

	return c.JSON(fiber.Map{
		"id":    user.ID,
		"name":  user.Name,
		"email": user.Email,
		"plan":  user.Plan,
	})
}

// HandleAuthLogout destroys the session.
func HandleAuthLogout(c *fiber.Ctx) error {
	sess, err := session.GetSessionStore().Get(c)
	if err == nil {
		if err := sess.Destroy(); err != nil {
			return jsonError(c, fiber.StatusInternalServerError, "internal", "logout failed")
		}
	}
	return c.JSON(fiber.Map{"logged_out": true})
}
