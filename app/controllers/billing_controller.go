package controllers

import (
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/billing"
	"github.com/cardlinkhq/cardlink/internal/pkg/database"
	"github.com/cardlinkhq/cardlink/internal/pkg/env"
	"github.com/cardlinkhq/cardlink/internal/pkg/metrics/counter"
	"github.com/cardlinkhq/cardlink/internal/pkg/usercontext"
)

var (
	billingService *billing.Service
	billingOnce    sync.Once
)

func getBillingService() *billing.Service {
	billingOnce.Do(func() {
		billingService = billing.NewServiceFromDB(database.GetDB())
	})
	return billingService
}

// SetBillingService overrides the service instance; used by tests.
func SetBillingService(s *billing.Service) {
	billingOnce.Do(func() {})
	billingService = s
}

// HandleStripeWebhook receives processor events. Signature verification is
// the authentication mechanism for this endpoint; the raw body must be used
// byte for byte. Once a signature checks out the event is acknowledged with
// 200 no matter how processing goes, because the processor retries non-2xx
// deliveries and a poison event would block the queue forever.
func HandleStripeWebhook(c *fiber.Ctx) error {
	secret := strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))
	if secret == "" {
		log.Error("webhook received but STRIPE_WEBHOOK_SECRET is not configured")
		return jsonError(c, fiber.StatusInternalServerError, "not_configured", "webhook secret is not configured")
	}

	sigHeader := strings.TrimSpace(c.Get("Stripe-Signature"))
	if sigHeader == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "invalid signature")
	}

	event, err := webhook.ConstructEventWithOptions(c.Body(), sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "invalid signature")
	}

	procErr := getBillingService().ProcessEvent(c.Context(), billing.Event{
		ID:   event.ID,
		Type: string(event.Type),
		Raw:  event.Data.Raw,
	})
	if procErr != nil {
		log.Errorf("webhook %s (%s) processing failed: %v", event.ID, event.Type, procErr)
		if err := counter.AddWebhookFailed(string(event.Type)); err != nil {
			log.Warnf("webhook failure counter: %v", err)
		}
		return c.JSON(fiber.Map{"received": true, "status": "failed"})
	}

	if err := counter.AddWebhookProcessed(string(event.Type)); err != nil {
		log.Warnf("webhook processed counter: %v", err)
	}
	return c.JSON(fiber.Map{"received": true, "status": "processed"})
}

// HandleBillingSummary returns the account's billing summary, reconciled
// against the processor when reachable.
func HandleBillingSummary(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)

	var user models.User
	if err := database.GetDB().First(&user, uc.UserID).Error; err != nil {
		return jsonError(c, fiber.StatusNotFound, "not_found", "account not found")
	}

	summary := getBillingService().Summary(c.Context(), &user)

	// Billing state must never come from an intermediary cache.
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	c.Set(fiber.HeaderPragma, "no-cache")
	return c.JSON(summary)
}

// HandleWebhookStats exposes the processed/failed webhook counters to admins.
func HandleWebhookStats(c *fiber.Ctx) error {
	stats, err := counter.GetWebhookStats()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "could not read webhook stats")
	}
	return c.JSON(stats)
}
