package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/billing"
	"github.com/cardlinkhq/cardlink/internal/pkg/entitlements"
)

// stubRepo satisfies billing.Repository for webhook endpoint tests; only the
// event journal paths are exercised by unhandled event types.
type stubRepo struct {
	journaled []string
}

func (r *stubRepo) FindUserByID(uint) (*models.User, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *stubRepo) FindUserByCustomerID(string) (*models.User, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *stubRepo) ApplyUserUpdates(uint, map[string]interface{}) error { return nil }
func (r *stubRepo) UpsertOrderByKey(billing.OrderKey, string, map[string]interface{}, *models.Order) (*models.Order, error) {
	return &models.Order{ID: 1}, nil
}
func (r *stubRepo) CleanupDuplicateOrders(*models.Order) error { return nil }
func (r *stubRepo) FindOrderByPublicID(string) (*models.Order, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *stubRepo) UpdateOrder(uint, map[string]interface{}) error { return nil }
func (r *stubRepo) ListOrdersByUser(uint) ([]models.Order, error) { return nil, nil }
func (r *stubRepo) MarkWebhookProcessed(uint, string) error { return nil }
func (r *stubRepo) RecordWebhookEvent(e *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.journaled = append(r.journaled, e.ProviderEventID)
	stored := *e
	stored.ID = uint(len(r.journaled))
	return true, &stored, nil
}

func newWebhookApp(t *testing.T) (*fiber.App, *stubRepo) {
	t.Helper()
	repo := &stubRepo{}
	SetBillingService(billing.NewService(repo, nil, entitlements.NewPriceTable(nil, nil), nil, ""))

	app := fiber.New()
	app.Post("/api/internal/webhook/stripe", HandleStripeWebhook)
	return app, repo
}

func signedWebhookRequest(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/internal/webhook/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func webhookPayload(t *testing.T, id, eventType string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   id,
		"type": eventType,
		"data": map[string]any{"object": map[string]any{"id": "obj_1"}},
	})
	require.NoError(t, err)
	return payload
}

func TestStripeWebhook_MissingSecret(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	app, _ := newWebhookApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/internal/webhook/stripe", bytes.NewReader(webhookPayload(t, "evt_1", "ping")))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test_123")
	app, _ := newWebhookApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/internal/webhook/stripe", bytes.NewReader(webhookPayload(t, "evt_1", "ping")))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestStripeWebhook_InvalidSignature(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test_123")
	app, repo := newWebhookApp(t)

	req := signedWebhookRequest(t, webhookPayload(t, "evt_1", "ping"), "whsec_wrong")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, repo.journaled)
}

func TestStripeWebhook_ValidSignatureAcknowledged(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test_123")
	app, repo := newWebhookApp(t)

	req := signedWebhookRequest(t, webhookPayload(t, "evt_1", "some.unhandled.type"), "whsec_test_123")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"evt_1"}, repo.journaled)
}

func TestStripeWebhook_ProcessingFailureStillAcknowledged(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test_123")
	app, _ := newWebhookApp(t)

	// A subscription event without a processor client and without a matching
	// account is skipped, never retried.
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_2",
		"type": "customer.subscription.updated",
		"data": map[string]any{"object": map[string]any{
			"id":       "sub_1",
			"customer": "cus_unknown",
			"status":   "active",
		}},
	})
	require.NoError(t, err)

	resp, err := app.Test(signedWebhookRequest(t, payload, "whsec_test_123"), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
