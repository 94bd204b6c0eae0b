package controllers

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/billing"
	"github.com/cardlinkhq/cardlink/internal/pkg/database"
	"github.com/cardlinkhq/cardlink/internal/pkg/env"
	"github.com/cardlinkhq/cardlink/internal/pkg/security"
	"github.com/cardlinkhq/cardlink/internal/pkg/storage"
	"github.com/cardlinkhq/cardlink/internal/pkg/usercontext"
)

const artworkMaxBytes = 50 << 20 // 50 MiB print files

var (
	artworkStore     *storage.ArtworkStore
	artworkStoreOnce sync.Once
)

func getArtworkStore() *storage.ArtworkStore {
	artworkStoreOnce.Do(func() {
		cfg, err := storage.LoadConfig()
		if err != nil {
			log.Errorf("artwork storage config: %v", err)
			return
		}
		if !cfg.IsEnabled() {
			return
		}
		store, err := storage.NewArtworkStore(cfg)
		if err != nil {
			log.Errorf("artwork storage init: %v", err)
			return
		}
		artworkStore = store
	})
	return artworkStore
}

// HandleOrderList returns the logged-in user's order history, newest first.
func HandleOrderList(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)

	views, err := getBillingService().ListOrders(uc.UserID)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "could not list orders")
	}
	return c.JSON(fiber.Map{"orders": views})
}

type fulfillmentRequest struct {
	Status      string `json:"status"`
	TrackingURL string `json:"tracking_url"`
	Carrier     string `json:"carrier"`
}

// HandleOrderFulfillment lets operators advance a card order through the
// fulfillment pipeline. Admin only.
func HandleOrderFulfillment(c *fiber.Ctx) error {
	publicID := c.Params("public_id")

	var req fulfillmentRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid request body")
	}

	order, err := getBillingService().UpdateFulfillment(publicID, req.Status, req.TrackingURL, req.Carrier)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidFulfillmentStatus) {
			return jsonError(c, fiber.StatusUnprocessableEntity, "invalid_status", "invalid fulfillment status")
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "order not found")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal", "could not update order")
	}
	return c.JSON(order)
}

// HandleArtworkToken issues a short-lived upload token for a card order
// owned by the caller.
func HandleArtworkToken(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)
	publicID := c.Params("public_id")

	var order models.Order
	if err := database.GetDB().Where("public_id = ? AND user_id = ?", publicID, uc.UserID).First(&order).Error; err != nil {
		return jsonError(c, fiber.StatusNotFound, "not_found", "order not found")
	}
	if order.Type != models.OrderTypeCard {
		return jsonError(c, fiber.StatusUnprocessableEntity, "invalid_order", "artwork applies to card orders only")
	}

	secret := env.GetEnv("ARTWORK_TOKEN_SECRET", "")
	token, err := security.GenerateArtworkToken(uc.UserID, order.PublicID, artworkMaxBytes, 15*time.Minute, secret)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "could not issue upload token")
	}
	return c.JSON(fiber.Map{"token": token, "max_bytes": artworkMaxBytes})
}

// HandleArtworkUpload accepts the print file for an order, authorized by an
// artwork token.
func HandleArtworkUpload(c *fiber.Ctx) error {
	secret := env.GetEnv("ARTWORK_TOKEN_SECRET", "")
	claims, err := security.VerifyArtworkToken(c.Query("token"), secret)
	if err != nil {
		return jsonError(c, fiber.StatusUnauthorized, "invalid_token", "invalid or expired upload token")
	}

	store := getArtworkStore()
	if store == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "storage_unavailable", "artwork storage is not configured")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "file is required")
	}
	if fileHeader.Size > claims.MaxBytes {
		return jsonError(c, fiber.StatusRequestEntityTooLarge, "too_large", "file exceeds the allowed size")
	}

	f, err := fileHeader.Open()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal", "could not read upload")
	}
	defer f.Close()

	objectKey, err := store.Upload(c.Context(), claims.OrderPublicID, fileHeader.Filename, f, fileHeader.Size)
	if err != nil {
		log.Errorf("artwork upload for order %s failed: %v", claims.OrderPublicID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal", "upload failed")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"order_public_id": claims.OrderPublicID,
		"object_key":      objectKey,
	})
}
