package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/cardlinkhq/cardlink/app/controllers"
	"github.com/cardlinkhq/cardlink/internal/pkg/constants"
	"github.com/cardlinkhq/cardlink/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIRoute, limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group(constants.APIV1Route)

	// Auth
	v1.Post("/auth/register", controllers.HandleAuthRegister)
	v1.Post("/auth/login", controllers.HandleAuthLogin)
	v1.Post("/auth/logout", middleware.RequireAuth, controllers.HandleAuthLogout)
	v1.Get("/auth/activate", controllers.HandleAuthActivate)

	// Account
	v1.Get("/me", middleware.RequireAuth, controllers.HandleUserProfile)
	v1.Get("/billing/summary", middleware.RequireAuth, controllers.HandleBillingSummary)

	// Orders
	v1.Get("/orders", middleware.RequireAuth, controllers.HandleOrderList)
	v1.Post("/orders/:public_id/artwork-token", middleware.RequireAuth, controllers.HandleArtworkToken)
	v1.Put("/orders/artwork", controllers.HandleArtworkUpload)

	// Operator endpoints
	v1.Put("/admin/orders/:public_id/fulfillment", middleware.RequireAdmin, controllers.HandleOrderFulfillment)
	v1.Get("/admin/webhook-stats", middleware.RequireAdmin, controllers.HandleWebhookStats)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
