package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cardlinkhq/cardlink/app/controllers"
	"github.com/cardlinkhq/cardlink/internal/pkg/constants"
	"github.com/cardlinkhq/cardlink/internal/pkg/middleware"
	"github.com/cardlinkhq/cardlink/internal/pkg/oauth"
	"github.com/cardlinkhq/cardlink/internal/pkg/session"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// init oauth providers
	oauth.Setup()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	// Social OAuth
	app.Get(constants.OAuthRoute, controllers.HandleOAuthBegin)
	app.Get(constants.OAuthCallback, controllers.HandleOAuthCallback)

	// Processor webhooks (no session, signature-verified in controller)
	app.Post(constants.WebhookRoute, controllers.HandleStripeWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
