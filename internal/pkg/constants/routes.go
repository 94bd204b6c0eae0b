package constants

// Static route constants
const (
	APIRoute      = "/api"
	APIV1Route    = "/v1"
	WebhookRoute  = "/webhooks/stripe"
	OAuthRoute    = "/auth/:provider"
	OAuthCallback = "/auth/:provider/callback"
)
