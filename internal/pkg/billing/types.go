package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cardlinkhq/cardlink/internal/pkg/stripeapi"
)

// ProcessorClient is the read interface over the external payment processor.
// The webhook branches use it to re-fetch a consistent subscription snapshot;
// the pull-reconciliation path uses all three methods as fallback tiers.
// A fake implementation stands in during tests.
type ProcessorClient interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]stripeapi.Subscription, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]stripeapi.Invoice, error)
}

// Event is the verified webhook envelope handed to the service. Raw is the
// event's data object, decoded per branch.
type Event struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// Summary is the billing summary read model returned to clients. It reflects
// the freshest knowable state: processor data when reachable, the local
// snapshot otherwise.
type Summary struct {
	Plan                 string     `json:"plan"`
	BillingInterval      string     `json:"billing_interval"`
	SubscriptionStatus   string     `json:"subscription_status"`
	IsSubscribed         bool       `json:"is_subscribed"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	TrialExpires         *time.Time `json:"trial_expires,omitempty"`
	SeatCount            int        `json:"seat_count"`
	AddOnQuantity        int        `json:"addon_quantity"`
	StripeCustomerID     string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
}

// OrderView is a ledger entry shaped for client consumption. Fulfillment and
// delivery metadata are only populated for card orders.
type OrderView struct {
	PublicID          string     `json:"public_id"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	FulfillmentStatus string     `json:"fulfillment_status,omitempty"`
	AmountTotal       int64      `json:"amount_total"`
	Currency          string     `json:"currency"`
	TrackingURL       string     `json:"tracking_url,omitempty"`
	Carrier           string     `json:"carrier,omitempty"`
	ShippedAt         *time.Time `json:"shipped_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
