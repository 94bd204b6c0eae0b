package billing

import (
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/entitlements"
	"github.com/cardlinkhq/cardlink/internal/pkg/env"
	"github.com/cardlinkhq/cardlink/internal/pkg/mail"
	"github.com/cardlinkhq/cardlink/internal/pkg/stripeapi"
)

// ErrAccountNotFound marks a processor event whose customer could not be
// resolved to a local account. Such events are logged and skipped, never
// surfaced to the processor (ack-always policy).
var ErrAccountNotFound = errors.New("no local account for processor customer")

// ErrInvalidFulfillmentStatus marks an operator-submitted fulfillment value
// outside the allowed pipeline.
var ErrInvalidFulfillmentStatus = errors.New("invalid fulfillment status")

// Service is the reconciliation engine: it consumes verified processor
// events, maintains the per-account entitlement snapshot and the order
// ledger, and serves the pull-based billing summary. The processor client and
// the mailer are optional; absent collaborators degrade the affected branch
// instead of failing the event.
type Service struct {
	repo      Repository
	processor ProcessorClient
	prices    entitlements.PriceTable
	mailer    mail.Mailer

	operatorEmail string
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, processor ProcessorClient, prices entitlements.PriceTable, mailer mail.Mailer, operatorEmail string) *Service {
	return &Service{
		repo:          repo,
		processor:     processor,
		prices:        prices,
		mailer:        mailer,
		operatorEmail: operatorEmail,
	}
}

// NewServiceFromDB wires the production service: GORM repository, REST
// processor client, env-built price table and the SMTP mailer.
func NewServiceFromDB(db *gorm.DB) *Service {
	var processor ProcessorClient
	if c := stripeapi.NewClientFromEnv(); c != nil {
		processor = c
	}
	return NewService(
		NewRepository(db),
		processor,
		entitlements.NewPriceTableFromEnv(),
		mail.SMTPMailer{},
		env.GetEnv("ORDER_NOTIFY_EMAIL", ""),
	)
}

// resolveUser finds the account an event belongs to. The internal user id
// carried in processor metadata is authoritative when present; the customer
// id lookup is the fallback.
func (s *Service) resolveUser(metadata map[string]string, customerID string) (*models.User, error) {
	if metadata != nil {
		if raw := strings.TrimSpace(metadata["user_id"]); raw != "" {
			if id, err := strconv.ParseUint(raw, 10, 64); err == nil && id > 0 {
				u, err := s.repo.FindUserByID(uint(id))
				if err == nil {
					return u, nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, err
				}
			}
		}
	}

	cid := strings.TrimSpace(customerID)
	if cid == "" {
		return nil, ErrAccountNotFound
	}
	u, err := s.repo.FindUserByCustomerID(cid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return u, nil
}

// sendMail dispatches a transactional mail without letting a failure
// propagate into event processing.
func (s *Service) sendMail(to, subject, body string) {
	if s.mailer == nil || strings.TrimSpace(to) == "" {
		return
	}
	if err := s.mailer.Send(to, subject, body); err != nil {
		log.Printf("[billing] mail to %s failed: %v", to, err)
	}
}

// orderStatusForSubscription maps a processor subscription status onto the
// ledger status enum.
func orderStatusForSubscription(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return models.OrderStatusActive
	case "canceled", "incomplete_expired":
		return models.OrderStatusCanceled
	case "past_due", "unpaid":
		return models.OrderStatusFailed
	default:
		return models.OrderStatusPending
	}
}

func itemsOf(sub *stripeapi.Subscription) []entitlements.LineItem {
	if sub == nil {
		return nil
	}
	items := make([]entitlements.LineItem, 0, len(sub.Items.Data))
	for _, it := range sub.Items.Data {
		items = append(items, entitlements.LineItem{PriceID: it.Price.ID, Quantity: it.Quantity})
	}
	return items
}

// extract resolves a subscription's line items to an entitlement via the
// price table, falling back to the plan_key metadata hint.
func (s *Service) extract(sub *stripeapi.Subscription) entitlements.Entitlement {
	return entitlements.Extract(s.prices, itemsOf(sub), fallbackPlanKey(sub.Metadata))
}

func fallbackPlanKey(metadata map[string]string) string {
	if metadata == nil {
		return ""
	}
	return strings.TrimSpace(metadata["plan_key"])
}

// snapshotUpdates builds the partial-set write for an account from a
// subscription snapshot. Only known values are written: an unknown
// entitlement never downgrades plan or interval, while subscription status
// and is_subscribed are always recomputed from the event at hand. When the
// account becomes subscribed, the signup trial marker is cleared in the same
// write.
func (s *Service) snapshotUpdates(user *models.User, sub *stripeapi.Subscription) map[string]interface{} {
	status := strings.ToLower(strings.TrimSpace(sub.Status))
	subscribed := models.IsSubscribedStatus(status)

	updates := map[string]interface{}{
		"subscription_status":    status,
		"is_subscribed":          subscribed,
		"stripe_subscription_id": sub.ID,
	}
	if subscribed {
		updates["trial_expires"] = nil
	}
	if user.StripeCustomerID == nil && strings.TrimSpace(sub.Customer) != "" {
		updates["stripe_customer_id"] = sub.Customer
	}
	if pe := stripeapi.UnixTime(sub.CurrentPeriodEnd); pe != nil {
		updates["current_period_end"] = pe
	}

	ent := s.extract(sub)
	if ent.Known {
		updates["plan"] = ent.Plan
		updates["billing_interval"] = ent.Interval
		updates["seat_count"] = ent.SeatCount
		updates["addon_quantity"] = ent.AddOnQuantity
	}
	return updates
}

// resetUpdates is the force-reset applied on subscription deletion.
func resetUpdates() map[string]interface{} {
	return map[string]interface{}{
		"plan":                   models.PlanFree,
		"billing_interval":       models.IntervalMonthly,
		"subscription_status":    "canceled",
		"is_subscribed":          false,
		"seat_count":             1,
		"addon_quantity":         0,
		"stripe_subscription_id": nil,
		"current_period_end":     nil,
	}
}

func metadataJSON(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(b)
}
