package billing

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/stripeapi"
)

// fakeRepo is an in-memory Repository. Column-name switches mirror the GORM
// update maps the service writes so tests exercise the exact wire shape.
type fakeRepo struct {
	users           map[uint]*models.User
	orders          []*models.Order
	events          map[string]*models.WebhookEvent
	nextOrderID     uint
	nextEventID     uint
	userUpdateCalls int
}

func newFakeRepo(users ...*models.User) *fakeRepo {
	r := &fakeRepo{
		users:  make(map[uint]*models.User),
		events: make(map[string]*models.WebhookEvent),
	}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeRepo) FindUserByID(id uint) (*models.User, error) {
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindUserByCustomerID(customerID string) (*models.User, error) {
	for _, u := range r.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ApplyUserUpdates(userID uint, updates map[string]interface{}) error {
	r.userUpdateCalls++
	u, ok := r.users[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for col, v := range updates {
		switch col {
		case "plan":
			u.Plan = v.(string)
		case "billing_interval":
			u.BillingInterval = v.(string)
		case "subscription_status":
			u.SubscriptionStatus = v.(string)
		case "is_subscribed":
			u.IsSubscribed = v.(bool)
		case "seat_count":
			u.SeatCount = v.(int)
		case "addon_quantity":
			u.AddOnQuantity = v.(int)
		case "stripe_customer_id":
			u.StripeCustomerID = asStringPtr(v)
		case "stripe_subscription_id":
			u.StripeSubscriptionID = asStringPtr(v)
		case "current_period_end":
			u.CurrentPeriodEnd = asTimePtr(v)
		case "trial_expires":
			u.TrialExpires = asTimePtr(v)
		case "trial_reminder_sent_at":
			u.TrialReminderSentAt = asTimePtr(v)
		default:
			return fmt.Errorf("fake repo: unknown user column %q", col)
		}
	}
	return nil
}

func (r *fakeRepo) findOrder(key OrderKey, value string) *models.Order {
	for _, o := range r.orders {
		switch key {
		case OrderKeySession:
			if o.CheckoutSessionID != nil && *o.CheckoutSessionID == value {
				return o
			}
		case OrderKeySubscription:
			if o.SubscriptionID != nil && *o.SubscriptionID == value {
				return o
			}
		}
	}
	return nil
}

func (r *fakeRepo) UpsertOrderByKey(key OrderKey, value string, updates map[string]interface{}, defaults *models.Order) (*models.Order, error) {
	if value == "" {
		return nil, fmt.Errorf("fake repo: empty order key value")
	}
	o := r.findOrder(key, value)
	if o == nil {
		insert := models.Order{}
		if defaults != nil {
			insert = *defaults
		}
		switch key {
		case OrderKeySession:
			insert.CheckoutSessionID = &value
		case OrderKeySubscription:
			insert.SubscriptionID = &value
		}
		r.nextOrderID++
		insert.ID = r.nextOrderID
		insert.PublicID = fmt.Sprintf("pub-%d", insert.ID)
		insert.CreatedAt = time.Now().Add(time.Duration(insert.ID) * time.Millisecond)
		o = &insert
		r.orders = append(r.orders, o)
	}
	if err := applyOrderUpdates(o, updates); err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

func applyOrderUpdates(o *models.Order, updates map[string]interface{}) error {
	for col, v := range updates {
		switch col {
		case "user_id":
			o.UserID = v.(uint)
		case "type":
			o.Type = v.(string)
		case "status":
			o.Status = v.(string)
		case "fulfillment_status":
			o.FulfillmentStatus = v.(string)
		case "stripe_customer_id":
			o.StripeCustomerID = v.(string)
		case "amount_total":
			o.AmountTotal = v.(int64)
		case "currency":
			o.Currency = v.(string)
		case "metadata_json":
			o.MetadataJSON = v.(string)
		case "checkout_session_id":
			o.CheckoutSessionID = asStringPtr(v)
		case "subscription_id":
			o.SubscriptionID = asStringPtr(v)
		case "tracking_url":
			o.TrackingURL = v.(string)
		case "carrier":
			o.Carrier = v.(string)
		case "shipped_at":
			o.ShippedAt = asTimePtr(v)
		default:
			return fmt.Errorf("fake repo: unknown order column %q", col)
		}
	}
	return nil
}

func (r *fakeRepo) CleanupDuplicateOrders(keep *models.Order) error {
	if keep == nil || keep.ID == 0 || keep.SubscriptionID == nil {
		return nil
	}
	kept := r.orders[:0]
	for _, o := range r.orders {
		drop := o.ID != keep.ID &&
			((o.SubscriptionID != nil && *o.SubscriptionID == *keep.SubscriptionID) ||
				(keep.CheckoutSessionID != nil && o.CheckoutSessionID != nil && *o.CheckoutSessionID == *keep.CheckoutSessionID))
		if !drop {
			kept = append(kept, o)
		}
	}
	r.orders = kept
	return nil
}

func (r *fakeRepo) FindOrderByPublicID(publicID string) (*models.Order, error) {
	for _, o := range r.orders {
		if o.PublicID == publicID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) UpdateOrder(orderID uint, updates map[string]interface{}) error {
	for _, o := range r.orders {
		if o.ID == orderID {
			return applyOrderUpdates(o, updates)
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListOrdersByUser(userID uint) ([]models.Order, error) {
	var out []models.Order
	for i := len(r.orders) - 1; i >= 0; i-- {
		if r.orders[i].UserID == userID {
			out = append(out, *r.orders[i])
		}
	}
	return out, nil
}

func (r *fakeRepo) RecordWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	if stored, ok := r.events[event.ProviderEventID]; ok {
		cp := *stored
		return false, &cp, nil
	}
	r.nextEventID++
	cp := *event
	cp.ID = r.nextEventID
	r.events[event.ProviderEventID] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func asStringPtr(v interface{}) *string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return &val
	case *string:
		return val
	}
	panic(fmt.Sprintf("unexpected string value %T", v))
}

func asTimePtr(v interface{}) *time.Time {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &val
	case *time.Time:
		return val
	}
	panic(fmt.Sprintf("unexpected time value %T", v))
}

type fakeProcessor struct {
	subs     map[string]*stripeapi.Subscription
	listSubs []stripeapi.Subscription
	invoices []stripeapi.Invoice

	getErr  error
	listErr error
	invErr  error
}

func (p *fakeProcessor) GetSubscription(_ context.Context, id string) (*stripeapi.Subscription, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	if sub, ok := p.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, fmt.Errorf("no such subscription %s", id)
}

func (p *fakeProcessor) ListSubscriptions(_ context.Context, _ string) ([]stripeapi.Subscription, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.listSubs, nil
}

func (p *fakeProcessor) ListInvoices(_ context.Context, _ string, _ int) ([]stripeapi.Invoice, error) {
	if p.invErr != nil {
		return nil, p.invErr
	}
	return p.invoices, nil
}

type sentMail struct {
	To      string
	Subject string
}

type fakeMailer struct {
	sent []sentMail
}

func (m *fakeMailer) Send(to, subject, body string) error {
	m.sent = append(m.sent, sentMail{To: to, Subject: subject})
	return nil
}
