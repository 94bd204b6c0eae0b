package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/stripeapi"
)

// Event types dispatched by ProcessEvent.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventSubCreated        = "customer.subscription.created"
	EventSubUpdated        = "customer.subscription.updated"
	EventSubDeleted        = "customer.subscription.deleted"
	EventInvoicePaid       = "invoice.paid"
	EventInvoiceFailed     = "invoice.payment_failed"
	EventTrialWillEnd      = "customer.subscription.trial_will_end"
)

// ProcessEvent journals and dispatches one verified webhook event. Events
// arrive at least once and possibly out of order; every branch is
// independently idempotent and derives its writes solely from the event's own
// payload, so replays and reorderings converge on the same final state.
// A non-nil return is for the caller's log/metrics side channel only; the
// endpoint acknowledges regardless.
func (s *Service) ProcessEvent(ctx context.Context, evt Event) error {
	created, stored, err := s.repo.RecordWebhookEvent(&models.WebhookEvent{
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		PayloadJSON:     string(evt.Raw),
	})
	if err != nil {
		// The journal is an observability layer, not a processing gate.
		log.Printf("[billing] webhook journal failed for %s: %v", evt.ID, err)
		stored = nil
	} else if !created {
		log.Printf("[billing] duplicate event %s (%s) suppressed", evt.ID, evt.Type)
		return nil
	}

	procErr := s.dispatch(ctx, evt)

	if stored != nil {
		msg := ""
		if procErr != nil {
			msg = procErr.Error()
		}
		if err := s.repo.MarkWebhookProcessed(stored.ID, msg); err != nil {
			log.Printf("[billing] marking event %s processed failed: %v", evt.ID, err)
		}
	}
	return procErr
}

func (s *Service) dispatch(ctx context.Context, evt Event) error {
	switch evt.Type {
	case EventCheckoutCompleted:
		var session stripeapi.CheckoutSession
		if err := json.Unmarshal(evt.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, session)
	case EventSubCreated, EventSubUpdated:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(evt.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionChanged(ctx, sub)
	case EventSubDeleted:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(evt.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionDeleted(ctx, sub)
	case EventInvoicePaid:
		var inv stripeapi.Invoice
		if err := json.Unmarshal(evt.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoicePaid(ctx, inv)
	case EventInvoiceFailed:
		var inv stripeapi.Invoice
		if err := json.Unmarshal(evt.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoiceFailed(ctx, inv)
	case EventTrialWillEnd:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(evt.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleTrialWillEnd(ctx, sub)
	default:
		log.Printf("[billing] ignoring event type %s", evt.Type)
		return nil
	}
}

// handleCheckoutCompleted seeds the ledger from a finished checkout. In
// subscription mode the live subscription is re-fetched so the account
// snapshot reflects a consistent item list; the ledger entry is keyed by the
// session id because the subscription id may not be known yet at this
// instant (the subscription-created event keys its own entry, duplicate
// cleanup collapses the pair). In payment mode this is a card purchase: a
// card entry is written and the confirmation mails go out, but the account
// snapshot is untouched.
func (s *Service) handleCheckoutCompleted(ctx context.Context, session stripeapi.CheckoutSession) error {
	user, err := s.resolveUser(session.Metadata, session.Customer)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Printf("[billing] checkout %s: no account for customer %s, skipping", session.ID, session.Customer)
			return nil
		}
		return err
	}

	if session.Mode == stripeapi.ModePayment {
		return s.recordCardPurchase(user, session)
	}

	subID := strings.TrimSpace(session.Subscription)

	updates := map[string]interface{}{
		"user_id":            user.ID,
		"type":               models.OrderTypeSubscription,
		"status":             models.OrderStatusPaid,
		"stripe_customer_id": session.Customer,
		"amount_total":       session.AmountTotal,
		"currency":           session.Currency,
	}
	if md := metadataJSON(session.Metadata); md != "" {
		updates["metadata_json"] = md
	}
	defaults := &models.Order{
		UserID: user.ID,
		Type:   models.OrderTypeSubscription,
		Status: models.OrderStatusPending,
	}

	if subID == "" {
		// Subscription id not known yet at this instant; the
		// subscription-created event keys its own entry later.
		if _, err := s.repo.UpsertOrderByKey(OrderKeySession, session.ID, updates, defaults); err != nil {
			return fmt.Errorf("upsert order for session %s: %w", session.ID, err)
		}
		return nil
	}

	order, err := s.repo.UpsertOrderByKey(OrderKeySubscription, subID, updates, defaults)
	if err != nil {
		return fmt.Errorf("upsert order for subscription %s: %w", subID, err)
	}
	// Claim the originating session id on the surviving row. Any
	// session-seeded twin has to go first or the link would collide on the
	// unique session index.
	keep := *order
	keep.CheckoutSessionID = &session.ID
	if err := s.repo.CleanupDuplicateOrders(&keep); err != nil {
		return fmt.Errorf("cleanup duplicates for session %s: %w", session.ID, err)
	}
	if order.CheckoutSessionID == nil || *order.CheckoutSessionID != session.ID {
		if err := s.repo.UpdateOrder(order.ID, map[string]interface{}{"checkout_session_id": session.ID}); err != nil {
			return fmt.Errorf("link session %s to order: %w", session.ID, err)
		}
	}

	sub, err := s.fetchSubscription(ctx, subID)
	if err != nil {
		// Transient fetch failure degrades this branch; the
		// subscription-created event carries the same snapshot.
		log.Printf("[billing] checkout %s: subscription re-fetch failed: %v", session.ID, err)
		return nil
	}
	if err := s.repo.ApplyUserUpdates(user.ID, s.snapshotUpdates(user, sub)); err != nil {
		return fmt.Errorf("apply snapshot for user %d: %w", user.ID, err)
	}
	return nil
}

func (s *Service) recordCardPurchase(user *models.User, session stripeapi.CheckoutSession) error {
	updates := map[string]interface{}{
		"user_id":            user.ID,
		"type":               models.OrderTypeCard,
		"status":             models.OrderStatusPaid,
		"stripe_customer_id": session.Customer,
		"amount_total":       session.AmountTotal,
		"currency":           session.Currency,
	}
	if md := metadataJSON(session.Metadata); md != "" {
		updates["metadata_json"] = md
	}
	if _, err := s.repo.UpsertOrderByKey(OrderKeySession, session.ID, updates, &models.Order{
		UserID:            user.ID,
		Type:              models.OrderTypeCard,
		Status:            models.OrderStatusPending,
		FulfillmentStatus: models.FulfillmentOrderPlaced,
	}); err != nil {
		return fmt.Errorf("upsert card order for session %s: %w", session.ID, err)
	}

	buyer := session.Email()
	if buyer == "" {
		buyer = user.Email
	}
	s.sendMail(buyer, "Your card order is confirmed",
		"Thanks for your order! We have started preparing your card.")
	s.sendMail(s.operatorEmail, "New card order received",
		fmt.Sprintf("Checkout session %s, customer %s, amount %d %s.",
			session.ID, session.Customer, session.AmountTotal, strings.ToUpper(session.Currency)))
	return nil
}

// handleSubscriptionChanged processes created/updated notifications. The
// subscription is re-fetched for a fully expanded item list; the ledger entry
// is keyed by subscription id and duplicate cleanup collapses any
// session-keyed twin.
func (s *Service) handleSubscriptionChanged(ctx context.Context, payload stripeapi.Subscription) error {
	user, err := s.resolveUser(payload.Metadata, payload.Customer)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Printf("[billing] subscription %s: no account for customer %s, skipping", payload.ID, payload.Customer)
			return nil
		}
		return err
	}

	sub, err := s.fetchSubscription(ctx, payload.ID)
	if err != nil {
		log.Printf("[billing] subscription %s: re-fetch failed, using event payload: %v", payload.ID, err)
		sub = &payload
	}

	if err := s.repo.ApplyUserUpdates(user.ID, s.snapshotUpdates(user, sub)); err != nil {
		return fmt.Errorf("apply snapshot for user %d: %w", user.ID, err)
	}

	order, err := s.repo.UpsertOrderByKey(OrderKeySubscription, sub.ID, map[string]interface{}{
		"user_id":            user.ID,
		"type":               models.OrderTypeSubscription,
		"status":             orderStatusForSubscription(sub.Status),
		"stripe_customer_id": sub.Customer,
	}, &models.Order{
		UserID: user.ID,
		Type:   models.OrderTypeSubscription,
		Status: models.OrderStatusPending,
	})
	if err != nil {
		return fmt.Errorf("upsert order for subscription %s: %w", sub.ID, err)
	}
	return s.repo.CleanupDuplicateOrders(order)
}

// handleSubscriptionDeleted force-resets the account to free defaults and
// marks the ledger entry canceled.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, payload stripeapi.Subscription) error {
	user, err := s.resolveUser(payload.Metadata, payload.Customer)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Printf("[billing] subscription %s deleted: no account for customer %s, skipping", payload.ID, payload.Customer)
			return nil
		}
		return err
	}

	if err := s.repo.ApplyUserUpdates(user.ID, resetUpdates()); err != nil {
		return fmt.Errorf("reset user %d: %w", user.ID, err)
	}

	order, err := s.repo.UpsertOrderByKey(OrderKeySubscription, payload.ID, map[string]interface{}{
		"user_id":            user.ID,
		"type":               models.OrderTypeSubscription,
		"status":             models.OrderStatusCanceled,
		"stripe_customer_id": payload.Customer,
	}, &models.Order{
		UserID: user.ID,
		Type:   models.OrderTypeSubscription,
		Status: models.OrderStatusCanceled,
	})
	if err != nil {
		return fmt.Errorf("upsert order for subscription %s: %w", payload.ID, err)
	}
	return s.repo.CleanupDuplicateOrders(order)
}

// handleInvoicePaid refreshes entitlement from the paying subscription
// (best-effort) and marks the ledger entry active with the new period end.
func (s *Service) handleInvoicePaid(ctx context.Context, inv stripeapi.Invoice) error {
	user, err := s.resolveUser(nil, inv.Customer)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Printf("[billing] invoice %s paid: no account for customer %s, skipping", inv.ID, inv.Customer)
			return nil
		}
		return err
	}

	subID := strings.TrimSpace(inv.Subscription)
	if subID == "" {
		return nil
	}

	if sub, err := s.fetchSubscription(ctx, subID); err != nil {
		log.Printf("[billing] invoice %s: subscription re-fetch failed: %v", inv.ID, err)
	} else if err := s.repo.ApplyUserUpdates(user.ID, s.snapshotUpdates(user, sub)); err != nil {
		return fmt.Errorf("apply snapshot for user %d: %w", user.ID, err)
	}

	updates := map[string]interface{}{
		"user_id":            user.ID,
		"type":               models.OrderTypeSubscription,
		"status":             models.OrderStatusActive,
		"stripe_customer_id": inv.Customer,
	}
	if inv.AmountPaid > 0 {
		updates["amount_total"] = inv.AmountPaid
		updates["currency"] = inv.Currency
	}
	order, err := s.repo.UpsertOrderByKey(OrderKeySubscription, subID, updates, &models.Order{
		UserID: user.ID,
		Type:   models.OrderTypeSubscription,
		Status: models.OrderStatusActive,
	})
	if err != nil {
		return fmt.Errorf("upsert order for subscription %s: %w", subID, err)
	}
	if err := s.repo.CleanupDuplicateOrders(order); err != nil {
		return err
	}

	if pe := inv.PeriodEnd(); pe != nil {
		return s.repo.ApplyUserUpdates(user.ID, map[string]interface{}{"current_period_end": pe})
	}
	return nil
}

// handleInvoiceFailed marks the account past_due and not subscribed. The
// ledger entry only sees the status passthrough.
func (s *Service) handleInvoiceFailed(ctx context.Context, inv stripeapi.Invoice) error {
	user, err := s.resolveUser(nil, inv.Customer)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Printf("[billing] invoice %s failed: no account for customer %s, skipping", inv.ID, inv.Customer)
			return nil
		}
		return err
	}

	if err := s.repo.ApplyUserUpdates(user.ID, map[string]interface{}{
		"subscription_status": "past_due",
		"is_subscribed":       false,
	}); err != nil {
		return fmt.Errorf("mark user %d past_due: %w", user.ID, err)
	}

	subID := strings.TrimSpace(inv.Subscription)
	if subID == "" {
		return nil
	}
	_, err = s.repo.UpsertOrderByKey(OrderKeySubscription, subID, map[string]interface{}{
		"user_id":            user.ID,
		"type":               models.OrderTypeSubscription,
		"status":             models.OrderStatusFailed,
		"stripe_customer_id": inv.Customer,
	}, &models.Order{
		UserID: user.ID,
		Type:   models.OrderTypeSubscription,
		Status: models.OrderStatusFailed,
	})
	if err != nil {
		return fmt.Errorf("upsert order for subscription %s: %w", subID, err)
	}
	return nil
}

// handleTrialWillEnd warns accounts that are actually trialing; anything else
// is a no-op.
func (s *Service) handleTrialWillEnd(ctx context.Context, payload stripeapi.Subscription) error {
	user, err := s.resolveUser(payload.Metadata, payload.Customer)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Printf("[billing] trial notice %s: no account for customer %s, skipping", payload.ID, payload.Customer)
			return nil
		}
		return err
	}
	if !user.IsTrialing() {
		return nil
	}
	s.sendMail(user.Email, "Your trial is ending soon",
		"Your trial period ends in a few days. Add a payment method to keep your plan.")
	return nil
}

func (s *Service) fetchSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	if s.processor == nil {
		return nil, errors.New("processor client not configured")
	}
	return s.processor.GetSubscription(ctx, id)
}
