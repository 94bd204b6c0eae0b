package billing

import (
	"context"
	"log"
	"strings"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/stripeapi"
)

// Summary builds the billing summary for an account, reconciling against the
// processor when possible. Three tiers are tried in order: the stored
// subscription id, the customer's subscription list (preferring an
// active or trialing one), and finally the latest invoice's line period when
// neither subscription tier produced a period end. Each tier degrades to the
// next on failure and the local snapshot is the floor, so this never returns
// an error. The read is strictly read-only: only webhook events mutate the
// stored snapshot.
func (s *Service) Summary(ctx context.Context, user *models.User) Summary {
	out := localSummary(user)
	if s.processor == nil || user.StripeCustomerID == nil {
		return out
	}

	merged := false
	if user.StripeSubscriptionID != nil {
		sub, err := s.processor.GetSubscription(ctx, *user.StripeSubscriptionID)
		if err == nil {
			s.mergeSubscription(&out, sub)
			merged = true
		} else {
			log.Printf("[billing] summary: subscription %s fetch failed: %v", *user.StripeSubscriptionID, err)
		}
	}

	if !merged {
		subs, err := s.processor.ListSubscriptions(ctx, *user.StripeCustomerID)
		if err == nil && len(subs) > 0 {
			s.mergeSubscription(&out, pickSubscription(subs))
		} else if err != nil {
			log.Printf("[billing] summary: listing subscriptions for %s failed: %v", *user.StripeCustomerID, err)
		}
	}

	if out.CurrentPeriodEnd != nil {
		return out
	}

	invoices, err := s.processor.ListInvoices(ctx, *user.StripeCustomerID, 1)
	if err != nil {
		log.Printf("[billing] summary: listing invoices for %s failed: %v", *user.StripeCustomerID, err)
		return out
	}
	if len(invoices) > 0 {
		if pe := invoices[0].PeriodEnd(); pe != nil {
			out.CurrentPeriodEnd = pe
		}
	}
	return out
}

func localSummary(user *models.User) Summary {
	out := Summary{
		Plan:               user.Plan,
		BillingInterval:    user.BillingInterval,
		SubscriptionStatus: user.SubscriptionStatus,
		IsSubscribed:       user.IsSubscribed,
		CurrentPeriodEnd:   user.CurrentPeriodEnd,
		TrialExpires:       user.TrialExpires,
		SeatCount:          user.SeatCount,
		AddOnQuantity:      user.AddOnQuantity,
	}
	if out.Plan == "" {
		out.Plan = models.PlanFree
	}
	if out.BillingInterval == "" {
		out.BillingInterval = models.IntervalMonthly
	}
	if out.SeatCount < 1 {
		out.SeatCount = 1
	}
	if user.StripeCustomerID != nil {
		out.StripeCustomerID = *user.StripeCustomerID
	}
	if user.StripeSubscriptionID != nil {
		out.StripeSubscriptionID = *user.StripeSubscriptionID
	}
	return out
}

// pickSubscription prefers a live subscription over a dead one when the
// customer carries several.
func pickSubscription(subs []stripeapi.Subscription) *stripeapi.Subscription {
	for i := range subs {
		switch strings.ToLower(subs[i].Status) {
		case "active", "trialing":
			return &subs[i]
		}
	}
	return &subs[0]
}

// mergeSubscription overlays live processor state onto the returned summary.
// The stored snapshot is left untouched.
func (s *Service) mergeSubscription(out *Summary, sub *stripeapi.Subscription) {
	status := strings.ToLower(strings.TrimSpace(sub.Status))
	out.SubscriptionStatus = status
	out.IsSubscribed = models.IsSubscribedStatus(status)
	out.StripeSubscriptionID = sub.ID
	if pe := stripeapi.UnixTime(sub.CurrentPeriodEnd); pe != nil {
		out.CurrentPeriodEnd = pe
	}
	if out.IsSubscribed {
		out.TrialExpires = nil
	}

	ent := s.extract(sub)
	if ent.Known {
		out.Plan = ent.Plan
		out.BillingInterval = ent.Interval
		out.SeatCount = ent.SeatCount
		out.AddOnQuantity = ent.AddOnQuantity
	}
}
