package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/entitlements"
	"github.com/cardlinkhq/cardlink/internal/pkg/stripeapi"
)

func testPriceTable() entitlements.PriceTable {
	return entitlements.NewPriceTable(map[string]entitlements.PricePoint{
		"price_plus_m":  {Plan: models.PlanPlus, Interval: models.IntervalMonthly},
		"price_teams_m": {Plan: models.PlanTeams, Interval: models.IntervalMonthly},
	}, []string{"price_seat"})
}

func strPtr(s string) *string { return &s }

func testUser() *models.User {
	trial := time.Now().Add(10 * 24 * time.Hour)
	return &models.User{
		ID:               1,
		Name:             "Dana",
		Email:            "dana@example.com",
		Plan:             models.PlanFree,
		BillingInterval:  models.IntervalMonthly,
		SeatCount:        1,
		TrialExpires:     &trial,
		StripeCustomerID: strPtr("cus_1"),
	}
}

func newTestService(repo *fakeRepo, proc ProcessorClient) (*Service, *fakeMailer) {
	mailer := &fakeMailer{}
	return NewService(repo, proc, testPriceTable(), mailer, "ops@example.com"), mailer
}

func subEvent(t *testing.T, id, typ string, sub stripeapi.Subscription) Event {
	t.Helper()
	raw, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal subscription: %v", err)
	}
	return Event{ID: id, Type: typ, Raw: raw}
}

func checkoutEvent(t *testing.T, id string, session stripeapi.CheckoutSession) Event {
	t.Helper()
	raw, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	return Event{ID: id, Type: EventCheckoutCompleted, Raw: raw}
}

func activeSub(id string) stripeapi.Subscription {
	return stripeapi.Subscription{
		ID:               id,
		Customer:         "cus_1",
		Status:           "active",
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).Unix(),
		Items: stripeapi.SubscriptionItems{Data: []stripeapi.SubscriptionItem{
			{Price: stripeapi.Price{ID: "price_teams_m"}, Quantity: 1},
			{Price: stripeapi.Price{ID: "price_seat"}, Quantity: 2},
		}},
	}
}

func TestCheckoutCompleted_SubscriptionMode(t *testing.T) {
	user := testUser()
	repo := newFakeRepo(user)
	sub := activeSub("sub_1")
	svc, _ := newTestService(repo, &fakeProcessor{subs: map[string]*stripeapi.Subscription{"sub_1": &sub}})

	evt := checkoutEvent(t, "evt_1", stripeapi.CheckoutSession{
		ID:           "cs_1",
		Mode:         stripeapi.ModeSubscription,
		Customer:     "cus_1",
		Subscription: "sub_1",
		AmountTotal:  2900,
		Currency:     "eur",
		Metadata:     map[string]string{"user_id": "1"},
	})
	if err := svc.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(repo.orders) != 1 {
		t.Fatalf("expected one order, got %d", len(repo.orders))
	}
	o := repo.orders[0]
	if o.SubscriptionID == nil || *o.SubscriptionID != "sub_1" {
		t.Fatalf("order not keyed by subscription: %+v", o)
	}
	if o.CheckoutSessionID == nil || *o.CheckoutSessionID != "cs_1" {
		t.Fatalf("session id not linked: %+v", o)
	}
	if o.Status != models.OrderStatusPaid {
		t.Fatalf("unexpected order status %s", o.Status)
	}

	if !user.IsSubscribed || user.Plan != models.PlanTeams {
		t.Fatalf("account not reconciled: subscribed=%v plan=%s", user.IsSubscribed, user.Plan)
	}
	if user.SeatCount != 3 || user.AddOnQuantity != 2 {
		t.Fatalf("unexpected seats: seat=%d addon=%d", user.SeatCount, user.AddOnQuantity)
	}
	if user.TrialExpires != nil {
		t.Fatalf("trial marker not cleared")
	}
}

func TestCheckoutCompleted_PaymentModeSendsMails(t *testing.T) {
	user := testUser()
	repo := newFakeRepo(user)
	svc, mailer := newTestService(repo, &fakeProcessor{})

	evt := checkoutEvent(t, "evt_1", stripeapi.CheckoutSession{
		ID:            "cs_card",
		Mode:          stripeapi.ModePayment,
		Customer:      "cus_1",
		CustomerEmail: "buyer@example.com",
		AmountTotal:   4900,
		Currency:      "eur",
	})
	if err := svc.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(repo.orders) != 1 {
		t.Fatalf("expected one order, got %d", len(repo.orders))
	}
	o := repo.orders[0]
	if o.Type != models.OrderTypeCard || o.FulfillmentStatus != models.FulfillmentOrderPlaced {
		t.Fatalf("unexpected card order: %+v", o)
	}
	if user.IsSubscribed || user.Plan != models.PlanFree {
		t.Fatalf("card purchase must not touch entitlement")
	}
	if len(mailer.sent) != 2 {
		t.Fatalf("expected buyer and operator mail, got %d", len(mailer.sent))
	}
	if mailer.sent[0].To != "buyer@example.com" || mailer.sent[1].To != "ops@example.com" {
		t.Fatalf("unexpected recipients: %+v", mailer.sent)
	}
}

func TestProcessEvent_ReplaySuppressed(t *testing.T) {
	user := testUser()
	repo := newFakeRepo(user)
	sub := activeSub("sub_1")
	svc, _ := newTestService(repo, &fakeProcessor{subs: map[string]*stripeapi.Subscription{"sub_1": &sub}})

	evt := subEvent(t, "evt_dup", EventSubCreated, sub)
	for i := 0; i < 3; i++ {
		if err := svc.ProcessEvent(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if len(repo.orders) != 1 {
		t.Fatalf("replays created %d orders", len(repo.orders))
	}
	if len(repo.events) != 1 {
		t.Fatalf("replays journaled %d events", len(repo.events))
	}
}

func TestOutOfOrderDelivery_Converges(t *testing.T) {
	// Same pair of events in both orders must land in the same final state.
	sub := activeSub("sub_1")
	session := stripeapi.CheckoutSession{
		ID:           "cs_1",
		Mode:         stripeapi.ModeSubscription,
		Customer:     "cus_1",
		Subscription: "sub_1",
		AmountTotal:  2900,
		Currency:     "eur",
	}

	run := func(t *testing.T, firstCheckout bool) (*models.User, []*models.Order) {
		user := testUser()
		repo := newFakeRepo(user)
		svc, _ := newTestService(repo, &fakeProcessor{subs: map[string]*stripeapi.Subscription{"sub_1": &sub}})
		events := []Event{
			checkoutEvent(t, "evt_a", session),
			subEvent(t, "evt_b", EventSubCreated, sub),
		}
		if !firstCheckout {
			events[0], events[1] = events[1], events[0]
		}
		for _, evt := range events {
			if err := svc.ProcessEvent(context.Background(), evt); err != nil {
				t.Fatalf("process %s: %v", evt.ID, err)
			}
		}
		return user, repo.orders
	}

	uAB, ordersAB := run(t, true)
	uBA, ordersBA := run(t, false)

	if len(ordersAB) != 1 || len(ordersBA) != 1 {
		t.Fatalf("expected a single collapsed order in both runs, got %d and %d", len(ordersAB), len(ordersBA))
	}
	if uAB.Plan != uBA.Plan || uAB.IsSubscribed != uBA.IsSubscribed || uAB.SeatCount != uBA.SeatCount {
		t.Fatalf("orderings diverged: %+v vs %+v", uAB, uBA)
	}
	if *ordersAB[0].SubscriptionID != *ordersBA[0].SubscriptionID {
		t.Fatalf("order keys diverged")
	}
}

func TestSubscriptionDeleted_ResetsAccount(t *testing.T) {
	user := testUser()
	user.Plan = models.PlanTeams
	user.BillingInterval = models.IntervalYearly
	user.IsSubscribed = true
	user.SeatCount = 5
	user.AddOnQuantity = 4
	user.StripeSubscriptionID = strPtr("sub_1")
	pe := time.Now().Add(24 * time.Hour)
	user.CurrentPeriodEnd = &pe

	repo := newFakeRepo(user)
	svc, _ := newTestService(repo, &fakeProcessor{})

	evt := subEvent(t, "evt_del", EventSubDeleted, stripeapi.Subscription{ID: "sub_1", Customer: "cus_1", Status: "canceled"})
	if err := svc.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	if user.Plan != models.PlanFree || user.BillingInterval != models.IntervalMonthly {
		t.Fatalf("plan not reset: %s/%s", user.Plan, user.BillingInterval)
	}
	if user.IsSubscribed || user.SeatCount != 1 || user.AddOnQuantity != 0 {
		t.Fatalf("entitlement not reset: %+v", user)
	}
	if user.StripeSubscriptionID != nil || user.CurrentPeriodEnd != nil {
		t.Fatalf("subscription references not cleared")
	}
	if len(repo.orders) != 1 || repo.orders[0].Status != models.OrderStatusCanceled {
		t.Fatalf("ledger not marked canceled: %+v", repo.orders)
	}
}

func TestUnknownPlan_NeverDowngrades(t *testing.T) {
	user := testUser()
	user.Plan = models.PlanPlus
	user.BillingInterval = models.IntervalYearly
	repo := newFakeRepo(user)

	sub := stripeapi.Subscription{
		ID:       "sub_1",
		Customer: "cus_1",
		Status:   "active",
		Items: stripeapi.SubscriptionItems{Data: []stripeapi.SubscriptionItem{
			{Price: stripeapi.Price{ID: "price_unmapped"}, Quantity: 1},
		}},
	}
	svc, _ := newTestService(repo, &fakeProcessor{subs: map[string]*stripeapi.Subscription{"sub_1": &sub}})

	if err := svc.ProcessEvent(context.Background(), subEvent(t, "evt_u", EventSubUpdated, sub)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if user.Plan != models.PlanPlus || user.BillingInterval != models.IntervalYearly {
		t.Fatalf("unknown entitlement downgraded plan to %s/%s", user.Plan, user.BillingInterval)
	}
	if !user.IsSubscribed || user.SubscriptionStatus != "active" {
		t.Fatalf("status must still be recomputed: %+v", user)
	}
}

func TestInvoicePaymentFailed_MarksPastDue(t *testing.T) {
	user := testUser()
	user.Plan = models.PlanPlus
	user.IsSubscribed = true
	repo := newFakeRepo(user)
	svc, _ := newTestService(repo, &fakeProcessor{})

	raw, _ := json.Marshal(stripeapi.Invoice{ID: "in_1", Customer: "cus_1", Subscription: "sub_1"})
	evt := Event{ID: "evt_fail", Type: EventInvoiceFailed, Raw: raw}
	if err := svc.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	if user.IsSubscribed || user.SubscriptionStatus != "past_due" {
		t.Fatalf("payment failure not applied: %+v", user)
	}
	if user.Plan != models.PlanPlus {
		t.Fatalf("payment failure must not change plan")
	}
	if len(repo.orders) != 1 || repo.orders[0].Status != models.OrderStatusFailed {
		t.Fatalf("ledger not marked failed: %+v", repo.orders)
	}
}

func TestTrialWillEnd_MailsOnlyTrialingAccounts(t *testing.T) {
	sub := stripeapi.Subscription{ID: "sub_1", Customer: "cus_1", Status: "trialing"}

	for _, tc := range []struct {
		name      string
		status    string
		wantMails int
	}{
		{"trialing account warned", "trialing", 1},
		{"active account ignored", "active", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			user := testUser()
			user.SubscriptionStatus = tc.status
			repo := newFakeRepo(user)
			svc, mailer := newTestService(repo, &fakeProcessor{})

			if err := svc.ProcessEvent(context.Background(), subEvent(t, "evt_t", EventTrialWillEnd, sub)); err != nil {
				t.Fatalf("process: %v", err)
			}
			if len(mailer.sent) != tc.wantMails {
				t.Fatalf("expected %d mails, got %d", tc.wantMails, len(mailer.sent))
			}
		})
	}
}

func TestUnknownCustomer_SkippedWithoutError(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo, &fakeProcessor{})

	evt := subEvent(t, "evt_x", EventSubUpdated, stripeapi.Subscription{ID: "sub_9", Customer: "cus_stranger", Status: "active"})
	if err := svc.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("unresolvable customer must be skipped, got %v", err)
	}
	if len(repo.orders) != 0 {
		t.Fatalf("no order should be written")
	}
}

func TestSummary_UsesStoredSubscription(t *testing.T) {
	user := testUser()
	user.StripeSubscriptionID = strPtr("sub_1")
	repo := newFakeRepo(user)
	sub := activeSub("sub_1")
	svc, _ := newTestService(repo, &fakeProcessor{subs: map[string]*stripeapi.Subscription{"sub_1": &sub}})

	out := svc.Summary(context.Background(), user)
	if out.Plan != models.PlanTeams || !out.IsSubscribed || out.SeatCount != 3 {
		t.Fatalf("live subscription not merged: %+v", out)
	}
	// The read path must never touch the stored snapshot.
	if repo.userUpdateCalls != 0 {
		t.Fatalf("summary wrote to the account snapshot: %d calls", repo.userUpdateCalls)
	}
	if user.Plan != models.PlanFree || user.TrialExpires == nil {
		t.Fatalf("stored snapshot mutated by a read: %+v", user)
	}
}

func TestSummary_SubscriptionWithoutPeriodEndUsesInvoice(t *testing.T) {
	user := testUser()
	user.StripeSubscriptionID = strPtr("sub_1")
	repo := newFakeRepo(user)
	end := time.Now().Add(12 * 24 * time.Hour).UTC().Truncate(time.Second)
	proc := &fakeProcessor{
		subs: map[string]*stripeapi.Subscription{
			"sub_1": {ID: "sub_1", Customer: "cus_1", Status: "canceled"},
		},
		invoices: []stripeapi.Invoice{{
			ID:       "in_1",
			Customer: "cus_1",
			Lines: stripeapi.InvoiceLines{Data: []stripeapi.InvoiceLine{
				{Period: stripeapi.InvoiceLinePeriod{End: end.Unix()}},
			}},
		}},
	}
	svc, _ := newTestService(repo, proc)

	out := svc.Summary(context.Background(), user)
	if out.SubscriptionStatus != "canceled" {
		t.Fatalf("subscription state not merged: %+v", out)
	}
	if out.CurrentPeriodEnd == nil || !out.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("invoice period end not used when the subscription carries none: %v", out.CurrentPeriodEnd)
	}
}

func TestSummary_FallsBackToSubscriptionList(t *testing.T) {
	user := testUser()
	user.StripeSubscriptionID = strPtr("sub_gone")
	repo := newFakeRepo(user)
	proc := &fakeProcessor{
		listSubs: []stripeapi.Subscription{
			{ID: "sub_old", Customer: "cus_1", Status: "canceled"},
			activeSub("sub_new"),
		},
	}
	svc, _ := newTestService(repo, proc)

	out := svc.Summary(context.Background(), user)
	if out.StripeSubscriptionID != "sub_new" || !out.IsSubscribed {
		t.Fatalf("live subscription not preferred: %+v", out)
	}
}

func TestSummary_InvoicePeriodEndFallback(t *testing.T) {
	user := testUser()
	repo := newFakeRepo(user)
	end := time.Now().Add(20 * 24 * time.Hour).UTC().Truncate(time.Second)
	proc := &fakeProcessor{
		getErr:  fmt.Errorf("processor down"),
		listErr: fmt.Errorf("processor down"),
		invoices: []stripeapi.Invoice{{
			ID:       "in_1",
			Customer: "cus_1",
			Lines: stripeapi.InvoiceLines{Data: []stripeapi.InvoiceLine{
				{Period: stripeapi.InvoiceLinePeriod{End: end.Unix()}},
			}},
		}},
	}
	svc, _ := newTestService(repo, proc)

	out := svc.Summary(context.Background(), user)
	if out.CurrentPeriodEnd == nil || !out.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("invoice period end not used: %v", out.CurrentPeriodEnd)
	}
	if out.Plan != models.PlanFree {
		t.Fatalf("local snapshot must stay the floor: %+v", out)
	}
}

func TestSummary_NoProcessorReturnsSnapshot(t *testing.T) {
	user := testUser()
	user.Plan = models.PlanPlus
	user.IsSubscribed = true
	repo := newFakeRepo(user)
	svc, _ := newTestService(repo, nil)

	out := svc.Summary(context.Background(), user)
	if out.Plan != models.PlanPlus || !out.IsSubscribed {
		t.Fatalf("local snapshot not returned: %+v", out)
	}
}

func TestUpdateFulfillment(t *testing.T) {
	user := testUser()
	repo := newFakeRepo(user)
	svc, _ := newTestService(repo, &fakeProcessor{})

	order, err := repo.UpsertOrderByKey(OrderKeySession, "cs_card", nil, &models.Order{
		UserID:            user.ID,
		Type:              models.OrderTypeCard,
		Status:            models.OrderStatusPaid,
		FulfillmentStatus: models.FulfillmentOrderPlaced,
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	if _, err := svc.UpdateFulfillment(order.PublicID, "lost_in_mail", "", ""); err != ErrInvalidFulfillmentStatus {
		t.Fatalf("expected ErrInvalidFulfillmentStatus, got %v", err)
	}

	updated, err := svc.UpdateFulfillment(order.PublicID, models.FulfillmentShipped, "https://track.example/1", "DHL")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.FulfillmentStatus != models.FulfillmentShipped || updated.ShippedAt == nil {
		t.Fatalf("shipment not recorded: %+v", updated)
	}
	if updated.TrackingURL != "https://track.example/1" || updated.Carrier != "DHL" {
		t.Fatalf("delivery metadata missing: %+v", updated)
	}
}

func TestListOrders_NewestFirstAndShaped(t *testing.T) {
	user := testUser()
	repo := newFakeRepo(user)
	svc, _ := newTestService(repo, &fakeProcessor{})

	if _, err := repo.UpsertOrderByKey(OrderKeySession, "cs_old", nil, &models.Order{
		UserID: user.ID, Type: models.OrderTypeCard, Status: models.OrderStatusPaid,
		FulfillmentStatus: models.FulfillmentShipped, TrackingURL: "https://track.example/9",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := repo.UpsertOrderByKey(OrderKeySubscription, "sub_1", nil, &models.Order{
		UserID: user.ID, Type: models.OrderTypeSubscription, Status: models.OrderStatusActive,
		FulfillmentStatus: models.FulfillmentOrderPlaced,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	views, err := svc.ListOrders(user.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected two orders, got %d", len(views))
	}
	if views[0].Type != models.OrderTypeSubscription {
		t.Fatalf("orders not newest first: %+v", views)
	}
	if views[0].FulfillmentStatus != "" {
		t.Fatalf("fulfillment must be card-only: %+v", views[0])
	}
	if views[1].TrackingURL != "https://track.example/9" {
		t.Fatalf("card delivery metadata missing: %+v", views[1])
	}
}
