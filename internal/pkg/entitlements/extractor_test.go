package entitlements

import (
	"testing"

	"github.com/cardlinkhq/cardlink/app/models"
)

func testTable() PriceTable {
	return NewPriceTable(map[string]PricePoint{
		"price_plus_monthly":  {Plan: models.PlanPlus, Interval: models.IntervalMonthly},
		"price_plus_yearly":   {Plan: models.PlanPlus, Interval: models.IntervalYearly},
		"price_teams_monthly": {Plan: models.PlanTeams, Interval: models.IntervalMonthly},
	}, []string{"price_addon_monthly"})
}

func TestExtract_BasePlanWithAddOns(t *testing.T) {
	items := []LineItem{
		{PriceID: "price_teams_monthly", Quantity: 1},
		{PriceID: "price_addon_monthly", Quantity: 2},
	}

	ent := Extract(testTable(), items, "")
	if !ent.Known {
		t.Fatalf("expected entitlement to be known")
	}
	if ent.Plan != models.PlanTeams || ent.Interval != models.IntervalMonthly {
		t.Fatalf("unexpected plan/interval: %s/%s", ent.Plan, ent.Interval)
	}
	if ent.AddOnQuantity != 2 {
		t.Fatalf("expected addon quantity 2, got %d", ent.AddOnQuantity)
	}
	if ent.SeatCount != 3 {
		t.Fatalf("expected seat count 3, got %d", ent.SeatCount)
	}
}

func TestExtract_FirstMatchWins(t *testing.T) {
	items := []LineItem{
		{PriceID: "price_plus_monthly", Quantity: 1},
		{PriceID: "price_teams_monthly", Quantity: 1},
	}

	ent := Extract(testTable(), items, "")
	if ent.Plan != models.PlanPlus {
		t.Fatalf("expected first matching item to win, got %s", ent.Plan)
	}
}

func TestExtract_FallbackPlanKey(t *testing.T) {
	items := []LineItem{{PriceID: "price_unmapped", Quantity: 1}}

	ent := Extract(testTable(), items, "plus-yearly")
	if !ent.Known {
		t.Fatalf("expected fallback key to resolve")
	}
	if ent.Plan != models.PlanPlus || ent.Interval != models.IntervalYearly {
		t.Fatalf("unexpected plan/interval: %s/%s", ent.Plan, ent.Interval)
	}
}

func TestExtract_UnknownStaysUnknown(t *testing.T) {
	tests := []struct {
		name     string
		fallback string
	}{
		{name: "no fallback", fallback: ""},
		{name: "bad plan", fallback: "gold-monthly"},
		{name: "bad interval", fallback: "plus-weekly"},
		{name: "no separator", fallback: "plusmonthly"},
	}

	for _, tt := range tests {
		ent := Extract(testTable(), []LineItem{{PriceID: "price_unmapped", Quantity: 1}}, tt.fallback)
		if ent.Known {
			t.Fatalf("%s: expected unknown entitlement", tt.name)
		}
		if ent.Plan != "" || ent.Interval != "" {
			t.Fatalf("%s: unknown entitlement must not carry a plan", tt.name)
		}
	}
}

func TestExtract_SeatCountFloor(t *testing.T) {
	// Teams base with no add-ons still has one seat.
	ent := Extract(testTable(), []LineItem{{PriceID: "price_teams_monthly", Quantity: 1}}, "")
	if ent.SeatCount != 1 {
		t.Fatalf("expected seat count 1, got %d", ent.SeatCount)
	}

	// Non-teams plans always report a single seat regardless of add-ons.
	ent = Extract(testTable(), []LineItem{
		{PriceID: "price_plus_monthly", Quantity: 1},
		{PriceID: "price_addon_monthly", Quantity: 4},
	}, "")
	if ent.SeatCount != 1 {
		t.Fatalf("expected seat count 1 for plus, got %d", ent.SeatCount)
	}
	if ent.AddOnQuantity != 4 {
		t.Fatalf("expected addon quantity 4, got %d", ent.AddOnQuantity)
	}
}
