package entitlements

import (
	"strings"

	"github.com/cardlinkhq/cardlink/app/models"
)

// LineItem is one subscription line item as delivered by the processor.
type LineItem struct {
	PriceID  string
	Quantity int64
}

// Entitlement is the result of extracting plan state from a subscription's
// line items. Known=false means the base plan could not be determined and
// stored plan/interval values must not be changed; unknown never downgrades
// an account to free.
type Entitlement struct {
	Plan          string
	Interval      string
	Known         bool
	AddOnQuantity int
	SeatCount     int
}

// Extract computes the entitlement for a subscription. The first line item
// whose price ID appears in the table wins the base plan/interval (a
// subscription carries exactly one base plan item). When no item matches, a
// fallback plan key of the form "<plan>-<interval>" from event metadata is
// honored if both components are valid enum members. Add-on quantities are
// summed independently of the base match. Pure function; never errors.
func Extract(table PriceTable, items []LineItem, fallbackPlanKey string) Entitlement {
	ent := Entitlement{SeatCount: 1}

	for _, item := range items {
		if ent.Known {
			break
		}
		if pp, ok := table.Lookup(item.PriceID); ok {
			ent.Plan = pp.Plan
			ent.Interval = pp.Interval
			ent.Known = true
		}
	}

	if !ent.Known {
		if plan, interval, ok := parsePlanKey(fallbackPlanKey); ok {
			ent.Plan = plan
			ent.Interval = interval
			ent.Known = true
		}
	}

	for _, item := range items {
		if table.IsAddOn(item.PriceID) {
			ent.AddOnQuantity += int(item.Quantity)
		}
	}

	if ent.Known && ent.Plan == models.PlanTeams {
		ent.SeatCount = 1 + ent.AddOnQuantity
		if ent.SeatCount < 1 {
			ent.SeatCount = 1
		}
	}

	return ent
}

// parsePlanKey splits "<plan>-<interval>" and validates both components.
func parsePlanKey(key string) (string, string, bool) {
	plan, interval, found := strings.Cut(strings.TrimSpace(key), "-")
	if !found {
		return "", "", false
	}
	if !models.IsValidPlan(plan) || !models.IsValidInterval(interval) {
		return "", "", false
	}
	return plan, interval, true
}
