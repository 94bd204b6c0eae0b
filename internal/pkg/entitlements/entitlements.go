package entitlements

import (
	"strings"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/env"
)

// PricePoint is the plan/interval pair a processor price ID maps to.
type PricePoint struct {
	Plan     string
	Interval string
}

// PriceTable is the static mapping from processor price IDs to plan price
// points, plus the set of add-on (seat) price IDs. It is built once at
// startup and passed by value into the extractor and the billing service;
// there is no package-level mutable state.
type PriceTable struct {
	prices map[string]PricePoint
	addOns map[string]struct{}
}

// NewPriceTable builds a table from explicit mappings. Empty price IDs are
// skipped so unset environment entries don't produce phantom rows.
func NewPriceTable(prices map[string]PricePoint, addOnIDs []string) PriceTable {
	t := PriceTable{
		prices: make(map[string]PricePoint, len(prices)),
		addOns: make(map[string]struct{}, len(addOnIDs)),
	}
	for id, pp := range prices {
		if strings.TrimSpace(id) == "" {
			continue
		}
		t.prices[strings.TrimSpace(id)] = pp
	}
	for _, id := range addOnIDs {
		if v := strings.TrimSpace(id); v != "" {
			t.addOns[v] = struct{}{}
		}
	}
	return t
}

// NewPriceTableFromEnv builds the table from the STRIPE_PRICE_* environment
// configuration.
func NewPriceTableFromEnv() PriceTable {
	prices := map[string]PricePoint{
		env.GetEnv("STRIPE_PRICE_PLUS_MONTHLY", ""):    {Plan: models.PlanPlus, Interval: models.IntervalMonthly},
		env.GetEnv("STRIPE_PRICE_PLUS_QUARTERLY", ""):  {Plan: models.PlanPlus, Interval: models.IntervalQuarterly},
		env.GetEnv("STRIPE_PRICE_PLUS_YEARLY", ""):     {Plan: models.PlanPlus, Interval: models.IntervalYearly},
		env.GetEnv("STRIPE_PRICE_TEAMS_MONTHLY", ""):   {Plan: models.PlanTeams, Interval: models.IntervalMonthly},
		env.GetEnv("STRIPE_PRICE_TEAMS_QUARTERLY", ""): {Plan: models.PlanTeams, Interval: models.IntervalQuarterly},
		env.GetEnv("STRIPE_PRICE_TEAMS_YEARLY", ""):    {Plan: models.PlanTeams, Interval: models.IntervalYearly},
	}
	addOns := strings.Split(env.GetEnv("STRIPE_ADDON_PRICE_IDS", ""), ",")
	return NewPriceTable(prices, addOns)
}

// Lookup resolves a price ID to its plan price point.
func (t PriceTable) Lookup(priceID string) (PricePoint, bool) {
	pp, ok := t.prices[strings.TrimSpace(priceID)]
	return pp, ok
}

// IsAddOn reports whether a price ID is a known add-on (extra seat) price.
func (t PriceTable) IsAddOn(priceID string) bool {
	_, ok := t.addOns[strings.TrimSpace(priceID)]
	return ok
}
