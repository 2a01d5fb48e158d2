package plans

import "strings"

// Plan identifiers used across the entitlement core. Plans are keyed by the
// Stripe price id attached to the subscription's first line item.
const (
	PlanTrial    = "trial"
	PlanStarter  = "starter"
	PlanPro      = "pro"
	PlanBusiness = "business"
)

var planByPriceID = map[string]string{
	"price_starter_monthly":  PlanStarter,
	"price_starter_yearly":   PlanStarter,
	"price_pro_monthly":      PlanPro,
	"price_pro_yearly":       PlanPro,
	"price_business_monthly": PlanBusiness,
	"price_business_yearly":  PlanBusiness,
}

// FromPriceID maps a Stripe price id to an internal plan id. Unknown prices
// fall back to the trial plan; callers log that case as a warning.
func FromPriceID(priceID string) (string, bool) {
	plan, ok := planByPriceID[strings.TrimSpace(priceID)]
	if !ok {
		return PlanTrial, false
	}
	return plan, true
}

var inventoryLimitByPlan = map[string]int{
	PlanTrial:    50,
	PlanStarter:  250,
	PlanPro:      1000,
	PlanBusiness: 10000,
}

// InventoryLimit returns the plan's inventory item ceiling. Unknown plans get
// the trial ceiling.
func InventoryLimit(planID string) int {
	if limit, ok := inventoryLimitByPlan[planID]; ok {
		return limit
	}
	return inventoryLimitByPlan[PlanTrial]
}

// IsKnown reports whether the plan id is one of the defined tiers.
func IsKnown(planID string) bool {
	switch planID {
	case PlanTrial, PlanStarter, PlanPro, PlanBusiness:
		return true
	}
	return false
}
