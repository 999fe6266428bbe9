package entitlements

import (
	"strings"

	"github.com/ManuelReschke/Polaris/app/models"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// PlanKey identifies one purchasable subscription: a tier plus a billing period.
type PlanKey string

const (
	PlanProMonthly     PlanKey = "pro_monthly"
	PlanProYearly      PlanKey = "pro_yearly"
	PlanPremiumMonthly PlanKey = "premium_monthly"
	PlanPremiumYearly  PlanKey = "premium_yearly"
)

// AllPlanKeys lists the four plans in display order.
var AllPlanKeys = []PlanKey{PlanProMonthly, PlanProYearly, PlanPremiumMonthly, PlanPremiumYearly}

// ParsePlanKey normalizes user or gateway input. ok is false for anything
// outside the fixed set.
func ParsePlanKey(raw string) (PlanKey, bool) {
	p := PlanKey(strings.ToLower(strings.TrimSpace(raw)))
	for _, k := range AllPlanKeys {
		if p == k {
			return p, true
		}
	}
	return "", false
}

// Tier returns the access tier a plan unlocks.
func (p PlanKey) Tier() Tier {
	switch p {
	case PlanPremiumMonthly, PlanPremiumYearly:
		return TierPremium
	case PlanProMonthly, PlanProYearly:
		return TierPro
	default:
		return TierFree
	}
}

// Interval returns "month" or "year".
func (p PlanKey) Interval() string {
	if strings.HasSuffix(string(p), "_yearly") {
		return "year"
	}
	return "month"
}

func tierRank(t Tier) int {
	switch t {
	case TierPremium:
		return 2
	case TierPro:
		return 1
	default:
		return 0
	}
}

// EffectiveTier picks the highest tier among the active rows.
func EffectiveTier(rows []models.Entitlement) Tier {
	best := TierFree
	for _, row := range rows {
		if !row.Active {
			continue
		}
		plan, ok := ParsePlanKey(row.Plan)
		if !ok {
			continue
		}
		if tierRank(plan.Tier()) > tierRank(best) {
			best = plan.Tier()
		}
	}
	return best
}
