package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/Polaris/internal/pkg/entitlements"
)

const checkoutReferencePrefix = "polaris_"

// NewCheckoutReference builds the correlation string seeded at checkout time.
func NewCheckoutReference(userID string, plan entitlements.PlanKey, now time.Time) string {
	return fmt.Sprintf("%s%s_%s_%d", checkoutReferencePrefix, userID, plan, now.UnixMilli())
}

// ParseCheckoutReference recovers user and plan from a checkout reference.
// User ids may contain underscores; the plan always spans the two segments
// before the timestamp.
func ParseCheckoutReference(ref string) (string, entitlements.PlanKey, bool) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, checkoutReferencePrefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(ref, checkoutReferencePrefix), "_")
	if len(parts) < 4 {
		return "", "", false
	}
	n := len(parts)
	if _, err := strconv.ParseInt(parts[n-1], 10, 64); err != nil {
		return "", "", false
	}
	plan, ok := entitlements.ParsePlanKey(parts[n-3] + "_" + parts[n-2])
	if !ok {
		return "", "", false
	}
	userID := strings.Join(parts[:n-3], "_")
	if userID == "" {
		return "", "", false
	}
	return userID, plan, true
}

// attribution resolves user and plan. The plan comes from the price
// catalogue first: a plan switch in the gateway portal changes the price on
// the subscription but leaves the checkout metadata as it was. Metadata and
// the checkout reference fill in whatever the catalogue cannot.
func attribution(meta map[string]string, reference string, gw GatewayConfig, priceIDs ...string) (string, entitlements.PlanKey) {
	user := strings.TrimSpace(meta["user_id"])

	var plan entitlements.PlanKey
	for _, id := range priceIDs {
		if p, ok := gw.PlanForPrice(id); ok {
			plan = p
			break
		}
	}
	if plan == "" {
		plan, _ = entitlements.ParsePlanKey(meta["plan_key"])
	}

	if user == "" || plan == "" {
		for _, ref := range []string{meta["reference"], reference} {
			refUser, refPlan, ok := ParseCheckoutReference(ref)
			if !ok {
				continue
			}
			if user == "" {
				user = refUser
			}
			if plan == "" {
				plan = refPlan
			}
			break
		}
	}
	return user, plan
}
