package model

import (
	"fmt"
	"strings"
)

// Plan is a named subscription tier. Plans are ordered: entitlement checks
// ("does this key meet the minimum plan for feature X") are a single ordinal
// comparison, never a string comparison.
type Plan int

const (
	PlanFree Plan = iota
	PlanPro
	PlanTeam
	PlanEnterprise
)

var planNames = [...]string{"free", "pro", "team", "enterprise"}

// Default requests-per-minute ceilings per plan, used when no catalog is
// configured and no per-credential override is set.
var defaultPlanLimits = [...]int{60, 600, 2400, 10000}

func (p Plan) String() string {
	if p < PlanFree || p > PlanEnterprise {
		return fmt.Sprintf("plan(%d)", int(p))
	}
	return planNames[p]
}

// DefaultLimit returns the built-in requests-per-minute ceiling for the plan.
func (p Plan) DefaultLimit() int {
	if p < PlanFree || p > PlanEnterprise {
		return defaultPlanLimits[PlanFree]
	}
	return defaultPlanLimits[p]
}

// AtLeast reports whether the plan meets or exceeds min.
func (p Plan) AtLeast(min Plan) bool {
	return p >= min
}

// ParsePlan maps a plan name to its Plan value. Matching is case-insensitive.
func ParsePlan(name string) (Plan, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "free":
		return PlanFree, nil
	case "pro":
		return PlanPro, nil
	case "team":
		return PlanTeam, nil
	case "enterprise":
		return PlanEnterprise, nil
	default:
		return PlanFree, fmt.Errorf("unrecognized plan %q", name)
	}
}

// Plans returns all recognized plans in ascending order.
func Plans() []Plan {
	return []Plan{PlanFree, PlanPro, PlanTeam, PlanEnterprise}
}

// PlanInfo is the read-only plan view handed to the quota engine and the
// entitlement port: the plan itself plus the effective per-minute limit
// after applying any per-credential override.
type PlanInfo struct {
	Plan     Plan `json:"plan"`
	Limit    int  `json:"limit_per_min"`
	Override bool `json:"override"`
}

// PlanCatalogEntry is one row of the public plan catalog endpoint.
type PlanCatalogEntry struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	LimitPerMin int    `json:"limit_per_min"`
}
