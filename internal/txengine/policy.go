package txengine

// tierGrants maps a subscription tier to the license policies it may install.
var tierGrants = map[string]map[string]bool{
	"free":       {"open": true},
	"pro":        {"open": true, "non-commercial": true},
	"enterprise": {"open": true, "non-commercial": true, "commercial": true},
}

// EvaluatePolicy checks the requested pack policies against a tier. Unknown
// policies are always denied; an empty tier means free.
func EvaluatePolicy(tier string, policies []string) (allowed bool, violations []string) {
	if tier == "" {
		tier = "free"
	}
	grants, ok := tierGrants[tier]
	if !ok {
		grants = tierGrants["free"]
	}
	for _, p := range policies {
		if !grants[p] {
			violations = append(violations, p)
		}
	}
	return len(violations) == 0, violations
}
