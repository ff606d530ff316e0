package refresh

import (
	"fmt"
	"strings"

	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

// Policy selects what a run fetches.
type Policy string

const (
	// PolicyDiscoverNew walks every property in scope and writes only keys
	// not stored yet.
	PolicyDiscoverNew Policy = "discover-new"
	// PolicyRefreshActive re-reads every stored property with an open case.
	PolicyRefreshActive Policy = "refresh-active"
	// PolicyRefreshAll re-reads every stored property that ever had a case.
	PolicyRefreshAll Policy = "refresh-all"
	// PolicyCleanup fetches nothing; it prunes history and collects stats.
	PolicyCleanup Policy = "cleanup"
)

// Policies lists every policy in scheduling priority order.
func Policies() []Policy {
	return []Policy{PolicyDiscoverNew, PolicyRefreshActive, PolicyRefreshAll, PolicyCleanup}
}

// ParsePolicy accepts the policy names above.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Policies() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

// Fetches reports whether the policy reads from the upstream API.
func (p Policy) Fetches() bool {
	return p != PolicyCleanup
}

// TargetsStore reports whether the policy's targets are read from the store
// and re-fetched by key instead of searched upstream. Upstream search no
// longer returns a property once it left the market.
func (p Policy) TargetsStore() bool {
	return p == PolicyRefreshActive || p == PolicyRefreshAll
}

// Status is the listing filter of the policy's target query.
func (p Policy) Status() workitem.Status {
	switch p {
	case PolicyRefreshActive:
		return workitem.StatusOnMarket
	case PolicyRefreshAll:
		return workitem.StatusListed
	default:
		return workitem.StatusAny
	}
}

// SkipsExisting reports whether stored keys are skipped instead of rewritten.
func (p Policy) SkipsExisting() bool {
	return p == PolicyDiscoverNew
}

func (p Policy) String() string {
	return string(p)
}
