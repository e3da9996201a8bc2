package handlers

import (
	"github.com/mcarata/blueprints/internal/worker/dockerapi"
)

// Security levels order the container privileges an agent may request, from
// locked-down to fully privileged.
const (
	SecurityStandard = "standard"
	SecurityAdvanced = "advanced"
	SecurityPro      = "pro"
	SecurityRoot     = "root"
)

// Billing tiers cap the security level an agent can hold.
const (
	TierFree = "free"
	TierPlus = "plus"
	TierPro  = "pro"
	TierMax  = "max"
)

var levelRank = map[string]int{
	SecurityStandard: 0,
	SecurityAdvanced: 1,
	SecurityPro:      2,
	SecurityRoot:     3,
}

var tierCeiling = map[string]string{
	TierFree: SecurityStandard,
	TierPlus: SecurityAdvanced,
	TierPro:  SecurityPro,
	TierMax:  SecurityRoot,
}

// ResolveSecurityLevel clamps the requested level to the tier's ceiling.
// Unknown tiers behave as free and unknown levels as standard, so a bad
// value can never widen privileges.
func ResolveSecurityLevel(tier, requested string) string {
	ceiling, ok := tierCeiling[tier]
	if !ok {
		ceiling = SecurityStandard
	}
	if _, ok := levelRank[requested]; !ok {
		requested = SecurityStandard
	}
	if levelRank[requested] > levelRank[ceiling] {
		return ceiling
	}
	return requested
}

// applySecurity stamps the container spec with the posture for a level.
func applySecurity(spec *dockerapi.ContainerSpec, level string) {
	switch level {
	case SecurityAdvanced:
		spec.User = "1000:1000"
		spec.CapDropAll = true
		spec.CapAdd = []string{"SYS_ADMIN"}
		spec.ReadonlyRootfs = false
		spec.NoNewPrivileges = false
	case SecurityPro:
		spec.User = "1000:1000"
		spec.CapDropAll = true
		spec.CapAdd = []string{"SYS_ADMIN", "NET_ADMIN"}
		spec.ReadonlyRootfs = true
		spec.NoNewPrivileges = false
		spec.Tmpfs = map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"}
	case SecurityRoot:
		spec.User = "root"
		spec.CapDropAll = false
		spec.CapAdd = nil
		spec.ReadonlyRootfs = false
		spec.NoNewPrivileges = false
	default: // standard
		spec.User = "1000:1000"
		spec.CapDropAll = true
		spec.CapAdd = nil
		spec.ReadonlyRootfs = true
		spec.NoNewPrivileges = true
		spec.Tmpfs = map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"}
	}
}
