// Package policy provides capability filtering and access control for
// fabric agents. It supports policy injection via HTTP headers and
// context-based access validation.
package policy

import (
	"context"
	"strings"
)

// contextKey is the type for context keys in this package.
type contextKey int

// Header constants for policy injection.
const (
	// AllowCapabilitiesHeader specifies capabilities to allow (comma-separated).
	AllowCapabilitiesHeader = "X-A2A-Allow-Capabilities"
	// DenyCapabilitiesHeader specifies capabilities to deny (comma-separated).
	DenyCapabilitiesHeader = "X-A2A-Deny-Capabilities"
)

const (
	policyKey contextKey = iota + 1
)

// Policy represents capability access control rules.
type Policy struct {
	// AllowList contains capabilities explicitly allowed. Empty means all allowed.
	AllowList []string
	// DenyList contains capabilities explicitly denied.
	DenyList []string
}

// ExtractPolicyFromHeaders parses policy headers and returns a Policy.
// Headers are expected to contain comma-separated capability names.
func ExtractPolicyFromHeaders(allowHeader, denyHeader string) *Policy {
	return &Policy{
		AllowList: parseCapabilityList(allowHeader),
		DenyList:  parseCapabilityList(denyHeader),
	}
}

// parseCapabilityList parses a comma-separated list of capability names.
func parseCapabilityList(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	capabilities := make([]string, 0, len(parts))
	for _, p := range parts {
		c := strings.TrimSpace(p)
		if c != "" {
			capabilities = append(capabilities, c)
		}
	}
	return capabilities
}

// InjectPolicyToContext adds the policy to the context.
func InjectPolicyToContext(ctx context.Context, p *Policy) context.Context {
	return context.WithValue(ctx, policyKey, p)
}

// PolicyFromContext retrieves the policy from context.
// Returns nil if no policy is set.
func PolicyFromContext(ctx context.Context) *Policy {
	p, _ := ctx.Value(policyKey).(*Policy)
	return p
}

// FilterCapabilities applies the policy to a list of capability names
// and returns the allowed subset. If AllowList is non-empty, only
// capabilities in the allow list are included. Capabilities in
// DenyList are always excluded.
func FilterCapabilities(capabilities []string, p *Policy) []string {
	if p == nil {
		return capabilities
	}

	allowSet := make(map[string]struct{}, len(p.AllowList))
	for _, c := range p.AllowList {
		allowSet[c] = struct{}{}
	}
	denySet := make(map[string]struct{}, len(p.DenyList))
	for _, c := range p.DenyList {
		denySet[c] = struct{}{}
	}

	result := make([]string, 0, len(capabilities))
	for _, capability := range capabilities {
		if _, denied := denySet[capability]; denied {
			continue
		}
		if len(allowSet) > 0 {
			if _, allowed := allowSet[capability]; !allowed {
				continue
			}
		}
		result = append(result, capability)
	}
	return result
}

// ValidateCapabilityAccess checks if a capability is allowed by the
// policy. Returns true if the capability is accessible, false otherwise.
func ValidateCapabilityAccess(capability string, p *Policy) bool {
	if p == nil {
		return true
	}

	for _, c := range p.DenyList {
		if c == capability {
			return false
		}
	}

	if len(p.AllowList) == 0 {
		return true
	}

	for _, c := range p.AllowList {
		if c == capability {
			return true
		}
	}

	return false
}
