package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractPolicyFromHeadersParsesAndTrims(t *testing.T) {
	p := ExtractPolicyFromHeaders(" read, write ,", "delete")
	require.Equal(t, []string{"read", "write"}, p.AllowList)
	require.Equal(t, []string{"delete"}, p.DenyList)
}

func TestExtractPolicyFromHeadersEmptyYieldsNilLists(t *testing.T) {
	p := ExtractPolicyFromHeaders("", "")
	require.Nil(t, p.AllowList)
	require.Nil(t, p.DenyList)
}

func TestContextRoundTrip(t *testing.T) {
	p := &Policy{AllowList: []string{"read"}}
	ctx := InjectPolicyToContext(context.Background(), p)
	require.Same(t, p, PolicyFromContext(ctx))
}

func TestPolicyFromContextMissingReturnsNil(t *testing.T) {
	require.Nil(t, PolicyFromContext(context.Background()))
}

func TestFilterCapabilitiesNilPolicyAllowsAll(t *testing.T) {
	caps := []string{"read", "write"}
	require.Equal(t, caps, FilterCapabilities(caps, nil))
}

func TestFilterCapabilitiesDenyListAlwaysExcludes(t *testing.T) {
	p := &Policy{DenyList: []string{"write"}}
	got := FilterCapabilities([]string{"read", "write"}, p)
	require.Equal(t, []string{"read"}, got)
}

func TestFilterCapabilitiesEmptyAllowListMeansAllAllowed(t *testing.T) {
	p := &Policy{}
	got := FilterCapabilities([]string{"read", "write"}, p)
	require.Equal(t, []string{"read", "write"}, got)
}

func TestFilterCapabilitiesAllowListIsWhitelist(t *testing.T) {
	p := &Policy{AllowList: []string{"read"}}
	got := FilterCapabilities([]string{"read", "write"}, p)
	require.Equal(t, []string{"read"}, got)
}

func TestFilterCapabilitiesDenyWinsOverAllow(t *testing.T) {
	p := &Policy{AllowList: []string{"read", "write"}, DenyList: []string{"write"}}
	got := FilterCapabilities([]string{"read", "write"}, p)
	require.Equal(t, []string{"read"}, got)
}

func TestValidateCapabilityAccessNilPolicyAllowsAll(t *testing.T) {
	require.True(t, ValidateCapabilityAccess("anything", nil))
}

func TestValidateCapabilityAccessDenyList(t *testing.T) {
	p := &Policy{DenyList: []string{"delete"}}
	require.False(t, ValidateCapabilityAccess("delete", p))
	require.True(t, ValidateCapabilityAccess("read", p))
}

func TestValidateCapabilityAccessAllowList(t *testing.T) {
	p := &Policy{AllowList: []string{"read"}}
	require.True(t, ValidateCapabilityAccess("read", p))
	require.False(t, ValidateCapabilityAccess("write", p))
}
