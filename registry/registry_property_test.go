package registry

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/a2a-fabric/core/types"
)

// registryOpKind is one step fed into a Registry during a property run.
type registryOpKind int

const (
	opRegister registryOpKind = iota
	opUnregister
)

type registryOp struct {
	kind       registryOpKind
	agentIndex int
	capIndex   int
}

var propertyCapNames = []string{"summarize", "translate", "classify"}

type registryOpFields struct {
	Kind       registryOpKind
	AgentIndex int
	CapIndex   int
}

func genRegistryOps() gopter.Gen {
	return gen.SliceOf(gen.Struct(reflect.TypeOf(registryOpFields{}), map[string]gopter.Gen{
		"Kind":       gen.OneConstOf(opRegister, opUnregister),
		"AgentIndex": gen.IntRange(0, 3),
		"CapIndex":   gen.IntRange(0, len(propertyCapNames)-1),
	}).Map(func(v registryOpFields) registryOp {
		return registryOp{kind: v.Kind, agentIndex: v.AgentIndex, capIndex: v.CapIndex}
	}))
}

// TestFindByCapabilityMatchesRegisteredState verifies that, for any
// sequence of register/unregister operations over a small fixed pool
// of agent ids, FindByCapability(name) always returns exactly the set
// of currently-registered online agents carrying that capability —
// the four internal indices never drift from the primary profile map.
func TestFindByCapabilityMatchesRegisteredState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("capability index matches registered agents", prop.ForAll(
		func(ops []registryOp) bool {
			reg := New()
			ctx := context.Background()
			registered := make(map[string]bool)

			for _, op := range ops {
				agentID := fmt.Sprintf("agent-%d", op.agentIndex)
				capName := propertyCapNames[op.capIndex]
				switch op.kind {
				case opRegister:
					profile := types.AgentProfile{
						AgentID:   agentID,
						AgentType: "worker",
						Status:    types.AgentOnline,
						Capabilities: []types.Capability{
							{ID: capName, Name: capName, Category: types.CategoryCreative, Reliability: 1},
						},
					}
					reg.Register(ctx, profile, true)
					registered[agentID] = true
				case opUnregister:
					reg.Unregister(ctx, agentID)
					registered[agentID] = false
				}
			}

			for _, capName := range propertyCapNames {
				matched := reg.FindByCapability(capName)
				matchedIDs := make(map[string]bool, len(matched))
				for _, p := range matched {
					matchedIDs[p.AgentID] = true
				}
				for i := 0; i < 4; i++ {
					agentID := fmt.Sprintf("agent-%d", i)
					profile, exists := reg.Get(agentID)
					expectPresent := registered[agentID] && exists && profile.Capabilities[0].Name == capName
					if expectPresent != matchedIDs[agentID] {
						return false
					}
				}
			}
			return true
		},
		genRegistryOps(),
	))

	properties.TestingRun(t)
}

// TestUnregisterLeavesNoIndexResidue verifies that once an agent is
// unregistered, it is absent from every capability and category index
// — regardless of how many times it was previously registered or
// which capability it last held.
func TestUnregisterLeavesNoIndexResidue(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("unregistered agent leaves no index residue", prop.ForAll(
		func(ops []registryOp) bool {
			reg := New()
			ctx := context.Background()

			for _, op := range ops {
				agentID := fmt.Sprintf("agent-%d", op.agentIndex)
				capName := propertyCapNames[op.capIndex]
				switch op.kind {
				case opRegister:
					profile := types.AgentProfile{
						AgentID:   agentID,
						AgentType: "worker",
						Status:    types.AgentOnline,
						Capabilities: []types.Capability{
							{ID: capName, Name: capName, Category: types.CategoryCreative, Reliability: 1},
						},
					}
					reg.Register(ctx, profile, true)
				case opUnregister:
					reg.Unregister(ctx, agentID)
					if _, exists := reg.Get(agentID); exists {
						return false
					}
					for _, name := range propertyCapNames {
						for _, p := range reg.FindByCapability(name) {
							if p.AgentID == agentID {
								return false
							}
						}
					}
					for _, p := range reg.FindByCategory(types.CategoryCreative) {
						if p.AgentID == agentID {
							return false
						}
					}
				}
			}
			return true
		},
		genRegistryOps(),
	))

	properties.TestingRun(t)
}
