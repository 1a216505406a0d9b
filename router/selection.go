package router

import (
	"sort"
	"sync/atomic"

	"github.com/a2a-fabric/core/types"
)

// SelectionPolicy names one of the three supported agent-selection strategies.
type SelectionPolicy string

// Recognized selection policies.
const (
	PolicyBestMatch    SelectionPolicy = "best-match"
	PolicyRoundRobin   SelectionPolicy = "round-robin"
	PolicyLeastLoaded  SelectionPolicy = "least-loaded"
)

// selectAgent picks one candidate from profiles according to policy.
// Candidates must already be filtered to online, capable agents.
// Ties are broken by agentId lexicographic order. The round-robin
// counter is keyed by capability name so repeated calls for the same
// capability advance deterministically, per the Design Notes'
// resolution of the round-robin Open Question (an atomic.Uint64
// counter, not a character-sum-of-name hash).
func (r *Router) selectAgent(policy SelectionPolicy, capability string, profiles []types.AgentProfile) (types.AgentProfile, bool) {
	if len(profiles) == 0 {
		return types.AgentProfile{}, false
	}
	sorted := make([]types.AgentProfile, len(profiles))
	copy(sorted, profiles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	switch policy {
	case PolicyRoundRobin:
		counter := r.roundRobinCounter(capability)
		idx := counter.Add(1) - 1
		return sorted[int(idx%uint64(len(sorted)))], true
	case PolicyLeastLoaded:
		best := sorted[0]
		for _, p := range sorted[1:] {
			if p.Load < best.Load {
				best = p
			}
		}
		return best, true
	default: // PolicyBestMatch
		best := sorted[0]
		bestScore := bestMatchScore(best, capability)
		for _, p := range sorted[1:] {
			score := bestMatchScore(p, capability)
			if score > bestScore {
				best, bestScore = p, score
			}
		}
		return best, true
	}
}

// bestMatchScore implements the weighted match score:
// 0.4*reliability + 0.3*(1-load/100) + 0.2*successRate + 0.1*(1-cost/100).
func bestMatchScore(p types.AgentProfile, capability string) float64 {
	var reliability, cost float64
	for _, c := range p.Capabilities {
		if c.Name == capability {
			reliability = c.Reliability
			cost = c.Cost
			break
		}
	}
	return 0.4*reliability +
		0.3*(1-p.Load/100) +
		0.2*p.Performance.SuccessRate +
		0.1*(1-cost/100)
}

func (r *Router) roundRobinCounter(capability string) *atomic.Uint64 {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	c, ok := r.rrCounters[capability]
	if !ok {
		c = &atomic.Uint64{}
		r.rrCounters[capability] = c
	}
	return c
}
