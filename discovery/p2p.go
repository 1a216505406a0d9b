package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/pulse/rmap"

	"github.com/a2a-fabric/core/types"
)

// Announcer is the p2p announcement/browse channel: agents publish
// their own profile and observe others' without a central directory.
// The concrete transport (multicast, gossip, or, as here, a
// replicated map) is an implementation choice; only the event
// contract built on top of it is normative.
type Announcer interface {
	// Announce publishes or refreshes this agent's profile.
	Announce(ctx context.Context, profile types.AgentProfile) error
	// Withdraw removes this agent's profile from the channel.
	Withdraw(ctx context.Context, agentID string) error
	// Browse returns every profile currently announced.
	Browse() ([]types.AgentProfile, error)
	// Watch streams raw change notifications; the caller re-Browses to
	// compute the diff. The channel is closed on Close.
	Watch() <-chan struct{}
	// Close releases the underlying subscription.
	Close() error
}

const p2pKeyPrefix = "discovery:p2p:"

// rmapAnnouncer is an Announcer backed by a Pulse replicated map:
// every fabric node holds the same map, so Set/Delete calls propagate
// to all peers and Subscribe delivers a notification on every change.
// Built on the same goa.design/pulse/rmap.Map replicated-map pattern
// used elsewhere in the fabric for cross-node coordination.
type rmapAnnouncer struct {
	m       *rmap.Map
	changes <-chan rmap.EventKind
	fanout  chan struct{}
	closeCh chan struct{}
}

// NewRMapAnnouncer constructs an Announcer over an already-connected
// Pulse replicated map (callers obtain one via a Pulse pool/rmap
// client pointed at Redis; construction of that connection is outside
// Discovery's concern).
func NewRMapAnnouncer(m *rmap.Map) Announcer {
	a := &rmapAnnouncer{
		m:       m,
		changes: m.Subscribe(),
		fanout:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	go a.pump()
	return a
}

func (a *rmapAnnouncer) pump() {
	defer close(a.fanout)
	for {
		select {
		case <-a.closeCh:
			return
		case _, ok := <-a.changes:
			if !ok {
				return
			}
			select {
			case a.fanout <- struct{}{}:
			default:
			}
		}
	}
}

func (a *rmapAnnouncer) Announce(ctx context.Context, profile types.AgentProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if _, err := a.m.Set(ctx, p2pKeyPrefix+profile.AgentID, string(data)); err != nil {
		return fmt.Errorf("announce %s: %w", profile.AgentID, err)
	}
	return nil
}

func (a *rmapAnnouncer) Withdraw(ctx context.Context, agentID string) error {
	if _, err := a.m.Delete(ctx, p2pKeyPrefix+agentID); err != nil {
		return fmt.Errorf("withdraw %s: %w", agentID, err)
	}
	return nil
}

func (a *rmapAnnouncer) Browse() ([]types.AgentProfile, error) {
	var profiles []types.AgentProfile
	for _, key := range a.m.Keys() {
		if len(key) <= len(p2pKeyPrefix) || key[:len(p2pKeyPrefix)] != p2pKeyPrefix {
			continue
		}
		val, ok := a.m.Get(key)
		if !ok {
			continue
		}
		var profile types.AgentProfile
		if err := json.Unmarshal([]byte(val), &profile); err != nil {
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (a *rmapAnnouncer) Watch() <-chan struct{} { return a.fanout }

func (a *rmapAnnouncer) Close() error {
	select {
	case <-a.closeCh:
		return nil
	default:
		close(a.closeCh)
	}
	a.m.Unsubscribe(a.changes)
	return nil
}

// noopAnnouncer backs lazy/central-only/none modes: Browse always
// empty, Announce/Withdraw no-ops, Watch never fires. Keeps Discovery
// from special-casing "no p2p backend" at every call site.
type noopAnnouncer struct {
	closed chan struct{}
}

func newNoopAnnouncer() Announcer { return &noopAnnouncer{closed: make(chan struct{})} }

func (noopAnnouncer) Announce(context.Context, types.AgentProfile) error { return nil }
func (noopAnnouncer) Withdraw(context.Context, string) error             { return nil }
func (noopAnnouncer) Browse() ([]types.AgentProfile, error)              { return nil, nil }
func (a *noopAnnouncer) Watch() <-chan struct{}                          { return a.closed }
func (noopAnnouncer) Close() error                                       { return nil }
