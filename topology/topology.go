/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package topology reconstructs transmitter->receiver relationships from the
// Host Registry's current state. It is stateless: every Build call starts
// from nothing and looks only at the Hosts it is given, so there is no
// stale-edge bookkeeping to get wrong.
package topology

import (
	"github.com/facebookincubator/ptptrace/registry"
	ptp "github.com/facebookincubator/ptptrace/protocol"
)

// Evidence names which observation produced an Edge.
type Evidence int

const (
	// EvidenceCoLocated means the receiver was inferred from shared interface presence.
	EvidenceCoLocated Evidence = iota
	// EvidenceDelayRequest means a Delay_Req/Pdelay_Req targeted the transmitter's MAC.
	EvidenceDelayRequest
	// EvidenceAnnounceHierarchy means the receiver's Announce names the transmitter's Grandmaster one hop closer.
	EvidenceAnnounceHierarchy
)

func (e Evidence) String() string {
	switch e {
	case EvidenceDelayRequest:
		return "delay-request"
	case EvidenceAnnounceHierarchy:
		return "announce-hierarchy"
	default:
		return "co-located"
	}
}

// Edge is a directed transmitter->receiver relationship.
type Edge struct {
	Transmitter ptp.ClockIdentity
	Receiver    ptp.ClockIdentity
	Evidence    Evidence
}

// Build derives the current set of edges from a Host list.
// Rebuilt from scratch on every call; callers should not attempt to diff
// successive results themselves, just replace their previous edge set.
func Build(hosts []*registry.Host) []Edge {
	var edges []Edge
	seen := map[Edge]bool{}
	add := func(e Edge) {
		if e.Transmitter == e.Receiver {
			return
		}
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}

	byIface := map[string][]*registry.Host{}
	for _, h := range hosts {
		for _, fp := range h.Footprints {
			byIface[fp.Interface] = append(byIface[fp.Interface], h)
		}
	}

	for _, h := range hosts {
		if !isTransmitter(h) {
			continue
		}
		for _, fp := range h.Footprints {
			for _, other := range byIface[fp.Interface] {
				if other.ClockIdentity == h.ClockIdentity || other.Domain != h.Domain {
					continue
				}
				add(Edge{Transmitter: h.ClockIdentity, Receiver: other.ClockIdentity, Evidence: EvidenceCoLocated})
			}
		}
	}

	for _, receiver := range hosts {
		if !isRequester(receiver) {
			continue
		}
		for _, fp := range receiver.Footprints {
			if len(fp.DstMAC) == 0 {
				continue
			}
			for _, transmitter := range hosts {
				if transmitter.ClockIdentity == receiver.ClockIdentity {
					continue
				}
				if matchesAnyFootprintMAC(transmitter, fp.DstMAC) {
					add(Edge{Transmitter: transmitter.ClockIdentity, Receiver: receiver.ClockIdentity, Evidence: EvidenceDelayRequest})
				}
			}
		}
	}

	for _, receiver := range hosts {
		if !receiver.HasAnnounce {
			continue
		}
		for _, transmitter := range hosts {
			if transmitter.ClockIdentity == receiver.ClockIdentity || !transmitter.HasAnnounce {
				continue
			}
			if receiver.Dataset.GrandmasterIdentity == transmitter.Dataset.GrandmasterIdentity &&
				receiver.Dataset.StepsRemoved == transmitter.Dataset.StepsRemoved+1 {
				add(Edge{Transmitter: transmitter.ClockIdentity, Receiver: receiver.ClockIdentity, Evidence: EvidenceAnnounceHierarchy})
			}
		}
	}

	return edges
}

func isTransmitter(h *registry.Host) bool {
	return h.State == registry.StateMaster || h.State == registry.StateGrandmaster
}

func isRequester(h *registry.Host) bool {
	return h.State == registry.StateSlave || h.State == registry.StatePassive
}

func matchesAnyFootprintMAC(h *registry.Host, mac []byte) bool {
	if len(mac) == 0 {
		return false
	}
	for _, fp := range h.Footprints {
		if string(fp.MAC) == string(mac) {
			return true
		}
	}
	return false
}
