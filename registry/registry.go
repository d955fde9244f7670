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

// Package registry maintains the set of PTP/gPTP hosts observed on the
// network, keyed by Clock Identity. It is single-writer: only the pipeline
// goroutine that owns a Registry may call Ingest or Tick.
package registry

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/ptptrace/bmca"
	"github.com/facebookincubator/ptptrace/decode"
	ptp "github.com/facebookincubator/ptptrace/protocol"
)

// confidenceExpr computes a [0,1] regularity score from how far a message
// type's observed rate has drifted from its expected rate and how much it
// has been wobbling, expressed the way fbclock's daemon composes its M/W
// formulas: compiled once, evaluated per host per tick.
var confidenceExpr *govaluate.EvaluableExpression

var confidenceFunctions = map[string]govaluate.ExpressionFunction{
	"abs": func(args ...interface{}) (interface{}, error) {
		return math.Abs(args[0].(float64)), nil
	},
	"max": func(args ...interface{}) (interface{}, error) {
		return math.Max(args[0].(float64), args[1].(float64)), nil
	},
}

func init() {
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(
		"max(0, 1 - (abs(observed-expected)/expected) - (stddev/expected))",
		confidenceFunctions,
	)
	if err != nil {
		panic(fmt.Sprintf("compiling confidence expression: %v", err))
	}
	confidenceExpr = expr
}

// State is a Host's derived PTP role, recomputed on every ingest and tick.
type State int

const (
	StateUnknown State = iota
	StateMaster
	StateSlave
	StatePassive
	StateGrandmaster
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateMaster:
		return "MASTER"
	case StateSlave:
		return "SLAVE"
	case StatePassive:
		return "PASSIVE"
	case StateGrandmaster:
		return "GRANDMASTER"
	case StateInactive:
		return "INACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Footprint is one (interface, MAC, IP, VLAN) tuple a Host was observed on.
// DstMAC is the destination of that particular frame, so a Delay_Req/
// Pdelay_Req footprint records which MAC the request actually targeted, not
// just who sent it.
type Footprint struct {
	Interface string
	MAC       net.HardwareAddr
	DstMAC    net.HardwareAddr
	IP        net.IP
	VLAN      uint16
}

// Counter tracks arrivals of one message type: total count, last arrival,
// a rate estimated with an exponential moving average over a 10s window,
// and a Welford accumulator over the instantaneous rate samples so the
// confidence formula can look at how much the rate has been wobbling
// rather than only its current value.
type Counter struct {
	Count    uint64
	LastSeen time.Time
	RateHz   float64
	stats    *welford.Stats
}

const rateWindow = 10 * time.Second

func (c *Counter) observe(now time.Time) {
	if c.stats == nil {
		c.stats = welford.New()
	}
	if !c.LastSeen.IsZero() {
		dt := now.Sub(c.LastSeen)
		if dt > 0 {
			instant := 1.0 / dt.Seconds()
			alpha := 1 - math.Exp(-dt.Seconds()/rateWindow.Seconds())
			c.RateHz = c.RateHz + alpha*(instant-c.RateHz)
			c.stats.Add(instant)
		}
	}
	c.Count++
	c.LastSeen = now
}

// Host is a mutable aggregate for one observed Clock Identity. Every field
// is only ever mutated by the Registry that owns it.
type Host struct {
	ClockIdentity ptp.ClockIdentity
	Ports         map[uint16]bool
	Footprints    []Footprint

	Domain    uint8
	Version   uint8
	Transport decode.Transport

	Dataset      bmca.Dataset
	HasAnnounce  bool
	AnnounceRate float64 // Hz derived from logMessageInterval, for confidence scoring

	Counters map[ptp.MessageType]*Counter

	Confidence float64

	IsLocal       bool
	IsGrandmaster bool

	FirstSeen time.Time
	LastSeen  time.Time

	State State
}

func newHost(id ptp.ClockIdentity, now time.Time) *Host {
	return &Host{
		ClockIdentity: id,
		Ports:         map[uint16]bool{},
		Counters:      map[ptp.MessageType]*Counter{},
		FirstSeen:     now,
		LastSeen:      now,
		State:         StateUnknown,
	}
}

// Config controls ageing and classification thresholds.
type Config struct {
	AnnounceTimeoutMultiplier int
	HostEvictionSeconds       int
	LocalMACs                map[string]bool
}

// DefaultConfig returns the documented defaults for host ageing and classification.
func DefaultConfig() Config {
	return Config{
		AnnounceTimeoutMultiplier: 3,
		HostEvictionSeconds:       60,
		LocalMACs:                map[string]bool{},
	}
}

// Registry is the host table. Not safe for concurrent use; confined to a
// single goroutine.
type Registry struct {
	cfg   Config
	hosts map[ptp.ClockIdentity]*Host
}

// New builds an empty Registry.
func New(cfg Config) *Registry {
	return &Registry{cfg: cfg, hosts: map[ptp.ClockIdentity]*Host{}}
}

// Ingest upserts the Host identified by the record's source port identity,
// merges its network footprint, updates counters/dataset, and recomputes
// classification. Never returns an error for well-formed records; decode
// warnings are tracked by the caller, not the registry.
func (r *Registry) Ingest(rec *decode.Record) {
	id := sourceClockIdentity(rec.Packet)

	h, exists := r.hosts[id]
	if !exists {
		h = newHost(id, rec.CaptureTime)
		r.hosts[id] = h
	}

	domain, version, port := messageHeader(rec.Packet)
	if exists && (h.Domain != domain || h.Version != version) {
		// a clock identity changing domain/version is rare and means our
		// classification state is stale; reset it instead of keeping a
		// duplicate Host.
		h.State = StateUnknown
		h.Counters = map[ptp.MessageType]*Counter{}
	}
	h.Domain = domain
	h.Version = version
	h.Transport = rec.Transport
	h.Ports[port] = true

	h.Footprints = mergeFootprint(h.Footprints, Footprint{
		Interface: rec.Interface,
		MAC:       rec.SrcMAC,
		DstMAC:    rec.DstMAC,
		IP:        rec.SrcIP,
		VLAN:      vlanOf(rec),
	})
	if r.cfg.LocalMACs[rec.SrcMAC.String()] {
		h.IsLocal = true
	}

	msgType := rec.Packet.MessageType()
	if c, ok := h.Counters[msgType]; ok {
		c.observe(rec.CaptureTime)
	} else {
		c := &Counter{}
		c.observe(rec.CaptureTime)
		h.Counters[msgType] = c
	}

	if ann, ok := rec.Packet.(*ptp.Announce); ok {
		h.Dataset = bmca.FromAnnounce(ann)
		h.HasAnnounce = true
		if d := ann.LogMessageInterval.Duration(); d > 0 {
			h.AnnounceRate = 1.0 / d.Seconds()
		}
	}

	h.LastSeen = rec.CaptureTime
	r.classify(h, rec.CaptureTime)
	r.updateConfidence(h)

	log.WithFields(log.Fields{
		"clock_identity": h.ClockIdentity.String(),
		"message_type":   msgType.String(),
		"state":          h.State.String(),
	}).Debug("ingested PTP message")
}

func sourceClockIdentity(p ptp.Packet) ptp.ClockIdentity {
	return ptp.SourcePortIdentity(p).ClockIdentity
}

func messageHeader(p ptp.Packet) (domain, version uint8, port uint16) {
	domain, version = ptp.DomainAndVersion(p)
	port = ptp.SourcePortIdentity(p).PortNumber
	return domain, version, port
}

func vlanOf(rec *decode.Record) uint16 {
	if len(rec.VLANs) == 0 {
		return 0
	}
	return rec.VLANs[len(rec.VLANs)-1].VID
}

func mergeFootprint(existing []Footprint, f Footprint) []Footprint {
	for _, e := range existing {
		if e.Interface == f.Interface && e.MAC.String() == f.MAC.String() &&
			e.DstMAC.String() == f.DstMAC.String() && e.VLAN == f.VLAN {
			return existing
		}
	}
	return append(existing, f)
}

// classify implements the ordered state-classification rules.
func (r *Registry) classify(h *Host, now time.Time) {
	if h.State == StateGrandmaster {
		// BMCA owns this state; Tick/Evaluator clears it explicitly when the
		// election changes.
		return
	}

	window := r.announceWindow(h)
	if c, ok := h.Counters[ptp.MessageAnnounce]; ok && now.Sub(c.LastSeen) <= window {
		h.State = StateMaster
		return
	}
	if c, ok := h.Counters[ptp.MessageSync]; ok && now.Sub(c.LastSeen) <= window {
		h.State = StateMaster
		return
	}
	if c, ok := h.Counters[ptp.MessageDelayReq]; ok && now.Sub(c.LastSeen) <= window {
		h.State = StateSlave
		return
	}
	if c, ok := h.Counters[ptp.MessagePDelayReq]; ok && now.Sub(c.LastSeen) <= window {
		h.State = StateSlave
		return
	}
	if c, ok := h.Counters[ptp.MessagePDelayResp]; ok && now.Sub(c.LastSeen) <= window {
		h.State = StatePassive
		return
	}
	// no traffic of any type for more than 10x the Announce window (30 s
	// for a 1 s Announce interval at the default multiplier of 3): the host
	// is inactive rather than merely silent on one message type.
	if now.Sub(h.LastSeen) > 10*window {
		h.State = StateInactive
	}
}

func (r *Registry) announceWindow(h *Host) time.Duration {
	mult := r.cfg.AnnounceTimeoutMultiplier
	if mult <= 0 {
		mult = 3
	}
	if h.AnnounceRate > 0 {
		interval := time.Duration(float64(time.Second) / h.AnnounceRate)
		return time.Duration(mult) * interval
	}
	return time.Duration(mult) * time.Second
}

func (r *Registry) updateConfidence(h *Host) {
	h.Confidence = 1.0
	for _, mt := range []ptp.MessageType{ptp.MessageAnnounce, ptp.MessageSync} {
		c, ok := h.Counters[mt]
		if !ok || h.AnnounceRate <= 0 || c.stats == nil || c.stats.Count() < 2 {
			continue
		}
		result, err := confidenceExpr.Evaluate(map[string]interface{}{
			"observed": c.stats.Mean(),
			"expected": h.AnnounceRate,
			"stddev":   c.stats.Stddev(),
		})
		if err != nil {
			log.WithError(err).Debug("evaluating confidence expression")
			continue
		}
		regularity, ok := result.(float64)
		if !ok {
			continue
		}
		if regularity < h.Confidence {
			h.Confidence = regularity
		}
	}
}

// SetGrandmaster marks id as the elected Grandmaster for its domain and
// demotes the previous holder (if tracked) back to MASTER.
func (r *Registry) SetGrandmaster(id ptp.ClockIdentity) {
	target, tracked := r.hosts[id]
	for cid, h := range r.hosts {
		if h.State == StateGrandmaster && cid != id && (!tracked || h.Domain == target.Domain) {
			h.State = StateMaster
			h.IsGrandmaster = false
		}
	}
	if h, ok := r.hosts[id]; ok {
		h.State = StateGrandmaster
		h.IsGrandmaster = true
	}
}

// Tick ages out silent hosts and stale Announce datasets. Must be called
// periodically, a single periodic pass at roughly 1 Hz is adequate.
func (r *Registry) Tick(now time.Time) {
	evictAfter := time.Duration(r.cfg.HostEvictionSeconds) * time.Second
	for id, h := range r.hosts {
		if now.Sub(h.LastSeen) > evictAfter {
			delete(r.hosts, id)
			continue
		}
		if h.HasAnnounce {
			if c, ok := h.Counters[ptp.MessageAnnounce]; !ok || now.Sub(c.LastSeen) > r.announceWindow(h) {
				h.HasAnnounce = false
			}
		}
		r.classify(h, now)
	}
}

// Remove forgets a single Host, for an Observer that wants to clear one
// entry without resetting the whole table.
func (r *Registry) Remove(id ptp.ClockIdentity) {
	delete(r.hosts, id)
}

// SnapshotHosts returns the current Host list. Callers must not mutate the
// returned Hosts; they are shared with the registry's internal map.
func (r *Registry) SnapshotHosts() []*Host {
	out := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	return out
}

// DatasetsInDomain returns the BMCA datasets for every host in domain d with
// a non-stale Announce, for consumption by the BMCA evaluator.
func (r *Registry) DatasetsInDomain(d uint8) []bmca.Dataset {
	var out []bmca.Dataset
	for _, h := range r.hosts {
		if h.Domain == d && h.HasAnnounce {
			out = append(out, h.Dataset)
		}
	}
	return out
}

