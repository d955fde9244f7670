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

// Package pipeline wires the Frame Source, Decoder, Host Registry, Packet
// Ring, BMCA Evaluator and Topology Builder into the single-goroutine
// observation loop that produces Snapshots for an Observer to consume.
// Apart from capture.Source, which reads each live interface on its own
// goroutine and only writes to channels, every package the Pipeline drives
// is single-threaded and confined to the Pipeline's loop goroutine.
package pipeline

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebookincubator/ptptrace/bmca"
	"github.com/facebookincubator/ptptrace/capture"
	"github.com/facebookincubator/ptptrace/decode"
	ptp "github.com/facebookincubator/ptptrace/protocol"
	"github.com/facebookincubator/ptptrace/registry"
	"github.com/facebookincubator/ptptrace/ring"
	"github.com/facebookincubator/ptptrace/topology"
)

// GrandmasterElection records the outcome of one BMCA evaluation pass, one
// per domain currently carrying Announce traffic.
type GrandmasterElection struct {
	Domain  uint8
	Winner  bmca.Dataset
	Changed bool
}

// Snapshot is the immutable, self-contained view of the observed network
// handed to an Observer on every publish tick. It is never mutated after
// construction: the Pipeline always builds a fresh one.
type Snapshot struct {
	Generated time.Time

	Hosts      []*registry.Host
	Edges      []topology.Edge
	Elections  []GrandmasterElection
	RecentTail []*decode.Record

	CaptureOverrun bool
	DecodeErrors   uint64

	// DroppedFrames is the cumulative count of frames the capture Source
	// had to drop because ingest fell behind its queue capacity.
	DroppedFrames uint64
	// DecodeWarnings counts non-fatal decode failures by decode.Kind
	// (truncated TLVs, bad message lengths, and similar), excluding
	// KindNotPTP which is ordinary non-PTP background traffic.
	DecodeWarnings map[decode.Kind]uint64
	// DegradedInterfaces lists interfaces a capture error has been
	// reported on since the last frame was successfully ingested from
	// them.
	DegradedInterfaces []string
}

// Command is a request an Observer sends back into the Pipeline.
type Command int

const (
	// CommandPause stops publishing new Snapshots without stopping capture.
	CommandPause Command = iota
	// CommandResume resumes publishing after a Pause.
	CommandResume
	// CommandClearAll forgets every observed host and edge.
	CommandClearAll
	// CommandRepublish forces an immediate BMCA/topology re-evaluation and
	// publish, without waiting for the next publish tick.
	CommandRepublish
	// CommandRescan re-runs interface discovery and multicast group joins
	// for the live interfaces the Pipeline was configured with. A no-op in
	// offline (pcap replay) mode.
	CommandRescan
)

// Observer is anything that wants to watch the Pipeline's output and
// occasionally steer it. Subscribe's channel is closed when the Pipeline
// shuts down.
type Observer interface {
	Subscribe() <-chan *Snapshot
	Control(Command)
	// ClearHost removes one Host and its retained packets, leaving every
	// other Host untouched.
	ClearHost(ptp.ClockIdentity)
}

// Config controls pipeline timing and capacity. Capture, Registry and
// Logging configuration live in the config package; this is the subset the
// pipeline itself consumes.
type Config struct {
	PublishInterval time.Duration
	TickInterval    time.Duration
	TailLength      int
	QueueCapacity   int
	LocalMACs       map[string]bool

	// Interfaces, FilterVirtual and JoinMulticast mirror the capture
	// configuration the Source was built from, so CommandRescan can redo
	// discovery and multicast joins the same way doRun does at startup.
	// Offline is true when the Source is replaying a trace file, where
	// rescanning live interfaces makes no sense.
	Interfaces    []string
	FilterVirtual bool
	JoinMulticast bool
	Offline       bool
}

// Pipeline owns the capture source, decoder, registry, ring, and the
// periodic BMCA/topology passes, and coalesces their output into Snapshots.
type Pipeline struct {
	cfg Config

	source *capture.Source
	reg    *registry.Registry
	ring   *ring.Ring

	regCfg       registry.Config
	ringCapacity int

	subscribers []chan *Snapshot
	control     chan Command
	clearHost   chan ptp.ClockIdentity
	paused      bool

	decodeErrors   uint64
	decodeWarnings map[decode.Kind]uint64
	overrun        bool
	degraded       map[string]bool

	nativeVLAN map[string]decode.NativeVLAN
}

// New builds a Pipeline over a ready-to-run capture Source.
func New(cfg Config, source *capture.Source, regCfg registry.Config, ringCapacity int) *Pipeline {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.TailLength <= 0 {
		cfg.TailLength = 64
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.LocalMACs != nil {
		regCfg.LocalMACs = cfg.LocalMACs
	}
	return &Pipeline{
		cfg:            cfg,
		source:         source,
		reg:            registry.New(regCfg),
		ring:           ring.New(ringCapacity),
		control:        make(chan Command, 8),
		clearHost:      make(chan ptp.ClockIdentity, 8),
		nativeVLAN:     map[string]decode.NativeVLAN{},
		decodeWarnings: map[decode.Kind]uint64{},
		degraded:       map[string]bool{},
		regCfg:         regCfg,
		ringCapacity:   ringCapacity,
	}
}

// Subscribe registers a new Snapshot consumer. Must be called before Run,
// since Run owns the subscriber list once started.
func (p *Pipeline) Subscribe() <-chan *Snapshot {
	ch := make(chan *Snapshot, p.cfg.QueueCapacity)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Control enqueues a Command for the Pipeline's next processing loop
// iteration to handle.
func (p *Pipeline) Control(cmd Command) {
	select {
	case p.control <- cmd:
	default:
		log.Warn("pipeline control queue full, dropping command")
	}
}

// ClearHost enqueues the removal of one Host and its retained packets for
// the Pipeline's next processing loop iteration to handle.
func (p *Pipeline) ClearHost(id ptp.ClockIdentity) {
	select {
	case p.clearHost <- id:
	default:
		log.Warn("pipeline control queue full, dropping ClearHost request")
	}
}

// SetNativeVLAN configures the native VLAN tag applied to untagged frames
// arriving on iface, per the Decoder's native-VLAN precedence rule.
func (p *Pipeline) SetNativeVLAN(iface string, tag decode.VLANTag) {
	p.nativeVLAN[iface] = decode.NativeVLAN{Set: true, Tag: tag}
}

// Run drives the Pipeline until ctx is cancelled. Frame ingest, ageing,
// BMCA/topology evaluation and publish all happen on this single goroutine:
// the Registry and Ring are documented single-writer types, so nothing here
// may touch them from a second goroutine. Capture itself still runs
// concurrently, one goroutine per interface inside capture.Source, feeding
// this loop over a channel.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.closeSubscribers()

	frames, captureErrs := p.source.Frames(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.loop(ctx, frames, captureErrs)
	})
	return g.Wait()
}

func (p *Pipeline) loop(ctx context.Context, frames <-chan capture.Frame, captureErrs <-chan error) error {
	publishTicker := time.NewTicker(p.cfg.PublishInterval)
	defer publishTicker.Stop()
	ageTicker := time.NewTicker(p.cfg.TickInterval)
	defer ageTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// process the frames already queued, then emit a final snapshot
			for frames != nil {
				select {
				case f, ok := <-frames:
					if !ok {
						frames = nil
						continue
					}
					p.ingestFrame(f)
				default:
					frames = nil
				}
			}
			p.evaluateAndPublish()
			return ctx.Err()
		case err, ok := <-captureErrs:
			if !ok {
				captureErrs = nil
				continue
			}
			log.WithError(err).Warn("capture error")
			p.overrun = true
			if ce, ok := err.(*capture.Error); ok {
				p.degraded[ce.Source] = true
			}
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			p.ingestFrame(f)
		case cmd := <-p.control:
			p.handleControl(cmd)
		case id := <-p.clearHost:
			p.reg.Remove(id)
			p.ring.RemoveHost(id)
		case <-ageTicker.C:
			p.reg.Tick(time.Now())
		case <-publishTicker.C:
			if !p.paused {
				p.evaluateAndPublish()
			}
		}
	}
}

func (p *Pipeline) ingestFrame(f capture.Frame) {
	delete(p.degraded, f.Interface)

	rec, err := decode.Decode(f.CaptureTime, f.Interface, p.nativeVLAN[f.Interface], f.Data)
	if err != nil {
		if de, ok := err.(*decode.Error); ok {
			if de.Kind == decode.KindNotPTP {
				return
			}
			p.decodeWarnings[de.Kind]++
		}
		p.decodeErrors++
		log.WithError(err).Debug("frame did not decode as PTP")
		return
	}
	p.reg.Ingest(rec)
	p.ring.Push(rec)
}

func (p *Pipeline) handleControl(cmd Command) {
	switch cmd {
	case CommandPause:
		p.paused = true
	case CommandResume:
		p.paused = false
	case CommandClearAll:
		p.reg = registry.New(p.regCfg)
		p.ring = ring.New(p.ringCapacity)
	case CommandRepublish:
		p.evaluateAndPublish()
	case CommandRescan:
		p.rescan()
	}
}

// rescan re-runs interface discovery and rejoins PTP multicast groups, the
// same startup dance doRun performs, grounded in
// cmd/ptptrace/cmd/run.go's own discovery-then-join sequence. It does not
// tear down or rebuild the running capture.Source: Source already retries
// a failed interface on its own backoff loop, so rescan's job is limited to
// picking up interfaces that have appeared since startup and re-asserting
// multicast membership on all of them.
func (p *Pipeline) rescan() {
	if p.cfg.Offline {
		return
	}
	ifaces, err := capture.DiscoverInterfaces(!p.cfg.FilterVirtual)
	if err != nil {
		log.WithError(err).Warn("rescan: interface discovery failed")
		ifaces = p.cfg.Interfaces
	}
	if p.cfg.JoinMulticast {
		for _, iface := range ifaces {
			capture.JoinMulticastGroups(iface)
		}
	}
	log.WithField("interfaces", ifaces).Info("rescan complete")
}

// evaluateAndPublish runs BMCA per domain, rebuilds topology from scratch,
// and fans the resulting Snapshot out to every subscriber.
func (p *Pipeline) evaluateAndPublish() {
	hosts := p.reg.SnapshotHosts()

	domains := map[uint8]bool{}
	for _, h := range hosts {
		if h.HasAnnounce {
			domains[h.Domain] = true
		}
	}

	var elections []GrandmasterElection
	for d := range domains {
		candidates := p.reg.DatasetsInDomain(d)
		winner, ok := bmca.Elect(candidates)
		if !ok {
			continue
		}
		changed := true
		for _, h := range hosts {
			if h.Domain == d && h.IsGrandmaster && h.ClockIdentity == winner.ClockIdentity {
				changed = false
			}
		}
		p.reg.SetGrandmaster(winner.ClockIdentity)
		elections = append(elections, GrandmasterElection{Domain: d, Winner: winner, Changed: changed})
	}

	// re-snapshot: SetGrandmaster above mutated State on the same Host
	// pointers the first snapshot referenced, so hosts already reflects it,
	// but topology needs the authoritative post-election state explicitly.
	hosts = p.reg.SnapshotHosts()
	edges := topology.Build(hosts)

	warnings := make(map[decode.Kind]uint64, len(p.decodeWarnings))
	for k, v := range p.decodeWarnings {
		warnings[k] = v
	}
	degraded := make([]string, 0, len(p.degraded))
	for iface := range p.degraded {
		degraded = append(degraded, iface)
	}
	sort.Strings(degraded)

	snap := &Snapshot{
		Generated:          time.Now(),
		Hosts:              hosts,
		Edges:              edges,
		Elections:          elections,
		RecentTail:         p.ring.Tail(p.cfg.TailLength),
		CaptureOverrun:     p.overrun,
		DecodeErrors:       p.decodeErrors,
		DroppedFrames:      p.source.Drops(),
		DecodeWarnings:     warnings,
		DegradedInterfaces: degraded,
	}
	p.overrun = false

	for _, ch := range p.subscribers {
		select {
		case ch <- snap:
		default:
			// slow subscriber: drop the oldest queued snapshot rather than block
			// the observation loop, matching the capture queue's own policy.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (p *Pipeline) closeSubscribers() {
	for _, ch := range p.subscribers {
		close(ch)
	}
}
