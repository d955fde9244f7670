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

// Package capture implements the Frame Source: a lazy sequence of raw
// captured frames, either read live off a NIC or replayed from a trace
// file. It never interprets PTP itself, that is the decode package's job.
package capture

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Kind classifies a startup or runtime capture failure.
type Kind int

const (
	KindPermissionDenied Kind = iota
	KindNoSuchInterface
	KindTraceFormatError
	KindCaptureError
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindNoSuchInterface:
		return "NoSuchInterface"
	case KindTraceFormatError:
		return "TraceFormatError"
	case KindCaptureError:
		return "CaptureError"
	default:
		return "Unknown"
	}
}

// Error wraps a capture failure with its classification and the interface
// or file it occurred on.
type Error struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Kind, e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Frame is one captured link-layer frame with its ingress metadata.
type Frame struct {
	CaptureTime time.Time
	Interface   string
	Data        []byte
}

// Config selects either live interfaces or an offline trace. Exactly one of
// Interfaces or PcapFile must be set.
type Config struct {
	Interfaces     []string
	Promiscuous    bool
	PcapFile       string
	SnapLen        int32
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FilterVirtual  bool
	// QueueCapacity bounds the Frame channel returned by Frames. Zero
	// defaults to 1024.
	QueueCapacity int
}

// Validate enforces the mutual exclusivity of live vs offline mode and
// fills in defaults for anything the caller left zero.
func (c *Config) Validate() error {
	if len(c.Interfaces) > 0 && c.PcapFile != "" {
		return fmt.Errorf("capture: Interfaces and PcapFile are mutually exclusive")
	}
	if len(c.Interfaces) == 0 && c.PcapFile == "" {
		return fmt.Errorf("capture: one of Interfaces or PcapFile must be set")
	}
	if c.SnapLen <= 0 {
		c.SnapLen = 1600
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	return nil
}

var virtualPrefixes = []string{"docker", "br-", "veth", "tun", "tap", "vnet", "utun", "lo"}

// isVirtual applies a name-heuristic filter for
// excluding transient/virtual interfaces from auto-discovery.
func isVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// DiscoverInterfaces enumerates capturable OS interfaces, applying the
// virtual-interface filter unless includeVirtual is true.
func DiscoverInterfaces(includeVirtual bool) ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, &Error{Kind: KindCaptureError, Source: "(enumeration)", Err: err}
	}
	var names []string
	for _, d := range devs {
		if !includeVirtual && isVirtual(d.Name) {
			continue
		}
		names = append(names, d.Name)
	}
	return names, nil
}

// LocalMACs resolves the hardware addresses of the named interfaces, so the
// registry can tell a host's own traffic apart from a remote one's. Names
// that don't resolve (virtual interfaces with no link-layer address, a
// typo'd name from config) are skipped rather than failing the whole call.
func LocalMACs(names []string) map[string]bool {
	out := map[string]bool{}
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			log.WithError(err).WithField("interface", name).Debug("cannot resolve interface for local MAC lookup")
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		out[iface.HardwareAddr.String()] = true
	}
	return out
}

// checkPrivilege returns nil for every effective user ID, root or not: a
// non-root process may still hold capture capabilities, so permission
// failures are reported by pcap.OpenLive, which classifyOpenError maps to
// KindPermissionDenied.
func checkPrivilege() error {
	if unix.Geteuid() == 0 {
		return nil
	}
	return nil
}

// Source yields Frames from one or more live interfaces, or from a trace
// file, until ctx is cancelled or the trace is exhausted.
type Source struct {
	// drops is first so sync/atomic's 64-bit-alignment requirement on
	// 32-bit platforms is met regardless of what Config ends up containing.
	drops uint64
	cfg   Config
}

// NewSource validates cfg and returns a ready-to-run Source.
func NewSource(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{cfg: cfg}, nil
}

// Drops returns the cumulative count of frames dropped because a consumer
// fell behind the Frame channel's capacity. Safe to call concurrently with
// Frames.
func (s *Source) Drops() uint64 {
	return atomic.LoadUint64(&s.drops)
}

// Frames returns a channel of captured frames. The channel is closed when
// ctx is cancelled (live mode) or the trace file is exhausted (offline
// mode). Errors encountered on individual interfaces are sent to errs
// rather than terminating the whole source.
func (s *Source) Frames(ctx context.Context) (<-chan Frame, <-chan error) {
	out := make(chan Frame, s.cfg.QueueCapacity)
	errs := make(chan error, 16)

	if s.cfg.PcapFile != "" {
		go s.runOffline(ctx, out, errs)
		return out, errs
	}

	var wg sync.WaitGroup
	wg.Add(len(s.cfg.Interfaces))
	for _, iface := range s.cfg.Interfaces {
		iface := iface
		go func() {
			defer wg.Done()
			s.runLive(ctx, iface, out, errs)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
		close(errs)
	}()
	return out, errs
}

func (s *Source) runLive(ctx context.Context, iface string, out chan<- Frame, errs chan<- error) {
	if err := checkPrivilege(); err != nil {
		errs <- &Error{Kind: KindPermissionDenied, Source: iface, Err: err}
		return
	}

	b := newBackoff(s.cfg.InitialBackoff, s.cfg.MaxBackoff)
	for {
		if ctx.Err() != nil {
			return
		}
		handle, err := pcap.OpenLive(iface, s.cfg.SnapLen, s.cfg.Promiscuous, pcap.BlockForever)
		if err != nil {
			kind := classifyOpenError(err)
			errs <- &Error{Kind: kind, Source: iface, Err: err}
			if kind != KindCaptureError {
				return
			}
			wait := b.next()
			log.WithFields(log.Fields{"interface": iface, "wait": wait}).Warn("retrying capture open after failure")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.reset()
		s.drain(ctx, iface, handle, out)
		handle.Close()
		if ctx.Err() != nil {
			return
		}
	}
}

func classifyOpenError(err error) Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such device"):
		return KindNoSuchInterface
	case strings.Contains(msg, "permission"):
		return KindPermissionDenied
	default:
		return KindCaptureError
	}
}

func (s *Source) drain(ctx context.Context, iface string, handle *pcap.Handle, out chan<- Frame) {
	pktSrc := gopacket.NewPacketSource(handle, handle.LinkType())
	pktSrc.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-pktSrc.Packets():
			if !ok {
				return
			}
			emit(ctx, out, iface, pkt, &s.drops)
		}
	}
}

func emit(ctx context.Context, out chan<- Frame, iface string, pkt gopacket.Packet, drops *uint64) {
	ts := time.Now()
	if md := pkt.Metadata(); md != nil && !md.Timestamp.IsZero() {
		ts = md.Timestamp
	}
	frame := Frame{CaptureTime: ts, Interface: iface, Data: pkt.Data()}
	select {
	case out <- frame:
		return
	default:
	}
	// queue full: drop the oldest queued frame and retry once, matching
	// the backpressure policy of never blocking capture on a slow consumer.
	select {
	case <-out:
		atomic.AddUint64(drops, 1)
	default:
	}
	select {
	case out <- frame:
	case <-ctx.Done():
	}
}

// packetHandle abstracts the two pcapgo reader types so offline replay can
// try pcapng first and fall back to classic pcap, grounded on pshark's
// dual-reader pattern.
type packetHandle interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func (s *Source) runOffline(ctx context.Context, out chan<- Frame, errs chan<- error) {
	defer close(out)
	defer close(errs)

	f, err := os.Open(s.cfg.PcapFile)
	if err != nil {
		errs <- &Error{Kind: KindTraceFormatError, Source: s.cfg.PcapFile, Err: err}
		return
	}
	defer f.Close()

	var handle packetHandle
	ngReader, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr == nil {
		handle = ngReader
	} else {
		if _, serr := f.Seek(0, 0); serr != nil {
			errs <- &Error{Kind: KindTraceFormatError, Source: s.cfg.PcapFile, Err: serr}
			return
		}
		reader, rerr := pcapgo.NewReader(f)
		if rerr != nil {
			errs <- &Error{Kind: KindTraceFormatError, Source: s.cfg.PcapFile, Err: rerr}
			return
		}
		handle = reader
	}

	pktSrc := gopacket.NewPacketSource(handle, handle.LinkType())
	pktSrc.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for pkt := range pktSrc.Packets() {
		if ctx.Err() != nil {
			return
		}
		ts := time.Now()
		if md := pkt.Metadata(); md != nil && !md.CaptureInfo.Timestamp.IsZero() {
			ts = md.CaptureInfo.Timestamp
		}
		select {
		case out <- Frame{CaptureTime: ts, Interface: s.cfg.PcapFile, Data: pkt.Data()}:
		case <-ctx.Done():
			return
		}
	}
}
