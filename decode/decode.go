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

// Package decode turns a raw captured frame into a strongly-typed PTP
// Message Record. Decode is a pure function: the same bytes always produce
// the same record, and a frame that does not carry PTP is reported as an
// *Error of KindNotPTP, which callers drop silently.
package decode

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	ptp "github.com/facebookincubator/ptptrace/protocol"
)

// Kind enumerates why a frame failed to decode as PTP.
type Kind int

const (
	// KindNotPTP means the frame is not PTP traffic at all. Silent: callers drop it.
	KindNotPTP Kind = iota
	// KindTooShort means the frame is too small to contain the layer being parsed.
	KindTooShort
	// KindUnsupportedVersion means the PTP major version is not 2.
	KindUnsupportedVersion
	// KindBadMessageLength means the header's messageLength field disagrees with the buffer.
	KindBadMessageLength
	// KindTruncatedTLV means the message decoded but one or more trailing TLVs did not.
	KindTruncatedTLV
)

func (k Kind) String() string {
	switch k {
	case KindNotPTP:
		return "NotPTP"
	case KindTooShort:
		return "TooShort"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindBadMessageLength:
		return "BadMessageLength"
	case KindTruncatedTLV:
		return "TruncatedTlv"
	default:
		return "Unknown"
	}
}

// Error wraps a decode failure with the reason it occurred.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Transport identifies how the PTP payload reached the wire.
type Transport int

const (
	// TransportUnknown is the zero value, never produced by a successful decode.
	TransportUnknown Transport = iota
	// TransportUDP4Event is PTP event traffic (port 319) over IPv4.
	TransportUDP4Event
	// TransportUDP4General is PTP general traffic (port 320) over IPv4.
	TransportUDP4General
	// TransportUDP6Event is PTP event traffic (port 319) over IPv6.
	TransportUDP6Event
	// TransportUDP6General is PTP general traffic (port 320) over IPv6.
	TransportUDP6General
	// TransportL2 is raw gPTP over Ethernet (EtherType 0x88F7).
	TransportL2
)

func (t Transport) String() string {
	switch t {
	case TransportUDP4Event:
		return "UDP4/event"
	case TransportUDP4General:
		return "UDP4/general"
	case TransportUDP6Event:
		return "UDP6/event"
	case TransportUDP6General:
		return "UDP6/general"
	case TransportL2:
		return "L2"
	default:
		return "unknown"
	}
}

// VLANTag is one 802.1Q/802.1ad tag observed on the frame.
type VLANTag struct {
	VID      uint16
	Priority uint8
}

// Record is the immutable result of decoding one captured frame.
type Record struct {
	CaptureTime time.Time
	Interface   string

	SrcMAC, DstMAC net.HardwareAddr
	VLANs          []VLANTag // outermost first; len 2 means QinQ

	SrcIP, DstIP net.IP // nil for L2 gPTP

	Transport Transport

	Packet ptp.Packet // decoded PTP body, always non-nil on success

	// Truncated is true when the message decoded but a trailing TLV did not
	// (see protocol.readTLVsLenient); Warning names the reason.
	Truncated bool
	Warning   Kind

	Raw []byte
}

// MessageType is a convenience accessor over the underlying packet.
func (r *Record) MessageType() ptp.MessageType {
	return r.Packet.MessageType()
}

// NativeVLAN optionally labels untagged frames arriving on a trunk configured
// with a native VLAN, per the "native VLAN precedence" design note: an
// explicit tag on the wire always wins over this configured default.
type NativeVLAN struct {
	Set bool
	Tag VLANTag
}

// Decode parses one captured frame. iface is the ingress interface name
// (attached to the record verbatim); native optionally supplies the
// interface's configured native VLAN for untagged frames.
func Decode(capturedAt time.Time, iface string, native NativeVLAN, raw []byte) (*Record, error) {
	if len(raw) < 14 {
		return nil, newError(KindTooShort, "frame has %d bytes, need at least 14 for Ethernet", len(raw))
	}

	packet := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:                     true,
		NoCopy:                   true,
		SkipDecodeRecovery:       true,
		DecodeStreamsAsDatagrams: false,
	})

	rec := &Record{
		CaptureTime: capturedAt,
		Interface:   iface,
		Raw:         raw,
	}

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, newError(KindTooShort, "no Ethernet layer")
	}
	eth, _ := ethLayer.(*layers.Ethernet)
	rec.SrcMAC = eth.SrcMAC
	rec.DstMAC = eth.DstMAC

	for _, l := range packet.Layers() {
		if dot1q, ok := l.(*layers.Dot1Q); ok {
			rec.VLANs = append(rec.VLANs, VLANTag{VID: dot1q.VLANIdentifier, Priority: dot1q.Priority})
		}
	}
	if len(rec.VLANs) == 0 && native.Set {
		rec.VLANs = append(rec.VLANs, native.Tag)
	}

	const etherTypePTP = 0x88F7

	var payload []byte

	switch uint16(eth.EthernetType) {
	case etherTypePTP:
		rec.Transport = TransportL2
		payload = gptpPayload(packet, raw)
	default:
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			return nil, newError(KindNotPTP, "not PTP: no UDP/gPTP payload")
		}
		udp, _ := udpLayer.(*layers.UDP)
		switch int(udp.DstPort) {
		case ptp.PortEvent, ptp.PortGeneral:
		default:
			return nil, newError(KindNotPTP, "UDP port %d is not a PTP port", udp.DstPort)
		}

		if ip6 := packet.Layer(layers.LayerTypeIPv6); ip6 != nil {
			v6, _ := ip6.(*layers.IPv6)
			rec.SrcIP, rec.DstIP = v6.SrcIP, v6.DstIP
			if int(udp.DstPort) == ptp.PortEvent {
				rec.Transport = TransportUDP6Event
			} else {
				rec.Transport = TransportUDP6General
			}
		} else if ip4 := packet.Layer(layers.LayerTypeIPv4); ip4 != nil {
			v4, _ := ip4.(*layers.IPv4)
			rec.SrcIP, rec.DstIP = v4.SrcIP, v4.DstIP
			if int(udp.DstPort) == ptp.PortEvent {
				rec.Transport = TransportUDP4Event
			} else {
				rec.Transport = TransportUDP4General
			}
		} else {
			return nil, newError(KindNotPTP, "UDP without IPv4 or IPv6 layer")
		}
		payload = udp.Payload
	}

	if payload == nil {
		return nil, newError(KindNotPTP, "empty PTP payload")
	}

	p, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	rec.Packet = p
	applyTruncation(rec, p)

	return rec, nil
}

// gptpPayload returns the bytes after the Ethernet (and any VLAN) header for
// raw L2 gPTP frames, where there is no UDP layer to hand us the payload.
func gptpPayload(packet gopacket.Packet, raw []byte) []byte {
	offset := 14
	for _, l := range packet.Layers() {
		if _, ok := l.(*layers.Dot1Q); ok {
			offset += 4
		}
	}
	if offset >= len(raw) {
		return nil
	}
	return raw[offset:]
}

func decodePayload(payload []byte) (ptp.Packet, error) {
	if len(payload) < 34 {
		return nil, newError(KindTooShort, "PTP payload has %d bytes, need at least 34", len(payload))
	}
	if payload[1]&0x0f != 2 {
		return nil, newError(KindUnsupportedVersion, "PTP major version %d is not 2", payload[1]&0x0f)
	}
	p, err := ptp.DecodePacket(payload)
	if err != nil {
		return nil, newError(KindBadMessageLength, "decoding PTP body: %v", err)
	}
	return p, nil
}

// applyTruncation copies the Truncated flag from message types that carry a
// best-effort TLV list (Announce, SyncDelayReq, Signaling); Management never
// truncates since it retains raw dataset bytes instead of decoding TLVs.
func applyTruncation(rec *Record, p ptp.Packet) {
	switch v := p.(type) {
	case *ptp.Announce:
		rec.Truncated = v.Truncated
	case *ptp.SyncDelayReq:
		rec.Truncated = v.Truncated
	case *ptp.Signaling:
		rec.Truncated = v.Truncated
	}
	if rec.Truncated {
		rec.Warning = KindTruncatedTLV
	}
}
