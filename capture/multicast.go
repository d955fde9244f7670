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

package capture

import (
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// PTP's well-known multicast groups. A passive observer has to join these
// the same way a real port would, purely so the switch forwards the
// traffic to us; we never transmit into them.
var (
	ptpGroupV4       = net.IPv4(224, 0, 1, 129)
	peerDelayGroupV4 = net.IPv4(224, 0, 0, 107)
	ptpGroupV6       = net.ParseIP("FF0E::181")
	peerDelayGroupV6 = net.ParseIP("FF02::6B")
)

// JoinMulticastGroups joins the IPv4 and IPv6 PTP multicast groups on iface
// so a switch configured for IGMP/MLD snooping forwards event and general
// traffic to this host. Failures are logged and otherwise ignored: a
// missing group join degrades what we see, it never stops the observer
// from running, and interfaces with no multicast support (loopback,
// certain virtual NICs) are expected to fail here.
func JoinMulticastGroups(ifaceName string) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		log.WithError(err).WithField("interface", ifaceName).Warn("cannot resolve interface for multicast join")
		return
	}

	joinV4(iface)
	joinV6(iface)
}

func joinV4(iface *net.Interface) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:319")
	if err != nil {
		log.WithError(err).WithField("interface", iface.Name).Debug("skipping IPv4 multicast join")
		return
	}
	pc := ipv4.NewPacketConn(conn)
	for _, group := range []net.IP{ptpGroupV4, peerDelayGroupV4} {
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"interface": iface.Name,
				"group":     group.String(),
			}).Warn("failed to join IPv4 PTP multicast group")
		}
	}
}

func joinV6(iface *net.Interface) {
	conn, err := net.ListenPacket("udp6", "[::]:319")
	if err != nil {
		log.WithError(err).WithField("interface", iface.Name).Debug("skipping IPv6 multicast join")
		return
	}
	pc := ipv6.NewPacketConn(conn)
	for _, group := range []net.IP{ptpGroupV6, peerDelayGroupV6} {
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"interface": iface.Name,
				"group":     group.String(),
			}).Warn("failed to join IPv6 PTP multicast group")
		}
	}
}
