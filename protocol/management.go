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

package protocol

import (
	"encoding/binary"
	"fmt"
)

const managementHeaderSize = headerSize + 14 // Header + TargetPortIdentity(10) + StartingBoundaryHops + BoundaryHops + ActionField + Reserved

// Action indicates the action to be taken on receipt of the PTP message, Table 57
type Action uint8

// actions as in Table 57 Values of the actionField
const (
	GET Action = iota
	SET
	RESPONSE
	COMMAND
	ACKNOWLEDGE
)

// ManagementID is the type for Management IDs, Table 59 managementId values
type ManagementID uint16

// a handful of well-known Management IDs, just enough to label what we observe
const (
	IDNullPTPManagement ManagementID = 0x0000
	IDClockDescription  ManagementID = 0x0001
	IDUserDescription   ManagementID = 0x0002
	IDDefaultDataSet    ManagementID = 0x2000
	IDCurrentDataSet    ManagementID = 0x2001
	IDParentDataSet     ManagementID = 0x2002
)

// Management is a passively decoded MANAGEMENT message. We don't run a
// management client and never originate requests, so unlike the per-dataset
// TLVs a management protocol implementation would decode, we keep the TLV
// head plus the raw dataset bytes rather than a typed struct per
// managementId: a trace tool only needs to say what was asked for, not act
// on it.
type Management struct {
	Header
	TargetPortIdentity   PortIdentity
	StartingBoundaryHops uint8
	BoundaryHops         uint8
	ActionField          Action
	ManagementID         ManagementID
	IsError              bool
	Payload              []byte
}

// Action returns ActionField
func (p *Management) Action() Action {
	return p.ActionField
}

// MgmtID returns ManagementID
func (p *Management) MgmtID() ManagementID {
	return p.ManagementID
}

// UnmarshalBinary parses []byte and populates struct fields
func (p *Management) UnmarshalBinary(b []byte) error {
	if len(b) < managementHeaderSize {
		return fmt.Errorf("not enough data to decode Management")
	}
	unmarshalHeader(&p.Header, b)
	if p.SdoIDAndMsgType.MsgType() != MessageManagement {
		return fmt.Errorf("not a management message %v", b)
	}
	p.TargetPortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[headerSize:]))
	p.TargetPortIdentity.PortNumber = binary.BigEndian.Uint16(b[headerSize+8:])
	p.StartingBoundaryHops = b[headerSize+10]
	p.BoundaryHops = b[headerSize+11]
	p.ActionField = Action(b[headerSize+12])

	maxLength := int(p.MessageLength)
	if maxLength > len(b) {
		maxLength = len(b)
	}
	pos := managementHeaderSize
	if pos+tlvHeadSize > maxLength {
		// management messages can legally carry no TLV (e.g. NULL_MANAGEMENT)
		return nil
	}
	head := TLVHead{}
	if err := unmarshalTLVHeader(&head, b[pos:]); err != nil {
		return nil
	}
	p.IsError = head.TLVType == TLVManagementErrorStatus
	bodyStart := pos + tlvHeadSize
	bodyEnd := pos + tlvHeadSize + int(head.LengthField)
	if bodyEnd > maxLength || bodyEnd > len(b) {
		bodyEnd = maxLength
	}
	if bodyEnd < bodyStart {
		return nil
	}
	if p.IsError {
		if bodyEnd-bodyStart >= 2 {
			p.ManagementID = ManagementID(binary.BigEndian.Uint16(b[bodyStart+2:]))
		}
	} else if bodyEnd-bodyStart >= 2 {
		p.ManagementID = ManagementID(binary.BigEndian.Uint16(b[bodyStart:]))
		bodyStart += 2
	}
	if bodyStart < bodyEnd {
		p.Payload = append(p.Payload, b[bodyStart:bodyEnd]...)
	}
	return nil
}
