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
	"testing"

	"github.com/stretchr/testify/require"
)

func buildManagementPacket(mgmtID ManagementID, payload []byte) []byte {
	tlvLen := 2 + len(payload)
	msgLen := managementHeaderSize + tlvHeadSize + tlvLen
	b := make([]byte, msgLen)
	h := Header{
		SdoIDAndMsgType:    NewSdoIDAndMsgType(MessageManagement, 0),
		Version:            Version,
		MessageLength:      uint16(msgLen),
		SourcePortIdentity: PortIdentity{ClockIdentity: 0x1122334455667788, PortNumber: 1},
	}
	n := headerMarshalBinaryTo(&h, b)
	binary.BigEndian.PutUint64(b[n:], uint64(0xaabbccddeeff0011))
	binary.BigEndian.PutUint16(b[n+8:], 0xffff)
	// StartingBoundaryHops, BoundaryHops, ActionField, Reserved all zero
	pos := managementHeaderSize
	binary.BigEndian.PutUint16(b[pos:], uint16(TLVManagement))
	binary.BigEndian.PutUint16(b[pos+2:], uint16(tlvLen))
	binary.BigEndian.PutUint16(b[pos+4:], uint16(mgmtID))
	copy(b[pos+6:], payload)
	return b
}

func TestManagementUnmarshalBinary(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	b := buildManagementPacket(IDDefaultDataSet, payload)

	packet, err := DecodePacket(b)
	require.NoError(t, err)
	m, ok := packet.(*Management)
	require.True(t, ok)
	require.Equal(t, MessageManagement, m.MessageType())
	require.Equal(t, IDDefaultDataSet, m.MgmtID())
	require.Equal(t, GET, m.Action())
	require.False(t, m.IsError)
	require.Equal(t, payload, m.Payload)
}

func TestManagementUnmarshalBinaryNoTLV(t *testing.T) {
	b := make([]byte, managementHeaderSize)
	h := Header{
		SdoIDAndMsgType: NewSdoIDAndMsgType(MessageManagement, 0),
		Version:         Version,
		MessageLength:   uint16(managementHeaderSize),
	}
	headerMarshalBinaryTo(&h, b)

	packet, err := DecodePacket(b)
	require.NoError(t, err)
	m, ok := packet.(*Management)
	require.True(t, ok)
	require.Equal(t, ManagementID(0), m.MgmtID())
	require.Nil(t, m.Payload)
}
