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

func TestSignalingUnmarshalBinary(t *testing.T) {
	tlv := &CancelUnicastTransmissionTLV{
		TLVHead:         TLVHead{TLVType: TLVCancelUnicastTransmission, LengthField: 2},
		MsgTypeAndFlags: NewUnicastMsgTypeAndFlags(MessageAnnounce, 0),
	}
	want := &Signaling{
		Header: Header{
			SdoIDAndMsgType: NewSdoIDAndMsgType(MessageSignaling, 0),
			Version:         Version,
		},
		TargetPortIdentity: PortIdentity{ClockIdentity: 0x1122334455667788, PortNumber: 3},
		TLVs:               []TLV{tlv},
	}
	b := make([]byte, headerSize+10+tlvHeadSize+2)
	want.MessageLength = uint16(len(b))
	n, err := want.MarshalBinaryTo(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)

	got := &Signaling{}
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, want, got)
	require.False(t, got.Truncated)
}

func TestSignalingUnmarshalBinaryUnknownTLVKept(t *testing.T) {
	b := make([]byte, headerSize+10+tlvHeadSize+4)
	h := Header{
		SdoIDAndMsgType: NewSdoIDAndMsgType(MessageSignaling, 0),
		Version:         Version,
		MessageLength:   uint16(len(b)),
	}
	n := headerMarshalBinaryTo(&h, b)
	binary.BigEndian.PutUint64(b[n:], 0x1122334455667788)
	binary.BigEndian.PutUint16(b[n+8:], 3)
	pos := n + 10
	binary.BigEndian.PutUint16(b[pos:], 0x9999) // unrecognized TLV type
	binary.BigEndian.PutUint16(b[pos+2:], 4)
	copy(b[pos+4:], []byte{1, 2, 3, 4})

	got := &Signaling{}
	require.NoError(t, got.UnmarshalBinary(b))
	require.False(t, got.Truncated)
	require.Len(t, got.TLVs, 1)
	raw, ok := got.TLVs[0].(*RawTLV)
	require.True(t, ok)
	require.Equal(t, TLVType(0x9999), raw.Type())
	require.Equal(t, []byte{1, 2, 3, 4}, raw.Value)
}
