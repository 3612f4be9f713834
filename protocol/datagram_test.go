// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatagramRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		d    Datagram
	}{
		{"unreliable", Datagram{
			Seq:    5,
			Frames: []Frame{{Reliability: Unreliable, Payload: []byte{1, 2, 3}}},
		}},
		{"reliable", Datagram{
			Seq: 0xFFFFFF,
			Frames: []Frame{{
				Reliability:    Reliable,
				ReliableNumber: 0x123456,
				Payload:        []byte{9},
			}},
		}},
		{"reliable-ordered", Datagram{
			Seq: 77,
			Frames: []Frame{{
				Reliability:     ReliableOrdered,
				ReliableNumber:  12,
				OrderingIndex:   34,
				OrderingChannel: 31,
				Payload:         []byte{0xAA, 0xBB},
			}},
		}},
		{"sequenced", Datagram{
			Seq: 1,
			Frames: []Frame{{
				Reliability:     UnreliableSequenced,
				SequencingIndex: 900,
				OrderingIndex:   20,
				OrderingChannel: 3,
				Payload:         []byte{4, 5, 6, 7},
			}},
		}},
		{"split", Datagram{
			Seq: 2,
			Frames: []Frame{{
				Reliability:    ReliableOrdered,
				ReliableNumber: 1,
				OrderingIndex:  2,
				SplitCount:     3,
				SplitID:        7,
				SplitIndex:     2,
				Payload:        []byte{0xDE, 0xAD},
			}},
		}},
		{"multi-frame", Datagram{
			Seq: 3,
			Frames: []Frame{
				{Reliability: Unreliable, Payload: []byte{1}},
				{Reliability: Reliable, ReliableNumber: 2, Payload: []byte{2, 2}},
				{Reliability: ReliableOrdered, ReliableNumber: 3, OrderingIndex: 0, OrderingChannel: 1, Payload: []byte{3}},
			},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := MarshalDatagram(nil, &tc.d)
			decoded, err := UnmarshalDatagram(encoded)
			require.NoError(t, err)
			require.Equal(t, &tc.d, decoded)

			// Encode(decode(bytes)) == bytes for well-formed input.
			again := MarshalDatagram(nil, decoded)
			require.Equal(t, encoded, again)
		})
	}
}

func TestUnmarshalDatagramErrors(t *testing.T) {
	valid := MarshalDatagram(nil, &Datagram{
		Seq: 1,
		Frames: []Frame{{
			Reliability:    Reliable,
			ReliableNumber: 1,
			Payload:        []byte{1, 2, 3, 4},
		}},
	})

	t.Run("short header", func(t *testing.T) {
		_, err := UnmarshalDatagram([]byte{FlagValid, 0})
		require.Error(t, err)
	})
	t.Run("no valid flag", func(t *testing.T) {
		_, err := UnmarshalDatagram([]byte{0x05, 0, 0, 0})
		require.ErrorIs(t, err, ErrNotDatagram)
	})
	t.Run("empty body", func(t *testing.T) {
		_, err := UnmarshalDatagram(valid[:4])
		require.Error(t, err)
	})
	t.Run("truncated payload", func(t *testing.T) {
		for cut := 5; cut < len(valid); cut++ {
			_, err := UnmarshalDatagram(valid[:cut])
			require.Error(t, err, "cut at %d", cut)
		}
	})
	t.Run("channel out of range", func(t *testing.T) {
		bad := MarshalDatagram(nil, &Datagram{
			Seq: 1,
			Frames: []Frame{{
				Reliability:     ReliableOrdered,
				ReliableNumber:  1,
				OrderingChannel: 31,
				Payload:         []byte{1},
			}},
		})
		// Bump the channel byte past the limit.
		bad[len(bad)-2] = MaxOrderingChannels
		_, err := UnmarshalDatagram(bad)
		require.ErrorIs(t, err, ErrChannelOutOfRange)
	})
	t.Run("zero split count", func(t *testing.T) {
		bad := MarshalDatagram(nil, &Datagram{
			Seq: 1,
			Frames: []Frame{{
				Reliability: Reliable, ReliableNumber: 1,
				SplitCount: 1, SplitID: 1, SplitIndex: 0,
				Payload: []byte{1},
			}},
		})
		// SplitCount starts right after flags+bitlen+reliable number.
		copy(bad[4+3+3:], []byte{0, 0, 0, 0})
		_, err := UnmarshalDatagram(bad)
		require.Error(t, err)
	})
}

func TestAckRangesRoundTrip(t *testing.T) {
	ranges := []AckRange{{Min: 0, Max: 4}, {Min: 9, Max: 9}, {Min: 0xFFFFFE, Max: 0xFFFFFE}}
	for _, isNAK := range []bool{false, true} {
		data := MarshalAcks(nil, ranges, isNAK)
		hdr := ParseHeader(data[0])
		require.True(t, hdr.Valid)
		require.Equal(t, !isNAK, hdr.IsACK)
		require.Equal(t, isNAK, hdr.IsNAK)

		decoded, err := UnmarshalAcks(data[1:])
		require.NoError(t, err)
		require.Equal(t, ranges, decoded)
	}
}

func TestUnmarshalAcksErrors(t *testing.T) {
	_, err := UnmarshalAcks([]byte{0})
	require.Error(t, err)

	// Count says one range, body empty.
	_, err = UnmarshalAcks([]byte{0, 1})
	require.Error(t, err)

	// Trailing garbage.
	data := MarshalAcks(nil, []AckRange{{Min: 1, Max: 1}}, false)
	_, err = UnmarshalAcks(append(data[1:], 0xFF))
	require.Error(t, err)
}

func TestCoalesceSeqs(t *testing.T) {
	require.Nil(t, CoalesceSeqs(nil))
	require.Equal(t,
		[]AckRange{{Min: 3, Max: 3}},
		CoalesceSeqs([]uint32{3}))
	require.Equal(t,
		[]AckRange{{Min: 0, Max: 2}, {Min: 5, Max: 6}},
		CoalesceSeqs([]uint32{0, 1, 2, 5, 6}))
	// Duplicates collapse.
	require.Equal(t,
		[]AckRange{{Min: 4, Max: 5}},
		CoalesceSeqs([]uint32{4, 4, 5}))
	// Coalescing follows the 24-bit circle across the wrap point.
	require.Equal(t,
		[]AckRange{{Min: 0xFFFFFF, Max: 0}},
		CoalesceSeqs([]uint32{0xFFFFFF, 0}))
}

func TestSeqArithmetic(t *testing.T) {
	require.EqualValues(t, 0, SeqNext(0xFFFFFF))
	require.True(t, SeqLess(0xFFFFFF, 0))
	require.False(t, SeqLess(0, 0xFFFFFF))
	require.False(t, SeqLess(5, 5))
	require.True(t, SeqLess(5, 6))
	require.EqualValues(t, 2, SeqDiff(0xFFFFFF, 1))

	var buf [3]byte
	PutUint24(buf[:], 0xABCDEF)
	require.EqualValues(t, 0xABCDEF, Uint24(buf[:]))
	require.Equal(t, []byte{0xEF, 0xCD, 0xAB}, buf[:])
}

func TestFrameHeaderSize(t *testing.T) {
	f := Frame{Reliability: ReliableOrdered}
	require.Equal(t, 1+2+3+3+1, f.HeaderSize())
	f.SplitCount = 2
	require.Equal(t, 1+2+3+3+1+SplitHeaderSize, f.HeaderSize())
	require.Equal(t, 3, (&Frame{Reliability: Unreliable}).HeaderSize())
}
