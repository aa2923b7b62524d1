package dqinfo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galpt/ironcore/internal/packet"
)

func TestFromPacketUsesVirtualLengthWhenSet(t *testing.T) {
	pkt := &packet.Packet{
		Data:          make([]byte, 40),
		VirtualLength: 1024,
	}
	info := FromPacket(pkt, 0b1)
	require.EqualValues(t, 1024, info.DequeuedSize)
}

func TestFromPacketFallsBackToLenWhenVirtualLengthUnset(t *testing.T) {
	pkt := &packet.Packet{
		Data: make([]byte, 40),
	}
	info := FromPacket(pkt, 0b1)
	require.EqualValues(t, pkt.Len(), info.DequeuedSize)
	require.NotZero(t, info.DequeuedSize, "a zero DequeuedSize would wedge the depth accounting forever")
}
