package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTMFEventCode(t *testing.T) {
	tests := []struct {
		digit rune
		code  uint8
	}{
		{'0', 0}, {'5', 5}, {'9', 9},
		{'*', 10}, {'#', 11},
		{'A', 12}, {'b', 13}, {'C', 14}, {'d', 15},
	}
	for _, tt := range tests {
		code, err := dtmfEventCode(tt.digit)
		require.NoError(t, err, "digit %q", tt.digit)
		assert.Equal(t, tt.code, code, "digit %q", tt.digit)
	}

	for _, bad := range []rune{'E', 'x', ' ', '+'} {
		_, err := dtmfEventCode(bad)
		assert.Error(t, err, "digit %q", bad)
	}
}

func TestDTMFPackets(t *testing.T) {
	packets, err := dtmfPackets('#', 101, 8000, 0xCAFE, 65534, 1000, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, packets, 6)

	for i, pkt := range packets {
		assert.Equal(t, uint8(101), pkt.PayloadType)
		assert.Equal(t, uint32(0xCAFE), pkt.SSRC)
		assert.Equal(t, uint32(1000), pkt.Timestamp, "одинаковый timestamp у всех пакетов события")
		assert.Equal(t, uint16(65534)+uint16(i), pkt.SequenceNumber)
		assert.Equal(t, i == 0, pkt.Marker)

		require.Len(t, pkt.Payload, 4)
		assert.Equal(t, byte(11), pkt.Payload[0])
		assert.Equal(t, i >= 3, pkt.Payload[1]&0x80 != 0, "флаг E на завершающих пакетах")
		assert.Equal(t, byte(10), pkt.Payload[1]&0x3F)
		assert.Equal(t, uint16(800), uint16(pkt.Payload[2])<<8|uint16(pkt.Payload[3]))
	}
}

func TestDTMFPackets_Invalid(t *testing.T) {
	_, err := dtmfPackets('X', 101, 8000, 1, 1, 1, 100*time.Millisecond)
	assert.Error(t, err)

	_, err = dtmfPackets('1', 101, 8000, 1, 1, 1, 0)
	assert.Error(t, err)

	// 10 с при 8 кГц не помещаются в 16 битное поле длительности
	_, err = dtmfPackets('1', 101, 8000, 1, 1, 1, 10*time.Second)
	assert.Error(t, err)
}

func TestDTMFPackets_ClockRate(t *testing.T) {
	for _, tt := range []struct {
		rate    uint32
		samples uint16
	}{
		{0, 800},
		{8000, 800},
		{16000, 1600},
		{48000, 4800},
	} {
		packets, err := dtmfPackets('1', 101, tt.rate, 1, 1, 1, 100*time.Millisecond)
		require.NoError(t, err, "rate %d", tt.rate)
		p := packets[0].Payload
		assert.Equal(t, tt.samples, uint16(p[2])<<8|uint16(p[3]), "rate %d", tt.rate)
	}

	_, err := dtmfPackets('1', 101, 48000, 1, 1, 1, 2*time.Second)
	assert.Error(t, err)
}

func TestDTMFInfoBody(t *testing.T) {
	assert.Equal(t, "Signal=5\r\nDuration=160\r\n", string(dtmfInfoBody('5', 160*time.Millisecond)))
}
