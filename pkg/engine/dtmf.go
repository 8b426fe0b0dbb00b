package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pion/rtp"
)

// dtmfEventCode код события RFC 4733 для символа DTMF
func dtmfEventCode(digit rune) (uint8, error) {
	switch {
	case digit >= '0' && digit <= '9':
		return uint8(digit - '0'), nil
	case digit == '*':
		return 10, nil
	case digit == '#':
		return 11, nil
	}
	switch d := strings.ToUpper(string(digit)); d {
	case "A", "B", "C", "D":
		return 12 + d[0] - 'A', nil
	}
	return 0, fmt.Errorf("недопустимый DTMF символ %q", digit)
}

// dtmfPayload сериализует payload telephone-event: event, E|R|volume, duration
func dtmfPayload(event uint8, end bool, volume uint8, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = event
	if end {
		data[1] |= 0x80
	}
	data[1] |= volume & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data
}

// defaultDTMFClockRate частота telephone-event по RFC 4733
const defaultDTMFClockRate = 8000

func dtmfClockRate(rate uint32) uint32 {
	if rate == 0 {
		return defaultDTMFClockRate
	}
	return rate
}

// dtmfPackets строит последовательность RTP пакетов одного события:
// три начальных (маркер на первом) и три завершающих с флагом E.
// Все пакеты события имеют одинаковый timestamp, длительность
// в отсчетах clockRate должна помещаться в 16 бит.
func dtmfPackets(digit rune, pt uint8, clockRate uint32, ssrc uint32, seq uint16, ts uint32, duration time.Duration) ([]*rtp.Packet, error) {
	event, err := dtmfEventCode(digit)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}
	n := uint64(duration) * uint64(dtmfClockRate(clockRate)) / uint64(time.Second)
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("длительность DTMF %s не помещается в событие при частоте %d", duration, dtmfClockRate(clockRate))
	}
	samples := uint16(n)
	const volume = 10

	packets := make([]*rtp.Packet, 0, 6)
	for i := 0; i < 6; i++ {
		end := i >= 3
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    pt,
				SequenceNumber: seq + uint16(i),
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: dtmfPayload(event, end, volume, samples),
		})
	}
	return packets, nil
}

// dtmfInfoBody тело SIP INFO application/dtmf-relay
func dtmfInfoBody(digit rune, duration time.Duration) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, duration.Milliseconds()))
}
