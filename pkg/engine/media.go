package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const framePeriod = 20 * time.Millisecond

// mediaStream RTP поток одного вызова. Аудио ввод/вывод зависит от хоста,
// поэтому поток передает кадры тишины, пока микрофон включен, и
// RFC 4733 события DTMF.
type mediaStream struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu     sync.Mutex
	remote *net.UDPAddr
	codec  codecInfo
	dtmfPT uint8
	// dtmfRate частота telephone-event, от нее считается длительность события
	dtmfRate uint32
	dtmf   bool
	ssrc   uint32
	seq    uint16
	ts     uint32

	micEnabled atomic.Bool
	received   atomic.Uint64

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// listenMedia открывает UDP сокет для RTP с DSCP маркировкой
func listenMedia(host string, port, dscp int, logger *slog.Logger) (*mediaStream, error) {
	laddr := &net.UDPAddr{Port: port}
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		laddr.IP = ip
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть RTP сокет: %w", err)
	}

	if dscp > 0 {
		if raw, err := conn.SyscallConn(); err == nil {
			var sockErr error
			_ = raw.Control(func(fd uintptr) {
				sockErr = setSockOptDSCP(int(fd), dscp)
			})
			if sockErr != nil {
				logger.Debug("DSCP маркировка недоступна", slog.String("error", sockErr.Error()))
			}
		}
	}

	m := &mediaStream{
		conn:   conn,
		logger: logger,
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.Uint32()),
		ts:     rand.Uint32(),
		stop:   make(chan struct{}),
	}
	m.micEnabled.Store(true)
	return m, nil
}

// LocalPort порт, объявляемый в SDP
func (m *mediaStream) LocalPort() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

// configure применяет результат согласования
func (m *mediaStream) configure(n *negotiation, fallbackDTMF uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = n.remoteAddr
	m.codec = n.codec
	m.dtmf = n.dtmf
	m.dtmfPT = n.dtmfPT
	m.dtmfRate = dtmfClockRate(n.dtmfRate)
	if !n.dtmf {
		m.dtmfPT = fallbackDTMF
	}
}

func (m *mediaStream) hasDTMF() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dtmf
}

// start запускает прием и передачу. Повторный вызов ничего не делает.
func (m *mediaStream) start() {
	m.mu.Lock()
	if m.started || m.closed || m.remote == nil {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop()
	go m.sendLoop()
}

func (m *mediaStream) setMicEnabled(enabled bool) {
	m.micEnabled.Store(enabled)
}

func (m *mediaStream) readLoop() {
	defer m.wg.Done()

	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		m.received.Add(1)
	}
}

func (m *mediaStream) sendLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(framePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		step := m.codec.ClockRate / 50
		if !m.micEnabled.Load() {
			m.ts += step
			m.mu.Unlock()
			continue
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    m.codec.PayloadType,
				SequenceNumber: m.seq,
				Timestamp:      m.ts,
				SSRC:           m.ssrc,
			},
			Payload: silenceFrame(m.codec),
		}
		m.seq++
		m.ts += step
		remote := m.remote
		m.mu.Unlock()

		m.write(pkt, remote)
	}
}

// sendDTMF передает событие RFC 4733 и блокируется на его длительность
func (m *mediaStream) sendDTMF(digit rune, duration time.Duration) error {
	m.mu.Lock()
	if m.remote == nil {
		m.mu.Unlock()
		return errors.New("медиа поток не согласован")
	}
	packets, err := dtmfPackets(digit, m.dtmfPT, m.dtmfRate, m.ssrc, m.seq, m.ts, duration)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.seq += uint16(len(packets))
	remote := m.remote
	m.mu.Unlock()

	for i, pkt := range packets {
		if err := m.write(pkt, remote); err != nil {
			return err
		}
		if i == 2 {
			time.Sleep(duration)
		}
	}
	return nil
}

func (m *mediaStream) write(pkt *rtp.Packet, remote *net.UDPAddr) error {
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := m.conn.WriteToUDP(data, remote); err != nil {
		m.logger.Debug("ошибка отправки RTP", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// close останавливает поток и освобождает сокет
func (m *mediaStream) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	_ = m.conn.Close()
	m.wg.Wait()
}

// silenceFrame кадр тишины 20 мс для кодека
func silenceFrame(c codecInfo) []byte {
	switch c.PayloadType {
	case 0:
		return repeatByte(0xFF, 160)
	case 8:
		return repeatByte(0xD5, 160)
	}
	// opus: кадр тишины (TOC 0xF8, 20 мс)
	return []byte{0xF8, 0xFF, 0xFE}
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
