package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

// testPanel вызывная панель: sipgo UAC с диалогами и RTP сокетом
type testPanel struct {
	dialogs *sipgo.DialogClientCache
	rtp     *net.UDPConn

	mu   sync.Mutex
	byes int
}

func newTestPanel(t *testing.T) *testPanel {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("door-panel"), sipgo.WithUserAgentHostname("127.0.0.1"))
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname("127.0.0.1"))
	require.NoError(t, err)

	contact := sip.ContactHeader{Address: sip.Uri{User: "panel", Host: "127.0.0.1", Port: port}}
	p := &testPanel{
		dialogs: sipgo.NewDialogClientCache(client, contact),
		rtp:     rtpConn,
	}
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := p.dialogs.ReadBye(req, tx); err != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
			return
		}
		p.mu.Lock()
		p.byes++
		p.mu.Unlock()
	})

	go func() {
		_ = srv.ServeUDP(conn)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		_ = rtpConn.Close()
		_ = ua.Close()
	})
	return p
}

func (p *testPanel) Byes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byes
}

func (p *testPanel) offer() []byte {
	port := p.rtp.LocalAddr().(*net.UDPAddr).Port
	lines := []string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=panel",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP 0 101", port),
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-15",
		"a=sendrecv",
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

// pendingInvite исходящий INVITE и результат ожидания ответа
type pendingInvite struct {
	dlg    *sipgo.DialogClientSession
	result chan error
}

// invite отправляет INVITE и сразу начинает ждать ответ: sipgo передает
// предварительные ответы только читающему WaitAnswer
func (p *testPanel) invite(t *testing.T, ctx, waitCtx context.Context, port int) *pendingInvite {
	t.Helper()

	recipient := sip.Uri{User: "door1", Host: "127.0.0.1", Port: port}
	dlg, err := p.dialogs.Invite(ctx, recipient, p.offer(), sip.NewHeader("Content-Type", "application/sdp"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dlg.Close() })

	inv := &pendingInvite{dlg: dlg, result: make(chan error, 1)}
	go func() {
		inv.result <- dlg.WaitAnswer(waitCtx, sipgo.AnswerOptions{})
	}()
	return inv
}

func (inv *pendingInvite) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-inv.result:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("нет окончательного ответа на INVITE")
		return nil
	}
}

// readDTMFEvent ждет RTP пакет telephone-event и возвращает код события
func (p *testPanel) readDTMFEvent(t *testing.T, pt uint8) uint8 {
	t.Helper()

	buf := make([]byte, 1500)
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, p.rtp.SetReadDeadline(deadline))
	for {
		n, _, err := p.rtp.ReadFromUDP(buf)
		require.NoError(t, err, "нет RTP события DTMF")

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if pkt.PayloadType == pt && len(pkt.Payload) == 4 {
			return pkt.Payload[0]
		}
	}
}

// notificationLog собирает уведомления сессии
type notificationLog struct {
	mu    sync.Mutex
	items []phone.Notification
}

func (l *notificationLog) OnNotification(n phone.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, n)
}

// registrations состояния регистрации по порядку
func (l *notificationLog) registrations() []phone.RegistrationStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	var states []phone.RegistrationStatus
	for _, n := range l.items {
		if r, ok := n.(phone.RegistrationStateChanged); ok {
			states = append(states, r.State)
		}
	}
	return states
}

// callNames имена уведомлений о вызове по порядку
func (l *notificationLog) callNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for _, n := range l.items {
		if n.Name() != phone.EventRegistrationStateChanged {
			names = append(names, n.Name())
		}
	}
	return names
}

func (l *notificationLog) last() phone.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return nil
	}
	return l.items[len(l.items)-1]
}

// newEngineSession сессия поверх настоящего движка на loopback
func newEngineSession(t *testing.T, mutate ...func(*phone.Config)) (*phone.Session, *Engine, *notificationLog) {
	t.Helper()

	var engine *Engine
	factory := func() (phone.Engine, error) {
		e, err := New(loopbackConfig())
		if err != nil {
			return nil, err
		}
		engine = e
		return e, nil
	}

	cfg := phone.DefaultConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := phone.New(factory, cfg)
	require.NoError(t, err)
	notes := &notificationLog{}
	s.SetListener(notes)

	res, err := s.Initialize(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	t.Cleanup(func() { s.Destroy() })

	require.NotNil(t, engine)
	return s, engine, notes
}

func enginePort(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

func waitCallState(t *testing.T, s *phone.Session, want phone.PublicCallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.GetState().CallState == want
	}, 5*time.Second, 10*time.Millisecond, "ожидалось состояние вызова %s", want)
}

// answerCall проводит вызов до разговора: INVITE, Answer, 200 OK, ACK
func answerCall(t *testing.T, ctx context.Context, s *phone.Session, e *Engine, panel *testPanel) *sipgo.DialogClientSession {
	t.Helper()

	inv := panel.invite(t, ctx, ctx, enginePort(e))
	waitCallState(t, s, phone.CallStateRinging)

	acked := make(chan error, 1)
	go func() {
		err := <-inv.result
		if err == nil {
			err = inv.dlg.Ack(ctx)
		}
		acked <- err
	}()

	res, err := s.Answer()
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NoError(t, <-acked)

	waitCallState(t, s, phone.CallStateInCall)
	return inv.dlg
}

func TestSession_IncomingCallRemoteHangup(t *testing.T) {
	if testing.Short() {
		t.Skip("сетевой тест")
	}
	s, e, notes := newEngineSession(t)
	panel := newTestPanel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	dlg := answerCall(t, ctx, s, e, panel)

	res := dlg.InviteResponse
	require.NotNil(t, res)
	assert.Equal(t, 200, int(res.StatusCode))
	answer := &sdp.SessionDescription{}
	require.NoError(t, answer.Unmarshal(res.Body()))
	require.Len(t, answer.MediaDescriptions, 1)
	assert.Equal(t, []string{"0", "101"}, answer.MediaDescriptions[0].MediaName.Formats)

	// DTMF уходит событием RFC 4733 на согласованный payload type
	_, err := s.SendDtmf(phone.DTMFRequest{DTMF: "5"})
	require.NoError(t, err)
	assert.Equal(t, uint8(5), panel.readDTMFEvent(t, 101))

	require.NoError(t, dlg.Bye(ctx))
	waitCallState(t, s, phone.CallStateNone)
	require.Eventually(t, func() bool {
		return len(notes.callNames()) == 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{phone.EventIncomingCall, phone.EventCallConnected, phone.EventCallEnded}, notes.callNames())
}

func TestSession_IncomingCallLocalHangup(t *testing.T) {
	if testing.Short() {
		t.Skip("сетевой тест")
	}
	s, e, notes := newEngineSession(t)
	panel := newTestPanel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	answerCall(t, ctx, s, e, panel)

	res, err := s.Hangup()
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Eventually(t, func() bool { return panel.Byes() == 1 }, 5*time.Second, 10*time.Millisecond, "панель получает BYE")
	require.Eventually(t, func() bool {
		last := notes.last()
		return last != nil && last.Name() == phone.EventCallEnded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, phone.CallStateNone, s.GetState().CallState)
}

func TestSession_SecondIncomingCallBusy(t *testing.T) {
	if testing.Short() {
		t.Skip("сетевой тест")
	}
	s, e, notes := newEngineSession(t)
	panel := newTestPanel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	first := panel.invite(t, ctx, ctx, enginePort(e))
	waitCallState(t, s, phone.CallStateRinging)
	from := s.GetState().IncomingCallFrom

	second := panel.invite(t, ctx, ctx, enginePort(e))
	var busy *sipgo.ErrDialogResponse
	require.ErrorAs(t, second.wait(t), &busy)
	assert.Equal(t, 486, int(busy.Res.StatusCode))

	// первый вызов продолжает звонить
	state := s.GetState()
	assert.Equal(t, phone.CallStateRinging, state.CallState)
	assert.Equal(t, from, state.IncomingCallFrom)

	res, err := s.Reject()
	require.NoError(t, err)
	assert.True(t, res.Success)

	var declined *sipgo.ErrDialogResponse
	require.ErrorAs(t, first.wait(t), &declined)
	assert.Equal(t, 603, int(declined.Res.StatusCode))

	require.Eventually(t, func() bool {
		return len(notes.callNames()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{phone.EventIncomingCall, phone.EventCallEnded}, notes.callNames())
}

func TestSession_IncomingCallCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("сетевой тест")
	}
	s, e, notes := newEngineSession(t)
	panel := newTestPanel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	ringCtx, hangUp := context.WithCancel(ctx)

	inv := panel.invite(t, ctx, ringCtx, enginePort(e))
	waitCallState(t, s, phone.CallStateRinging)

	hangUp()
	err := inv.wait(t)
	assert.True(t, errors.Is(err, context.Canceled), "ожидалась отмена, получено %v", err)

	waitCallState(t, s, phone.CallStateNone)
	require.Eventually(t, func() bool {
		last := notes.last()
		return last != nil && last.Name() == phone.EventCallEnded
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, phone.CallEnded{Reason: "Cancelled"}, notes.last())

	// отмененный вызов нельзя принять
	res, err := s.Answer()
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSession_RegisterAndUnregister(t *testing.T) {
	if testing.Short() {
		t.Skip("сетевой тест")
	}
	registrar := newTestRegistrar(t, "door1", "secret")

	reg := prometheus.NewRegistry()
	metrics, err := phone.NewMetrics(reg, "test")
	require.NoError(t, err)
	s, _, notes := newEngineSession(t, func(c *phone.Config) { c.Metrics = metrics })

	// адрес сервера с портом, домен берется из него
	_, err = s.Register(context.Background(), phone.RegisterRequest{
		Server:   fmt.Sprintf("127.0.0.1:%d", registrar.port),
		User:     "door1",
		Password: "secret",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.GetState().Registered }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []phone.RegistrationStatus{phone.StatusRegistering, phone.StatusRegistered}, notes.registrations())

	res, err := s.Unregister()
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Eventually(t, func() bool {
		states := notes.registrations()
		return len(states) > 0 && states[len(states)-1] == phone.StatusUnregistered
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []phone.RegistrationStatus{
		phone.StatusRegistering, phone.StatusRegistered, phone.StatusUnregistered,
	}, notes.registrations())
	assert.Equal(t, []int{600, 0}, registrar.Expires(), "снятие регистрации с Expires: 0")
	assert.Equal(t, 0, testutil.CollectAndCount(reg, "test_registration_forced_transitions_total"))
}
