package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

const dtmfQueueSize = 32

var (
	errCallNotIncoming = errors.New("вызов не в состоянии входящего")
	errCallNotActive   = errors.New("вызов не активен")
	errDTMFQueueFull   = errors.New("очередь DTMF переполнена")
)

// call входящий вызов: серверный диалог sipgo и его RTP поток
type call struct {
	engine *Engine
	id     string
	remote *phone.Address
	logger *slog.Logger

	req    *sip.Request
	tx     sip.ServerTransaction
	dlg    *sipgo.DialogServerSession
	target sip.Uri

	mu          sync.Mutex
	state       phone.CallState
	responded   bool
	answered    bool
	acked       bool
	earlyAck    bool
	terminating bool
	finished    bool
	media       *mediaStream
	answer      []byte

	dtmf chan rune
	// answeredCh закрывается, когда 200 OK отправлен и подтвержден
	answeredCh chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

var _ phone.Call = (*call)(nil)

func newCall(e *Engine, req *sip.Request, tx sip.ServerTransaction, dlg *sipgo.DialogServerSession) *call {
	id := req.CallID().Value()
	c := &call{
		engine: e,
		id:     id,
		remote: remoteAddress(req),
		logger: e.logger.With(slog.String("call_id", id)),
		req:    req,
		tx:     tx,
		dlg:    dlg,
		state:  phone.CallIdle,
		dtmf:   make(chan rune, dtmfQueueSize),
		done:   make(chan struct{}),

		answeredCh: make(chan struct{}),
		cancelCh:   make(chan struct{}),
	}
	if from := req.From(); from != nil {
		c.target = from.Address
	}
	if contact := req.Contact(); contact != nil {
		c.target = contact.Address
	}
	return c
}

// remoteAddress адрес вызывающей стороны из заголовка From
func remoteAddress(req *sip.Request) *phone.Address {
	from := req.From()
	if from == nil || from.Address.Host == "" {
		return nil
	}
	return &phone.Address{
		DisplayName: from.DisplayName,
		Username:    from.Address.User,
		Domain:      from.Address.Host,
		Port:        from.Address.Port,
	}
}

func (c *call) ID() string { return c.id }

func (c *call) RemoteAddress() *phone.Address { return c.remote }

func (c *call) State() phone.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *call) setState(state phone.CallState, message string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.engine.emit(phone.CallEvent{Call: c, State: state, Message: message})
}

// Accept отвечает 200 OK с SDP ответом на предложение вызывающей стороны
func (c *call) Accept(params phone.CallParams) error {
	c.mu.Lock()
	if c.responded || !c.state.IsIncoming() {
		c.mu.Unlock()
		return errCallNotIncoming
	}
	c.responded = true
	c.mu.Unlock()

	e := c.engine
	policy := e.mediaPolicy()

	offer := &sdp.SessionDescription{}
	if err := offer.Unmarshal(c.req.Body()); err != nil {
		c.rejectMedia("некорректное SDP предложение")
		return fmt.Errorf("некорректное SDP предложение: %w", err)
	}
	n, err := negotiate(offer, policy)
	if err != nil {
		c.rejectMedia(err.Error())
		return err
	}

	media, err := listenMedia(e.cfg.ListenHost, e.cfg.MediaPort, e.cfg.DSCP, c.logger)
	if err != nil {
		c.rejectMedia(err.Error())
		return err
	}
	media.configure(n, e.cfg.DTMFPayloadType)
	media.setMicEnabled(params.AudioEnabled && e.micEnabled())

	e.mu.Lock()
	host := e.host
	e.mu.Unlock()

	body, err := buildAnswer(offer, n, host, media.LocalPort(), policy.UserAgent).Marshal()
	if err != nil {
		media.close()
		c.rejectMedia(err.Error())
		return fmt.Errorf("ошибка формирования SDP ответа: %w", err)
	}
	if err := c.dlg.Respond(sip.StatusOK, "OK", body, sip.NewHeader("Content-Type", "application/sdp")); err != nil {
		media.close()
		c.finish(phone.CallError, err.Error())
		return fmt.Errorf("не удалось отправить 200 OK: %w", err)
	}

	c.mu.Lock()
	c.media = media
	c.answered = true
	c.answer = body
	c.mu.Unlock()
	close(c.answeredCh)

	c.logger.Info("вызов принят",
		slog.String("codec", n.codec.Name),
		slog.Bool("rfc4733", n.dtmf),
		slog.String("remote_media", n.remoteAddr.String()))
	c.setState(phone.CallConnected, "Connected")

	c.mu.Lock()
	early := c.earlyAck
	c.mu.Unlock()
	if early {
		c.onAck()
	}

	go c.dtmfLoop()
	return nil
}

// rejectMedia отклоняет предложение, которое не удалось согласовать
func (c *call) rejectMedia(reason string) {
	if err := c.dlg.Respond(488, "Not Acceptable Here", nil); err != nil {
		c.logger.Debug("ошибка отправки 488", slog.String("error", err.Error()))
	}
	c.finish(phone.CallError, reason)
}

// Decline отклоняет неотвеченный вызов: 486 для Busy, иначе 603.
// Ответ отправляется в фоне: sipgo ждет ACK на окончательный ответ.
func (c *call) Decline(reason phone.Reason) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	if c.responded {
		answered := c.answered
		c.mu.Unlock()
		if answered {
			return c.Terminate()
		}
		return errCallNotIncoming
	}
	c.responded = true
	c.mu.Unlock()

	e := c.engine
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		var err error
		if reason == phone.ReasonBusy {
			err = c.dlg.Respond(486, "Busy Here", nil)
		} else {
			err = c.dlg.Respond(603, "Decline", nil)
		}
		if err != nil {
			c.logger.Warn("ошибка отправки отказа", slog.String("error", err.Error()))
		}
		c.finish(phone.CallEnd, reason.String())
	}()
	return nil
}

// Terminate завершает вызов: BYE для отвеченного, 603 для неотвеченного.
// BYE отправляется в фоне, завершение сообщается событием.
func (c *call) Terminate() error {
	c.mu.Lock()
	if c.finished || c.terminating {
		c.mu.Unlock()
		return nil
	}
	if !c.responded {
		c.mu.Unlock()
		return c.Decline(phone.ReasonDeclined)
	}
	if !c.answered {
		c.mu.Unlock()
		return errCallNotActive
	}
	c.terminating = true
	c.mu.Unlock()

	e := c.engine
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		if err := c.dlg.Bye(ctx); err != nil {
			c.logger.Warn("ошибка отправки BYE", slog.String("error", err.Error()))
		}
		c.finish(phone.CallEnd, "Call terminated")
	}()
	return nil
}

// SendDTMF ставит цифру в очередь вызова. Цифры передаются по порядку.
func (c *call) SendDTMF(digit rune) error {
	if _, err := dtmfEventCode(digit); err != nil {
		return err
	}

	c.mu.Lock()
	active := c.answered && !c.finished && !c.terminating
	c.mu.Unlock()
	if !active {
		return errCallNotActive
	}

	select {
	case c.dtmf <- digit:
		return nil
	default:
		return errDTMFQueueFull
	}
}

func (c *call) dtmfLoop() {
	for {
		select {
		case <-c.done:
			return
		case digit := <-c.dtmf:
			if err := c.sendDigit(digit); err != nil {
				c.logger.Warn("ошибка отправки DTMF",
					slog.String("digit", string(digit)),
					slog.String("error", err.Error()))
			}
		}
	}
}

// sendDigit RFC 4733 при согласованном telephone-event, иначе SIP INFO
func (c *call) sendDigit(digit rune) error {
	e := c.engine
	policy := e.mediaPolicy()

	c.mu.Lock()
	media := c.media
	c.mu.Unlock()

	if policy.DTMFUseRFC4733 && media != nil && media.hasDTMF() {
		return media.sendDTMF(digit, e.cfg.DTMFDuration)
	}
	if !policy.DTMFUseInfo {
		return errors.New("нет доступного способа передачи DTMF")
	}

	req := sip.NewRequest(sip.INFO, c.target)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody(dtmfInfoBody(digit, e.cfg.DTMFDuration))

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
	defer cancel()
	res, err := c.dlg.Do(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("INFO отклонен: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (c *call) setMicEnabled(enabled bool) {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media != nil {
		media.setMicEnabled(enabled)
	}
}

// onAck запускает медиа после подтверждения ответа
func (c *call) onAck() {
	c.mu.Lock()
	if c.responded && !c.answered && !c.finished {
		// ACK пришел раньше, чем Accept завершил ответ
		c.earlyAck = true
		c.mu.Unlock()
		return
	}
	if !c.answered || c.acked || c.finished {
		c.mu.Unlock()
		return
	}
	c.acked = true
	media := c.media
	c.mu.Unlock()

	media.start()
	c.setState(phone.CallStreamsRunning, "Streams running")
}

// cancelled обрабатывает CANCEL, не сопоставленный транзакции INVITE
func (c *call) cancelled() {
	c.mu.Lock()
	if c.responded || c.finished {
		c.mu.Unlock()
		return
	}
	c.responded = true
	c.mu.Unlock()

	if err := c.dlg.Respond(487, "Request Terminated", nil); err != nil {
		c.logger.Debug("ошибка отправки 487", slog.String("error", err.Error()))
	}
	c.finish(phone.CallEnd, "Cancelled")
}

// abort завершает вызов при остановке движка
func (c *call) abort() {
	c.mu.Lock()
	responded := c.responded
	c.responded = true
	c.mu.Unlock()

	if !responded {
		_ = c.dlg.Respond(480, "Temporarily Unavailable", nil)
	}
	c.finish(phone.CallEnd, "движок остановлен")
}

// serve удерживает INVITE транзакцию до окончательного ответа. После
// возврата обработчика sipgo завершает транзакцию, поэтому 200 OK
// можно отправить только пока serve ждет.
func (c *call) serve(ctx context.Context) {
	// CANCEL сопоставляет и подтверждает уровень транзакций sipgo, он же
	// отвечает 487. Транзакция завершается только по таймеру, поэтому
	// отмена отслеживается отдельно.
	if !c.tx.OnCancel(func(*sip.Request) { c.remoteCancel() }) {
		c.remoteCancel()
	}

	select {
	case <-c.answeredCh:
	case <-c.done:
	case <-ctx.Done():
	case <-c.cancelCh:
		c.endUnanswered()
	case <-c.tx.Done():
		c.endUnanswered()
	}
}

func (c *call) remoteCancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// endUnanswered завершает вызов, если окончательный ответ еще не отправлялся
func (c *call) endUnanswered() {
	c.mu.Lock()
	pending := !c.responded && !c.finished
	c.responded = true
	c.mu.Unlock()
	if pending {
		c.finish(phone.CallEnd, "Cancelled")
	}
}

// finish освобождает ресурсы вызова и сообщает state, затем Released.
// Выполняется один раз.
func (c *call) finish(state phone.CallState, message string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.state = phone.CallReleased
	media := c.media
	c.mu.Unlock()

	close(c.done)
	if media != nil {
		media.close()
	}
	c.dlg.Close()
	c.engine.forgetCall(c.id)

	c.logger.Info("вызов завершен", slog.String("state", state.String()), slog.String("message", message))
	c.engine.emit(phone.CallEvent{Call: c, State: state, Message: message})
	c.engine.emit(phone.CallEvent{Call: c, State: phone.CallReleased, Message: message})
}

func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if existing := e.lookupCall(req); existing != nil {
		e.handleReinvite(existing, req, tx)
		return
	}

	dlg, err := e.dialogs.ReadInvite(req, tx)
	if err != nil {
		e.logger.Warn("некорректный INVITE", slog.String("error", err.Error()))
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	c := newCall(e, req, tx, dlg)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		_ = dlg.Respond(503, "Service Unavailable", nil)
		return
	}
	e.calls[c.id] = c
	e.mu.Unlock()

	if err := dlg.Respond(sip.StatusTrying, "Trying", nil); err != nil {
		c.logger.Debug("ошибка отправки 100 Trying", slog.String("error", err.Error()))
	}
	if err := dlg.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		c.logger.Debug("ошибка отправки 180 Ringing", slog.String("error", err.Error()))
	}

	from := "unknown"
	if c.remote != nil {
		from = c.remote.URI()
	}
	c.logger.Info("входящий INVITE", slog.String("from", from))
	c.setState(phone.CallIncomingReceived, "Incoming call")
	c.serve(e.ctx)
}

// handleReinvite повторяет действующий SDP ответ: удержание и смена
// медиа не поддерживаются
func (e *Engine) handleReinvite(c *call, req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	answer := c.answer
	c.mu.Unlock()

	if answer == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	e.mu.Lock()
	contact := e.contact
	e.mu.Unlock()
	res.AppendHeader(&contact)
	if err := tx.Respond(res); err != nil {
		c.logger.Debug("ошибка ответа на re-INVITE", slog.String("error", err.Error()))
	}
}

func (e *Engine) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := e.dialogs.ReadAck(req, tx); err != nil {
		e.logger.Debug("ACK вне диалога", slog.String("error", err.Error()))
	}
	if c := e.lookupCall(req); c != nil {
		c.onAck()
	}
}

func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	c := e.lookupCall(req)
	if err := e.dialogs.ReadBye(req, tx); err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		if c == nil {
			return
		}
	}
	if c != nil {
		c.finish(phone.CallEnd, "Remote hangup")
	}
}

// handleCancel получает только CANCEL без INVITE транзакции: сопоставленные
// отменяет уровень транзакций sipgo, и их видит serve
func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	c := e.lookupCall(req)
	if c == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	c.cancelled()
}
