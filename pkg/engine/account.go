package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

const defaultExpires = 600

// Account аккаунт движка с циклом регистрации
type Account struct {
	engine *Engine
	logger *slog.Logger

	callID  string
	fromTag string

	mu         sync.Mutex
	params     phone.AccountParams
	cseq       uint32
	state      phone.RegistrationState
	registered bool
	cancel     context.CancelFunc
	loopDone   chan struct{}
}

var _ phone.Account = (*Account)(nil)

func newAccount(e *Engine) *Account {
	return &Account{
		engine:  e,
		logger:  e.logger.With(slog.String("component", "sip_account")),
		callID:  uuid.NewString(),
		fromTag: strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
	}
}

// Params возвращает текущие параметры
func (a *Account) Params() phone.AccountParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// SetParams применяет параметры и перезапускает регистрацию.
// При RegisterEnabled=false регистрация снимается на сервере.
func (a *Account) SetParams(params phone.AccountParams) error {
	if params.Identity.Domain == "" {
		return errors.New("в identity не указан домен")
	}
	if params.Server.Domain == "" {
		return errors.New("не указан адрес сервера регистрации")
	}
	if params.Expires < 0 {
		return fmt.Errorf("некорректный срок регистрации: %d", params.Expires)
	}
	if params.Expires == 0 {
		params.Expires = defaultExpires
	}

	a.stopLoop()

	a.mu.Lock()
	a.params = params
	registered := a.registered
	a.mu.Unlock()

	switch {
	case params.RegisterEnabled:
		a.startLoop(func(ctx context.Context) { a.run(ctx, params) })
	case registered:
		a.startLoop(func(ctx context.Context) { a.unregister(ctx, params) })
	default:
		a.setState(phone.RegistrationCleared, "регистрация отключена")
	}
	return nil
}

func (a *Account) startLoop(fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(a.engine.ctx)
	done := make(chan struct{})

	a.mu.Lock()
	a.cancel = cancel
	a.loopDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		fn(ctx)
	}()
}

// stopLoop прерывает текущий цикл и ждет его завершения
func (a *Account) stopLoop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.loopDone
	a.cancel, a.loopDone = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// stop прерывает регистрацию без обращения к серверу
func (a *Account) stop() {
	a.stopLoop()
}

// remove прерывает регистрацию и снимает ее на сервере в фоне
func (a *Account) remove() {
	a.stopLoop()

	a.mu.Lock()
	registered := a.registered
	params := a.params
	a.mu.Unlock()
	if !registered {
		return
	}

	a.engine.bg.Add(1)
	go func() {
		defer a.engine.bg.Done()
		a.unregister(context.Background(), params)
	}()
}

func (a *Account) run(ctx context.Context, params phone.AccountParams) {
	cfg := a.engine.cfg
	a.setState(phone.RegistrationProgress, "регистрация")

	for {
		granted, err := a.register(ctx, params, params.Expires)
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		if err != nil {
			a.logger.Warn("ошибка регистрации",
				slog.String("identity", params.Identity.URI()),
				slog.String("error", err.Error()))
			a.setRegistered(false)
			a.setState(phone.RegistrationFailed, err.Error())
			wait = cfg.RetryInterval
		} else {
			a.setRegistered(true)
			a.setState(phone.RegistrationOk, "Registration successful")
			wait = time.Duration(float64(granted)*cfg.RefreshRatio) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err != nil {
			a.setState(phone.RegistrationProgress, "повторная регистрация")
		}
	}
}

// unregister снимает регистрацию и сообщает только Cleared: из
// зарегистрированного состояния переход идет сразу в снятое
func (a *Account) unregister(ctx context.Context, params phone.AccountParams) {
	a.logger.Info("отмена регистрации", slog.String("identity", params.Identity.URI()))

	if _, err := a.register(ctx, params, 0); err != nil {
		a.logger.Warn("ошибка отмены регистрации",
			slog.String("identity", params.Identity.URI()),
			slog.String("error", err.Error()))
	}
	a.setRegistered(false)
	a.setState(phone.RegistrationCleared, "Unregistered")
}

// register выполняет REGISTER и, при необходимости, повтор с digest
// авторизацией. Возвращает срок регистрации, выданный сервером.
func (a *Account) register(ctx context.Context, params phone.AccountParams, expires int) (int, error) {
	e := a.engine
	e.mu.Lock()
	contact := e.contact.Address
	userAgent := e.policy.UserAgent
	e.mu.Unlock()
	contact.User = params.Identity.Username

	req := buildRegisterRequest(params, contact, a.fromTag, a.callID, a.nextCSeq(), expires, userAgent)
	res, err := a.do(ctx, req)
	if err != nil {
		return 0, err
	}

	if code := int(res.StatusCode); code == 401 || code == 407 {
		req = buildRegisterRequest(params, contact, a.fromTag, a.callID, a.nextCSeq(), expires, userAgent)
		if err := a.authorize(req, res, params); err != nil {
			return 0, err
		}
		res, err = a.do(ctx, req)
		if err != nil {
			return 0, err
		}
	}

	if int(res.StatusCode) != 200 {
		return 0, fmt.Errorf("%d %s", res.StatusCode, res.Reason)
	}
	return grantedExpires(res, expires), nil
}

func (a *Account) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.engine.cfg.RequestTimeout)
	defer cancel()

	a.engine.mu.Lock()
	client := a.engine.client
	a.engine.mu.Unlock()
	if client == nil {
		return nil, errNotStarted
	}

	res, err := client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("REGISTER не выполнен: %w", err)
	}
	return res, nil
}

func (a *Account) authorize(req *sip.Request, res *sip.Response, params phone.AccountParams) error {
	realm := ""
	if hdr := res.GetHeader(challengeHeader(int(res.StatusCode))); hdr != nil {
		if chal, err := digest.ParseChallenge(hdr.Value()); err == nil {
			realm = chal.Realm
		}
	}
	info, ok := a.engine.authFor(realm, params.Identity.Domain)
	if !ok {
		return fmt.Errorf("нет учетных данных для realm %q", realm)
	}
	return authorizeRequest(req, res, info)
}

func (a *Account) nextCSeq() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cseq++
	return a.cseq
}

func (a *Account) setRegistered(v bool) {
	a.mu.Lock()
	a.registered = v
	a.mu.Unlock()
}

// setState сообщает новое состояние. Повтор Ok при обновлении не сообщается.
func (a *Account) setState(state phone.RegistrationState, message string) {
	a.mu.Lock()
	if state == phone.RegistrationOk && a.state == phone.RegistrationOk {
		a.mu.Unlock()
		return
	}
	a.state = state
	a.mu.Unlock()

	a.engine.emit(phone.RegistrationEvent{Account: a, State: state, Message: message})
}

// buildRegisterRequest формирует REGISTER на сервер регистрации
func buildRegisterRequest(params phone.AccountParams, contact sip.Uri, fromTag, callID string, cseq uint32, expires int, userAgent string) *sip.Request {
	recipient := sip.Uri{Host: params.Server.Domain, Port: params.Server.Port}
	if params.Server.Transport != phone.TransportUDP {
		recipient.UriParams = sip.NewParams()
		recipient.UriParams.Add("transport", params.Server.Transport.String())
	}
	req := sip.NewRequest(sip.REGISTER, recipient)

	aor := sip.Uri{User: params.Identity.Username, Host: params.Identity.Domain, Port: params.Identity.Port}
	from := &sip.FromHeader{
		DisplayName: params.Identity.DisplayName,
		Address:     aor,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{
		DisplayName: params.Identity.DisplayName,
		Address:     aor,
		Params:      sip.NewParams(),
	})

	id := sip.CallIDHeader(callID)
	req.AppendHeader(&id)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	exp := sip.ExpiresHeader(expires)
	req.AppendHeader(&exp)
	if userAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", userAgent))
	}
	contentLength := sip.ContentLengthHeader(0)
	req.AppendHeader(&contentLength)
	return req
}

// challengeHeader заголовок с challenge для 401 и 407
func challengeHeader(status int) string {
	if status == 407 {
		return "Proxy-Authenticate"
	}
	return "WWW-Authenticate"
}

// authorizeRequest добавляет в запрос ответ на digest challenge
func authorizeRequest(req *sip.Request, res *sip.Response, info phone.AuthInfo) error {
	name := challengeHeader(int(res.StatusCode))
	hdr := res.GetHeader(name)
	if hdr == nil {
		return fmt.Errorf("в ответе %d нет заголовка %s", res.StatusCode, name)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return fmt.Errorf("некорректный %s: %w", name, err)
	}

	username := info.Username
	if info.UserID != "" {
		username = info.UserID
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: info.Password,
	})
	if err != nil {
		return fmt.Errorf("ошибка вычисления digest: %w", err)
	}

	authName := "Authorization"
	if int(res.StatusCode) == 407 {
		authName = "Proxy-Authorization"
	}
	req.AppendHeader(sip.NewHeader(authName, cred.String()))
	return nil
}

// grantedExpires срок из параметра expires в Contact, затем из Expires
func grantedExpires(res *sip.Response, requested int) int {
	if c := res.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	if hdr := res.GetHeader("Expires"); hdr != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(hdr.Value())); err == nil && n > 0 {
			return n
		}
	}
	return requested
}
