// Package engine реализует phone.Engine поверх стека sipgo: регистрацию
// аккаунта с digest аутентификацией, входящие вызовы и RTP поток.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

var (
	errNotStarted = errors.New("SIP движок не запущен")
	errStopped    = errors.New("SIP движок остановлен")
)

// Engine SIP движок на базе sipgo
type Engine struct {
	cfg    *Config
	logger *slog.Logger
	queue  *eventQueue

	mu       sync.Mutex
	policy   phone.MediaPolicy
	auth     []phone.AuthInfo
	accounts map[*Account]struct{}
	current  *Account
	calls    map[string]*call
	mic      bool
	output   *phone.AudioDevice
	host     string
	contact  sip.ContactHeader
	started  bool
	stopped  bool

	ua      *sipgo.UserAgent
	server  *sipgo.Server
	client  *sipgo.Client
	dialogs *sipgo.DialogServerCache
	conn    net.PacketConn

	ctx    context.Context
	cancel context.CancelFunc
	// wg сервер SIP, bg фоновые запросы (BYE, снятие регистрации)
	wg sync.WaitGroup
	bg sync.WaitGroup
}

var _ phone.Engine = (*Engine)(nil)

// New создает движок. Сеть не используется до вызова Start.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "sip_engine")),
		queue:    newEventQueue(),
		policy:   phone.DefaultMediaPolicy(),
		accounts: make(map[*Account]struct{}),
		calls:    make(map[string]*call),
		mic:      true,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Factory возвращает фабрику, создающую новый движок при каждой
// инициализации сессии
func Factory(cfg *Config) phone.EngineFactory {
	return func() (phone.Engine, error) {
		c := DefaultConfig()
		if cfg != nil {
			copied := *cfg
			c = &copied
		}
		return New(c)
	}
}

// Configure применяет медиа политику
func (e *Engine) Configure(policy phone.MediaPolicy) error {
	if len(policy.Codecs) == 0 {
		return errors.New("политика не разрешает ни одного кодека")
	}
	for _, name := range policy.Codecs {
		if _, ok := codecByName(name); !ok {
			e.logger.Warn("кодек не поддерживается движком", slog.String("codec", name))
		}
	}
	if policy.MediaEncryption != "" && policy.MediaEncryption != "none" {
		return fmt.Errorf("шифрование медиа не поддерживается: %s", policy.MediaEncryption)
	}
	if policy.VideoCapture || policy.VideoDisplay {
		return errors.New("видео не поддерживается")
	}
	if policy.EchoCancellation {
		e.logger.Info("эхоподавление не поддерживается движком, параметр проигнорирован")
	}
	if policy.AdaptiveRateControl {
		e.logger.Info("адаптивное управление битрейтом не поддерживается движком, параметр проигнорирован")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
	return nil
}

func (e *Engine) mediaPolicy() phone.MediaPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// SetEventHandler присоединяет (или при nil отсоединяет) обработчик событий
func (e *Engine) SetEventHandler(handler phone.EventHandler) {
	e.queue.setHandler(handler)
}

func (e *Engine) emit(ev phone.Event) {
	e.queue.push(ev)
}

// Start создает sipgo UA, открывает SIP сокет и начинает обслуживание
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return errStopped
	}
	if e.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	host := e.cfg.PublicHost
	if host == "" {
		host = outboundHost()
	}

	listenAddr := net.JoinHostPort(e.cfg.ListenHost, strconv.Itoa(e.cfg.ListenPort))
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", listenAddr)
	if err != nil {
		return fmt.Errorf("не удалось открыть SIP сокет %s: %w", listenAddr, err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(e.policy.UserAgent),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		_ = conn.Close()
		return fmt.Errorf("ошибка создания Server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		_ = ua.Close()
		_ = conn.Close()
		return fmt.Errorf("ошибка создания Client: %w", err)
	}

	e.host = host
	e.contact = sip.ContactHeader{Address: sip.Uri{Host: host, Port: port}}
	e.ua = ua
	e.server = server
	e.client = client
	e.dialogs = sipgo.NewDialogServerCache(client, e.contact)
	e.conn = conn
	e.registerHandlers()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := server.ServeUDP(conn); err != nil && !errors.Is(err, net.ErrClosed) && e.ctx.Err() == nil {
			e.logger.Error("SIP сервер остановлен с ошибкой", slog.String("error", err.Error()))
			e.emit(phone.GlobalEvent{State: "Off", Message: err.Error()})
		}
	}()

	e.started = true
	e.logger.Info("SIP движок запущен",
		slog.String("listen", conn.LocalAddr().String()),
		slog.String("public_host", host))
	e.emit(phone.GlobalEvent{State: "On", Message: "движок запущен"})
	return nil
}

func (e *Engine) registerHandlers() {
	e.server.OnInvite(e.handleInvite)
	e.server.OnAck(e.handleAck)
	e.server.OnBye(e.handleBye)
	e.server.OnCancel(e.handleCancel)
	e.server.OnInfo(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})
	e.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, INFO, OPTIONS"))
		if err := tx.Respond(res); err != nil {
			e.logger.Debug("ошибка ответа на OPTIONS", slog.String("error", err.Error()))
		}
	})
}

// Stop завершает вызовы, аккаунты и SIP стек. Повторный вызов безопасен.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	calls := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	accounts := make([]*Account, 0, len(e.accounts))
	for acc := range e.accounts {
		accounts = append(accounts, acc)
	}
	e.accounts = make(map[*Account]struct{})
	e.current = nil
	ua := e.ua
	conn := e.conn
	e.mu.Unlock()

	for _, acc := range accounts {
		acc.stop()
	}
	if !waitTimeout(&e.bg, e.cfg.RequestTimeout) {
		e.logger.Warn("не все фоновые запросы завершились при остановке")
	}
	for _, c := range calls {
		c.abort()
	}

	e.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if !waitTimeout(&e.wg, e.cfg.RequestTimeout) {
		e.logger.Warn("SIP сервер не остановился вовремя")
	}

	var err error
	if ua != nil {
		err = ua.Close()
	}
	e.queue.close()
	e.logger.Info("SIP движок остановлен")
	return err
}

// AddAuthInfo добавляет учетные данные для ответа на digest challenge
func (e *Engine) AddAuthInfo(info phone.AuthInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.auth {
		if existing.Username == info.Username && existing.Domain == info.Domain {
			e.auth[i] = info
			return
		}
	}
	e.auth = append(e.auth, info)
}

// authFor выбирает учетные данные по realm, затем по домену
func (e *Engine) authFor(realm, domain string) (phone.AuthInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.auth {
		if a.Realm != "" && a.Realm == realm {
			return a, true
		}
	}
	for _, a := range e.auth {
		if a.Realm == "" && (a.Domain == "" || a.Domain == domain) {
			return a, true
		}
	}
	return phone.AuthInfo{}, false
}

// CreateAccount создает аккаунт и запускает регистрацию, если она включена
func (e *Engine) CreateAccount(params phone.AccountParams) (phone.Account, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, errNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return nil, errStopped
	}
	acc := newAccount(e)
	e.accounts[acc] = struct{}{}
	e.mu.Unlock()

	if err := acc.SetParams(params); err != nil {
		e.mu.Lock()
		delete(e.accounts, acc)
		e.mu.Unlock()
		return nil, err
	}
	return acc, nil
}

// RemoveAccount останавливает регистрацию и снимает ее на сервере в фоне
func (e *Engine) RemoveAccount(account phone.Account) {
	acc, ok := account.(*Account)
	if !ok {
		return
	}

	e.mu.Lock()
	_, known := e.accounts[acc]
	delete(e.accounts, acc)
	if e.current == acc {
		e.current = nil
	}
	e.mu.Unlock()

	if known {
		acc.remove()
	}
}

// SetDefaultAccount выбирает аккаунт для исходящих запросов
func (e *Engine) SetDefaultAccount(account phone.Account) {
	acc, ok := account.(*Account)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, known := e.accounts[acc]; known {
		e.current = acc
	}
}

// AudioDevices возвращает аудио устройства хоста
func (e *Engine) AudioDevices() []phone.AudioDevice {
	return append([]phone.AudioDevice(nil), e.cfg.Devices...)
}

// SetOutputAudioDevice выбирает устройство вывода звука
func (e *Engine) SetOutputAudioDevice(device phone.AudioDevice) error {
	for _, d := range e.cfg.Devices {
		if d.ID == device.ID {
			e.mu.Lock()
			e.output = &d
			e.mu.Unlock()
			e.logger.Info("устройство вывода звука выбрано",
				slog.String("device", d.Name),
				slog.String("type", d.Type.String()))
			return nil
		}
	}
	return fmt.Errorf("неизвестное аудио устройство: %s", device.ID)
}

// OutputAudioDevice текущее устройство вывода
func (e *Engine) OutputAudioDevice() (phone.AudioDevice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.output == nil {
		return phone.AudioDevice{}, false
	}
	return *e.output, true
}

// SetMicEnabled включает или выключает передачу звука во всех вызовах
func (e *Engine) SetMicEnabled(enabled bool) {
	e.mu.Lock()
	e.mic = enabled
	calls := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	e.mu.Unlock()

	for _, c := range calls {
		c.setMicEnabled(enabled)
	}
}

func (e *Engine) micEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mic
}

func (e *Engine) lookupCall(req *sip.Request) *call {
	id := req.CallID()
	if id == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id.Value()]
}

func (e *Engine) forgetCall(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.calls, id)
}

// outboundHost определяет адрес исходящего интерфейса
func outboundHost() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// waitTimeout ждет WaitGroup не дольше timeout
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
