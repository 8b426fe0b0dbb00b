package phone

import (
	"context"
	"log/slog"
	"sync"
)

// callRecord единственный активный вызов сессии
type callRecord struct {
	call        Call
	state       CallState
	remoteURI   string
	remoteHost  string
	displayName string

	mediaEstablished bool
}

// pendingRegister запрос регистрации, ожидающий разрешения на микрофон.
// Повторяется ровно один раз после ответа хоста.
type pendingRegister struct {
	req  RegisterRequest
	done chan error
}

// Session управляет регистрацией и единственным вызовом поверх Engine.
//
// Все изменения состояния сериализуются мьютексом mu: и команды, и события
// движка проверяют и изменяют состояние в одной критической секции.
// Initialize и Destroy дополнительно сериализуются lifecycleMu, так как
// запуск и остановка движка выполняются без mu.
type Session struct {
	cfg     *Config
	factory EngineFactory
	logger  *slog.Logger
	metrics *Metrics

	lifecycleMu sync.Mutex

	mu           sync.Mutex
	engine       Engine
	generation   uint64
	dispatcher   *Dispatcher
	listener     Listener
	account      Account
	registration *registrationMachine
	registered   bool
	call         *callRecord
	// closing вызовы, снятые командой hangup/reject, чье завершение
	// движок еще не подтвердил
	closing map[string]struct{}
	route   AudioRoute
	pending *pendingRegister
}

// New создает неинициализированную сессию
func New(factory EngineFactory, cfg *Config) (*Session, error) {
	if factory == nil {
		return nil, wrapError(ErrEngine, nil, "фабрика движка не задана")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Session{
		cfg:          cfg,
		factory:      factory,
		logger:       cfg.Logger.With(slog.String("component", "sip_session")),
		metrics:      cfg.Metrics,
		registration: newRegistrationMachine(),
		route:        AudioRoute{MicrophoneEnabled: true},
	}, nil
}

// SetListener присоединяет получателя уведомлений. Уведомления,
// накопленные без слушателя, доставляются ему по порядку.
func (s *Session) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listener = l
	if s.dispatcher != nil {
		s.dispatcher.SetListener(l)
	}
}

// Initialize создает движок, применяет медиа политику и запускает его.
// Повторный вызов успешен и возвращает предупреждение.
func (s *Session) Initialize(ctx context.Context) (InitResult, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	initialized := s.engine != nil
	s.mu.Unlock()
	if initialized {
		s.logger.Warn("SIP движок уже инициализирован")
		return InitResult{Success: true, Message: "SIP движок уже инициализирован"}, nil
	}

	s.logger.Info("инициализация SIP движка")

	engine, err := s.factory()
	if err != nil {
		return InitResult{}, wrapError(ErrEngine, err, "не удалось создать SIP движок")
	}
	if err := engine.Configure(s.cfg.MediaPolicy); err != nil {
		return InitResult{}, wrapError(ErrEngine, err, "не удалось применить медиа политику")
	}

	dispatcher := NewDispatcher(s.cfg.Dispatcher, s.cfg.Logger, s.metrics)

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.engine = engine
	s.dispatcher = dispatcher
	s.registration = newRegistrationMachine()
	s.registered = false
	s.call = nil
	s.closing = make(map[string]struct{})
	s.route = AudioRoute{MicrophoneEnabled: true}
	if s.listener != nil {
		dispatcher.SetListener(s.listener)
	}
	s.mu.Unlock()

	s.metrics.setRegistration(StatusUnregistered)
	engine.SetEventHandler(func(ev Event) {
		s.handleEngineEvent(gen, ev)
	})

	if err := engine.Start(ctx); err != nil {
		s.teardown()
		return InitResult{}, wrapError(ErrEngine, err, "не удалось запустить SIP движок")
	}

	s.logger.Info("SIP движок инициализирован")
	return InitResult{Success: true, Message: "SIP движок инициализирован"}, nil
}

// Destroy освобождает движок и все, чем владеет сессия. Никогда не
// завершается ошибкой, повторный вызов безопасен. После возврата
// уведомления не доставляются.
func (s *Session) Destroy() Result {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.teardown()
	return Result{Success: true}
}

func (s *Session) teardown() {
	s.mu.Lock()
	engine := s.engine
	if engine == nil {
		s.mu.Unlock()
		return
	}

	// события старого поколения больше не принимаются
	s.generation++
	dispatcher := s.dispatcher
	s.dispatcher = nil

	s.safely("отсоединение обработчика событий", func() error {
		engine.SetEventHandler(nil)
		return nil
	})

	if rec := s.call; rec != nil {
		s.safely("завершение вызова", rec.call.Terminate)
	}
	s.call = nil
	s.closing = nil

	if acc := s.account; acc != nil {
		s.safely("удаление аккаунта", func() error {
			engine.RemoveAccount(acc)
			return nil
		})
	}
	s.account = nil

	if p := s.pending; p != nil {
		p.done <- ErrDestroyed
		s.pending = nil
	}

	s.engine = nil
	s.registered = false
	s.registration.reset()
	s.mu.Unlock()

	s.metrics.setRegistration(StatusUnregistered)
	s.safely("остановка движка", engine.Stop)
	if dispatcher != nil {
		dispatcher.Close()
	}

	s.logger.Info("SIP движок остановлен")
}

// safely выполняет шаг очистки, проглатывая ошибки и паники
func (s *Session) safely(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника при очистке", slog.String("step", step), slog.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("ошибка при очистке", slog.String("step", step), slog.String("error", err.Error()))
	}
}

// HandleEvent единая точка обработки событий: события движка и
// результаты запроса разрешений хоста.
func (s *Session) HandleEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pe, ok := ev.(PermissionEvent); ok {
		s.handlePermission(pe)
		return
	}
	if s.engine == nil {
		return
	}
	s.handleLocked(ev)
}

func (s *Session) handleEngineEvent(gen uint64, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.engine == nil {
		return
	}
	s.handleLocked(ev)
}

func (s *Session) handleLocked(ev Event) {
	switch e := ev.(type) {
	case RegistrationEvent:
		s.handleRegistration(e)
	case CallEvent:
		s.handleCall(e)
	case GlobalEvent:
		s.logger.Info("глобальное состояние движка изменилось",
			slog.String("state", e.State),
			slog.String("message", e.Message))
	case PermissionEvent:
		s.handlePermission(e)
	default:
		s.logger.Warn("неизвестное событие движка", slog.Any("event", ev))
	}
}

func (s *Session) notify(n Notification) {
	if s.dispatcher != nil {
		s.dispatcher.Notify(n)
	}
}

func (s *Session) handleRegistration(ev RegistrationEvent) {
	if s.account == nil || ev.Account != s.account {
		s.logger.Debug("событие регистрации для неактивного аккаунта",
			slog.String("state", ev.State.String()))
		return
	}

	status := RegistrationStatusOf(ev.State)
	s.logger.Info("состояние регистрации изменилось",
		slog.String("state", ev.State.String()),
		slog.String("status", string(status)),
		slog.String("message", ev.Message))

	if status != StatusUnknown {
		from := s.registration.Current()
		if forced := s.registration.apply(status); forced {
			s.logger.Warn("переход регистрации вне ожидаемой последовательности",
				slog.String("from", string(from)),
				slog.String("to", string(status)))
			s.metrics.forcedTransition(from, status)
		}
		s.registered = ev.State == RegistrationOk
		s.metrics.setRegistration(status)
	}

	s.notify(RegistrationStateChanged{State: status, Message: ev.Message})
}

// handleCall ведет единственный вызов. callEnded отправляется один раз
// на вызов: по End или Released, смотря что придет первым.
func (s *Session) handleCall(ev CallEvent) {
	if ev.Call == nil {
		return
	}
	id := ev.Call.ID()
	log := s.logger.With(slog.String("call_id", id), slog.String("state", ev.State.String()))
	log.Info("состояние вызова изменилось", slog.String("message", ev.Message))

	rec := s.call
	if rec != nil && rec.call.ID() != id {
		switch {
		case ev.State == CallIncomingReceived:
			// линия занята: второй вызов отклоняется, первый остается
			if err := ev.Call.Decline(ReasonBusy); err != nil {
				log.Warn("не удалось отклонить второй вызов", slog.String("error", err.Error()))
			} else {
				log.Info("второй входящий вызов отклонен: линия занята")
			}
			s.metrics.callOutcome(outcomeBusy)
		case ev.State.IsTerminal():
			s.finishClosing(id, ev)
		default:
			log.Debug("событие для неактивного вызова проигнорировано")
		}
		return
	}

	if rec == nil {
		if ev.State.IsTerminal() {
			s.finishClosing(id, ev)
			return
		}
		if _, ok := s.closing[id]; ok {
			return
		}
		rec = newCallRecord(ev.Call)
		s.call = rec
	}
	rec.state = ev.State

	switch ev.State {
	case CallIncomingReceived:
		log.Info("входящий вызов",
			slog.String("from", rec.remoteURI),
			slog.String("display_name", rec.displayName))
		s.metrics.callOutcome(outcomeIncoming)
		s.notify(IncomingCall{From: rec.remoteURI, DisplayName: rec.displayName})
	case CallConnected:
		s.notify(CallConnectedNotification{})
	case CallStreamsRunning:
		rec.mediaEstablished = true
		log.Info("медиа потоки запущены")
	case CallEnd, CallReleased:
		s.call = nil
		s.metrics.callOutcome(outcomeEnded)
		s.notify(CallEnded{Reason: ev.Message})
	case CallError:
		s.call = nil
		s.metrics.callOutcome(outcomeError)
		log.Error("ошибка вызова", slog.String("message", ev.Message))
		s.notify(ErrorNotification{Error: "Call error: " + ev.Message})
	}
}

// finishClosing сообщает о завершении вызова, снятого командой.
// Завершения прочих вызовов только логируются.
func (s *Session) finishClosing(id string, ev CallEvent) {
	if _, ok := s.closing[id]; !ok {
		s.logger.Debug("завершение неактивного вызова",
			slog.String("call_id", id),
			slog.String("state", ev.State.String()))
		return
	}
	delete(s.closing, id)

	if ev.State == CallError {
		s.notify(ErrorNotification{Error: "Call error: " + ev.Message})
		return
	}
	s.notify(CallEnded{Reason: ev.Message})
}

func newCallRecord(call Call) *callRecord {
	rec := &callRecord{call: call, remoteURI: "unknown"}
	addr := call.RemoteAddress()
	if addr != nil {
		rec.remoteURI = addr.URI()
		rec.remoteHost = addr.Domain
	}
	rec.displayName = displayNameOf(addr)
	return rec
}

// displayNameOf цепочка: display name, затем username, затем "Interphone"
func displayNameOf(addr *Address) string {
	if addr == nil {
		return "Interphone"
	}
	if addr.DisplayName != "" {
		return addr.DisplayName
	}
	if addr.Username != "" {
		return addr.Username
	}
	return "Interphone"
}
