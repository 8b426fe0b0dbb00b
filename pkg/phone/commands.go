package phone

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// InitResult результат Initialize
type InitResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RegisterResult результат Register
type RegisterResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Result результат команд без дополнительных полей
type Result struct {
	Success bool `json:"success"`
}

// AnswerResult отражает фактический результат принятия вызова
type AnswerResult struct {
	Success bool `json:"success"`
}

// MicrophoneResult результат SetMicrophoneEnabled
type MicrophoneResult struct {
	Success           bool `json:"success"`
	MicrophoneEnabled bool `json:"microphoneEnabled"`
}

// SpeakerResult результат SetSpeakerEnabled
type SpeakerResult struct {
	Success        bool `json:"success"`
	SpeakerEnabled bool `json:"speakerEnabled"`
}

// State снимок публичного состояния
type State struct {
	Initialized      bool            `json:"initialized"`
	Registered       bool            `json:"registered"`
	CallState        PublicCallState `json:"callState"`
	IncomingCallFrom string          `json:"incomingCallFrom,omitempty"`
}

// RegisterRequest параметры регистрации. Domain по умолчанию равен Server,
// DisplayName равен User.
type RegisterRequest struct {
	Server      string `json:"server"`
	User        string `json:"user"`
	Password    string `json:"password"`
	Domain      string `json:"domain,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

func (r RegisterRequest) withDefaults() RegisterRequest {
	if r.Domain == "" {
		r.Domain = r.Server
	}
	if r.DisplayName == "" {
		r.DisplayName = r.User
	}
	return r
}

func (r RegisterRequest) validate() error {
	var missing []string
	if r.Server == "" {
		missing = append(missing, "server")
	}
	if r.User == "" {
		missing = append(missing, "user")
	}
	if r.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return wrapError(ErrMissingField, nil, "отсутствуют обязательные параметры: %s",
			strings.Join(missing, ", ")).WithField("missing", missing)
	}
	return nil
}

// DTMFRequest параметры SendDtmf
type DTMFRequest struct {
	DTMF string `json:"dtmf"`
}

const dtmfAlphabet = "0123456789*#ABCD"

// Register заменяет аккаунт и запускает регистрацию. Успех означает,
// что запрос принят движком; результат регистрации приходит уведомлением
// registrationStateChanged.
//
// Без разрешения на микрофон запрос откладывается до ответа хоста,
// Register ждет его в пределах ctx.
func (s *Session) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	req = req.withDefaults()

	s.mu.Lock()
	if s.engine == nil {
		s.mu.Unlock()
		return RegisterResult{}, ErrNotInitialized
	}
	if err := req.validate(); err != nil {
		s.mu.Unlock()
		return RegisterResult{}, err
	}

	gate := s.cfg.Permissions
	if gate == nil || gate.Granted(PermissionMicrophone) {
		err := s.registerLocked(req)
		s.mu.Unlock()
		if err != nil {
			return RegisterResult{}, err
		}
		return RegisterResult{Success: true, Message: "регистрация запущена"}, nil
	}

	if prev := s.pending; prev != nil {
		prev.done <- ErrPermissionSuperseded
	}
	p := &pendingRegister{req: req, done: make(chan error, 1)}
	s.pending = p
	s.mu.Unlock()

	s.logger.Info("регистрация отложена до получения разрешения на микрофон")
	if err := gate.Request(PermissionMicrophone); err != nil {
		s.dropPending(p)
		return RegisterResult{}, wrapError(ErrPermissionDenied, err, "")
	}

	select {
	case err := <-p.done:
		if err != nil {
			return RegisterResult{}, err
		}
		return RegisterResult{Success: true, Message: "регистрация запущена"}, nil
	case <-ctx.Done():
		s.dropPending(p)
		return RegisterResult{}, ctx.Err()
	}
}

func (s *Session) dropPending(p *pendingRegister) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

// handlePermission разрешает отложенную регистрацию ровно один раз
func (s *Session) handlePermission(ev PermissionEvent) {
	p := s.pending
	if p == nil || ev.Permission != PermissionMicrophone {
		return
	}
	s.pending = nil

	if !ev.Granted {
		s.logger.Warn("разрешение на микрофон не выдано")
		p.done <- ErrPermissionDenied
		return
	}
	if s.engine == nil {
		p.done <- ErrNotInitialized
		return
	}
	p.done <- s.registerLocked(p.req)
}

// registerLocked разбирает оба адреса до изменения движка, затем
// заменяет аккаунт: удалить старый, создать новый, сделать основным.
func (s *Session) registerLocked(req RegisterRequest) error {
	identity, err := ParseAddress(fmt.Sprintf("sip:%s@%s", req.User, req.Domain))
	if err != nil {
		return wrapError(ErrInvalidAddress, err, "некорректный SIP адрес пользователя").
			WithField("user", req.User).WithField("domain", req.Domain)
	}
	identity.DisplayName = req.DisplayName

	server, err := ParseAddress("sip:" + req.Server)
	if err != nil {
		return wrapError(ErrInvalidAddress, err, "некорректный адрес SIP сервера").
			WithField("server", req.Server)
	}
	server.Transport = TransportUDP

	s.logger.Info("регистрация на SIP сервере",
		slog.String("server", server.URI()),
		slog.String("identity", identity.URI()))

	if s.account != nil {
		s.engine.RemoveAccount(s.account)
		s.account = nil
	}

	s.engine.AddAuthInfo(AuthInfo{
		Username: req.User,
		Password: req.Password,
		Domain:   identity.Domain,
	})

	account, err := s.engine.CreateAccount(AccountParams{
		Identity:        identity,
		Server:          server,
		RegisterEnabled: true,
		Expires:         s.cfg.Expires,
	})
	if err != nil {
		return wrapError(ErrEngine, err, "не удалось создать аккаунт")
	}
	s.engine.SetDefaultAccount(account)
	s.account = account
	return nil
}

// Unregister выключает регистрацию текущего аккаунта. Без аккаунта ничего не делает.
func (s *Session) Unregister() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return Result{}, ErrNotInitialized
	}
	if s.account == nil {
		return Result{Success: true}, nil
	}

	params := s.account.Params()
	params.RegisterEnabled = false
	if err := s.account.SetParams(params); err != nil {
		return Result{}, wrapError(ErrEngine, err, "не удалось отменить регистрацию")
	}
	s.logger.Info("отмена регистрации", slog.String("identity", params.Identity.URI()))
	return Result{Success: true}, nil
}

// Answer принимает входящий вызов в состоянии ringing.
// Success отражает фактический результат принятия.
func (s *Session) Answer() (AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return AnswerResult{}, ErrNotInitialized
	}
	rec := s.call
	if rec == nil {
		s.logger.Warn("нет входящего вызова для ответа")
		return AnswerResult{Success: false}, nil
	}
	if !rec.state.IsIncoming() {
		s.logger.Warn("вызов не в состоянии входящего", slog.String("state", rec.state.String()))
		return AnswerResult{Success: false}, nil
	}

	err := rec.call.Accept(CallParams{AudioEnabled: true, VideoEnabled: false})
	if err != nil {
		s.logger.Warn("не удалось принять вызов", slog.String("error", err.Error()))
		return AnswerResult{Success: false}, nil
	}
	s.metrics.callOutcome(outcomeAnswered)
	s.logger.Info("вызов принят", slog.String("call_id", rec.call.ID()))
	return AnswerResult{Success: true}, nil
}

// Hangup завершает активный вызов. Без вызова ничего не делает.
func (s *Session) Hangup() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return Result{}, ErrNotInitialized
	}
	return s.hangupLocked()
}

// Reject отклоняет активный вызов с причиной Declined
func (s *Session) Reject() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return Result{}, ErrNotInitialized
	}
	return s.rejectLocked()
}

// DeclineOrHangup отклоняет вызов, пока он звонит, иначе завершает его
func (s *Session) DeclineOrHangup() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return Result{}, ErrNotInitialized
	}
	if s.call != nil && s.call.state.IsIncoming() {
		return s.rejectLocked()
	}
	return s.hangupLocked()
}

func (s *Session) hangupLocked() (Result, error) {
	rec := s.detachCall()
	if rec == nil {
		return Result{Success: true}, nil
	}
	if err := rec.call.Terminate(); err != nil {
		return Result{}, wrapError(ErrEngine, err, "не удалось завершить вызов")
	}
	s.logger.Info("вызов завершен", slog.String("call_id", rec.call.ID()))
	return Result{Success: true}, nil
}

func (s *Session) rejectLocked() (Result, error) {
	rec := s.detachCall()
	if rec == nil {
		return Result{Success: true}, nil
	}
	s.metrics.callOutcome(outcomeRejected)
	if err := rec.call.Decline(ReasonDeclined); err != nil {
		return Result{}, wrapError(ErrEngine, err, "не удалось отклонить вызов")
	}
	s.logger.Info("вызов отклонен", slog.String("call_id", rec.call.ID()))
	return Result{Success: true}, nil
}

// detachCall снимает запись о вызове. Завершение от движка для этого
// вызова еще будет сообщено слушателю один раз.
func (s *Session) detachCall() *callRecord {
	rec := s.call
	if rec == nil {
		return nil
	}
	s.call = nil
	if s.closing == nil {
		s.closing = make(map[string]struct{})
	}
	s.closing[rec.call.ID()] = struct{}{}
	return rec
}

// SetMicrophoneEnabled включает или выключает захват микрофона
func (s *Session) SetMicrophoneEnabled(enabled bool) (MicrophoneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return MicrophoneResult{}, ErrNotInitialized
	}
	s.engine.SetMicEnabled(enabled)
	s.route.MicrophoneEnabled = enabled
	return MicrophoneResult{Success: true, MicrophoneEnabled: enabled}, nil
}

// SetSpeakerEnabled выбирает первое подходящее устройство вывода:
// громкоговоритель или наушник. Отсутствие устройства не является ошибкой.
func (s *Session) SetSpeakerEnabled(enabled bool) (SpeakerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return SpeakerResult{}, ErrNotInitialized
	}

	device, ok := SelectOutputDevice(s.engine.AudioDevices(), enabled)
	if ok {
		if err := s.engine.SetOutputAudioDevice(device); err != nil {
			s.logger.Warn("не удалось выбрать устройство вывода",
				slog.String("device", device.Name),
				slog.String("error", err.Error()))
		}
	} else {
		s.logger.Debug("подходящее устройство вывода не найдено", slog.Bool("speaker", enabled))
	}
	s.route.SpeakerEnabled = enabled
	return SpeakerResult{Success: true, SpeakerEnabled: enabled}, nil
}

// SendDtmf передает цифры по одной в порядке следования
func (s *Session) SendDtmf(req DTMFRequest) (Result, error) {
	if req.DTMF == "" {
		return Result{}, ErrEmptyDTMF
	}
	digits := strings.ToUpper(req.DTMF)
	for _, r := range digits {
		if !strings.ContainsRune(dtmfAlphabet, r) {
			return Result{}, wrapError(ErrInvalidDTMF, nil, "недопустимый DTMF символ %q", r)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return Result{}, ErrNotInitialized
	}
	rec := s.call
	if rec == nil {
		s.logger.Warn("нет активного вызова для DTMF")
		return Result{}, ErrNoActiveCall
	}

	for i, r := range digits {
		if err := rec.call.SendDTMF(r); err != nil {
			return Result{}, wrapError(ErrEngine, err, "не удалось отправить DTMF").WithField("index", i)
		}
	}
	s.logger.Info("DTMF отправлен", slog.String("dtmf", digits))
	return Result{Success: true}, nil
}

// GetState возвращает снимок публичного состояния
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Initialized: s.engine != nil,
		Registered:  s.registered,
		CallState:   CallStateNone,
	}
	if rec := s.call; rec != nil {
		st.CallState = CallStateOf(rec.state)
		st.IncomingCallFrom = rec.remoteURI
	}
	return st
}

// AudioRoute возвращает текущие флаги аудио маршрута
func (s *Session) AudioRoute() AudioRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// CallerStreamURI возвращает RTSP адрес видеопотока вызывной панели
// для текущего вызова
func (s *Session) CallerStreamURI() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.remoteHost == "" {
		return "", false
	}
	return fmt.Sprintf(s.cfg.StreamURITemplate, s.call.remoteHost), true
}

// RegistrationStatus возвращает состояние автомата регистрации
func (s *Session) RegistrationStatus() RegistrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registration.Current()
}
