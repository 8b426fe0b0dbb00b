package phone

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// RegistrationState сырое состояние регистрации аккаунта, сообщаемое движком
type RegistrationState int

const (
	RegistrationNone RegistrationState = iota
	RegistrationProgress
	RegistrationOk
	RegistrationCleared
	RegistrationFailed
)

var registrationStateNames = map[RegistrationState]string{
	RegistrationNone:     "None",
	RegistrationProgress: "Progress",
	RegistrationOk:       "Ok",
	RegistrationCleared:  "Cleared",
	RegistrationFailed:   "Failed",
}

func (s RegistrationState) String() string {
	if name, ok := registrationStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RegistrationState(%d)", int(s))
}

// CallState сырое состояние вызова движка (детальнее публичного состояния)
type CallState int

const (
	CallIdle CallState = iota
	CallIncomingReceived
	CallIncomingEarlyMedia
	CallOutgoingInit
	CallOutgoingProgress
	CallOutgoingRinging
	CallOutgoingEarlyMedia
	CallConnected
	CallStreamsRunning
	CallUpdating
	CallUpdatedByRemote
	CallPausing
	CallPaused
	CallPausedByRemote
	CallEnd
	CallReleased
	CallError
)

var callStateNames = map[CallState]string{
	CallIdle:               "Idle",
	CallIncomingReceived:   "IncomingReceived",
	CallIncomingEarlyMedia: "IncomingEarlyMedia",
	CallOutgoingInit:       "OutgoingInit",
	CallOutgoingProgress:   "OutgoingProgress",
	CallOutgoingRinging:    "OutgoingRinging",
	CallOutgoingEarlyMedia: "OutgoingEarlyMedia",
	CallConnected:          "Connected",
	CallStreamsRunning:     "StreamsRunning",
	CallUpdating:           "Updating",
	CallUpdatedByRemote:    "UpdatedByRemote",
	CallPausing:            "Pausing",
	CallPaused:             "Paused",
	CallPausedByRemote:     "PausedByRemote",
	CallEnd:                "End",
	CallReleased:           "Released",
	CallError:              "Error",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

// IsTerminal возвращает true для состояний, после которых запись о вызове удаляется
func (s CallState) IsTerminal() bool {
	return s == CallEnd || s == CallReleased || s == CallError
}

// IsIncoming возвращает true для состояний входящего вызова до ответа
func (s CallState) IsIncoming() bool {
	return s == CallIncomingReceived || s == CallIncomingEarlyMedia
}

// TransportType транспорт SIP
type TransportType int

const (
	TransportUDP TransportType = iota
	TransportTCP
	TransportTLS
)

func (t TransportType) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "tls"
	default:
		return "udp"
	}
}

// Reason причина отклонения вызова
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDeclined
	ReasonBusy
)

func (r Reason) String() string {
	switch r {
	case ReasonDeclined:
		return "Declined"
	case ReasonBusy:
		return "Busy"
	default:
		return "None"
	}
}

// Address SIP адрес (identity, registrar или удаленная сторона вызова)
type Address struct {
	DisplayName string
	Username    string
	Domain      string
	Port        int
	Transport   TransportType
}

// ParseAddress разбирает SIP URI вида sip:user@host[:port].
// Пустой хост и пробельные символы считаются ошибкой.
func ParseAddress(raw string) (Address, error) {
	if raw == "" || strings.ContainsAny(raw, " \t\r\n<>\"") {
		return Address{}, fmt.Errorf("некорректный SIP адрес: %q", raw)
	}

	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return Address{}, fmt.Errorf("некорректный SIP адрес %q: %w", raw, err)
	}
	if uri.Host == "" {
		return Address{}, fmt.Errorf("некорректный SIP адрес %q: пустой хост", raw)
	}

	addr := Address{
		Username: uri.User,
		Domain:   uri.Host,
		Port:     uri.Port,
	}
	if t, ok := uri.UriParams.Get("transport"); ok {
		switch strings.ToLower(t) {
		case "tcp":
			addr.Transport = TransportTCP
		case "tls":
			addr.Transport = TransportTLS
		}
	}
	return addr, nil
}

// URI возвращает адрес без display name, например sip:door1@10.0.0.5
func (a Address) URI() string {
	var b strings.Builder
	b.WriteString("sip:")
	if a.Username != "" {
		b.WriteString(a.Username)
		b.WriteByte('@')
	}
	b.WriteString(a.Domain)
	if a.Port > 0 {
		fmt.Fprintf(&b, ":%d", a.Port)
	}
	return b.String()
}

func (a Address) String() string {
	if a.DisplayName == "" {
		return a.URI()
	}
	return fmt.Sprintf("%q <%s>", a.DisplayName, a.URI())
}

// AuthInfo учетные данные для digest аутентификации
type AuthInfo struct {
	Username string
	UserID   string
	Password string
	Realm    string
	Domain   string
}

// AccountParams параметры аккаунта движка
type AccountParams struct {
	Identity        Address
	Server          Address
	RegisterEnabled bool
	// Expires время жизни регистрации в секундах
	Expires int
}

// CallParams параметры ответа на вызов
type CallParams struct {
	AudioEnabled bool
	VideoEnabled bool
}

// MediaPolicy аудио/кодек политика, применяемая к движку при инициализации
type MediaPolicy struct {
	// Codecs разрешенные кодеки по MIME имени, остальные выключаются
	Codecs              []string
	MediaEncryption     string
	EchoCancellation    bool
	AdaptiveRateControl bool
	VideoCapture        bool
	VideoDisplay        bool
	DTMFUseInfo         bool
	DTMFUseRFC4733      bool
	UserAgent           string
}

// DefaultMediaPolicy возвращает политику по умолчанию: G.711 A/µ-law и Opus,
// без шифрования медиа, без видео
func DefaultMediaPolicy() MediaPolicy {
	return MediaPolicy{
		Codecs:              []string{"pcmu", "pcma", "opus"},
		MediaEncryption:     "none",
		EchoCancellation:    true,
		AdaptiveRateControl: true,
		VideoCapture:        false,
		VideoDisplay:        false,
		DTMFUseInfo:         true,
		DTMFUseRFC4733:      true,
		UserAgent:           "NeoliaPanel/1.0.0",
	}
}

// AllowsCodec проверяет, разрешен ли кодек политикой
func (p MediaPolicy) AllowsCodec(mime string) bool {
	for _, c := range p.Codecs {
		if strings.EqualFold(c, mime) {
			return true
		}
	}
	return false
}

// Account аккаунт, присоединенный к движку
type Account interface {
	Params() AccountParams
	SetParams(params AccountParams) error
}

// Call вызов движка. Методы не блокируются на сетевом обмене:
// результат приходит позже событием CallEvent.
type Call interface {
	ID() string
	// RemoteAddress возвращает nil, если адрес удаленной стороны неизвестен
	RemoteAddress() *Address
	State() CallState
	Accept(params CallParams) error
	Decline(reason Reason) error
	Terminate() error
	SendDTMF(digit rune) error
}

// EventHandler получает события движка. Движок вызывает его из своих
// горутин и никогда синхронно изнутри вызова команды.
type EventHandler func(Event)

// Engine SIP/медиа движок, которым управляет Session
type Engine interface {
	Configure(policy MediaPolicy) error
	SetEventHandler(handler EventHandler)
	Start(ctx context.Context) error
	Stop() error

	AddAuthInfo(info AuthInfo)
	CreateAccount(params AccountParams) (Account, error)
	RemoveAccount(account Account)
	SetDefaultAccount(account Account)

	AudioDevices() []AudioDevice
	SetOutputAudioDevice(device AudioDevice) error
	SetMicEnabled(enabled bool)
}

// EngineFactory создает новый движок при каждой инициализации сессии
type EngineFactory func() (Engine, error)
