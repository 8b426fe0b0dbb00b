package phone

// Имена уведомлений, под которыми их видит слушатель
const (
	EventIncomingCall             = "incomingCall"
	EventCallConnected            = "callConnected"
	EventCallEnded                = "callEnded"
	EventRegistrationStateChanged = "registrationStateChanged"
	EventError                    = "error"
)

// Notification исходящее уведомление для слушателя
type Notification interface {
	Name() string
}

// IncomingCall входящий вызов
type IncomingCall struct {
	From        string `json:"from"`
	DisplayName string `json:"displayName"`
}

// CallConnectedNotification вызов соединен
type CallConnectedNotification struct{}

// CallEnded вызов завершен
type CallEnded struct {
	Reason string `json:"reason"`
}

// RegistrationStateChanged изменилось состояние регистрации
type RegistrationStateChanged struct {
	State   RegistrationStatus `json:"state"`
	Message string             `json:"message"`
}

// ErrorNotification ошибка вызова, обнаруженная движком
type ErrorNotification struct {
	Error string `json:"error"`
}

func (IncomingCall) Name() string              { return EventIncomingCall }
func (CallConnectedNotification) Name() string { return EventCallConnected }
func (CallEnded) Name() string                 { return EventCallEnded }
func (RegistrationStateChanged) Name() string  { return EventRegistrationStateChanged }
func (ErrorNotification) Name() string         { return EventError }

// Listener получатель уведомлений
type Listener interface {
	OnNotification(n Notification)
}

// ListenerFunc адаптер функции к Listener
type ListenerFunc func(n Notification)

// OnNotification реализует Listener
func (f ListenerFunc) OnNotification(n Notification) {
	f(n)
}
