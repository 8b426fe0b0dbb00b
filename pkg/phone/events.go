package phone

// Event событие, поступающее в Session. Все события обрабатываются
// единственной функцией Session.HandleEvent.
type Event interface {
	eventKind() string
}

// RegistrationEvent изменение состояния регистрации аккаунта
type RegistrationEvent struct {
	Account Account
	State   RegistrationState
	Message string
}

// CallEvent изменение состояния вызова
type CallEvent struct {
	Call    Call
	State   CallState
	Message string
}

// GlobalEvent изменение глобального состояния движка (только логируется)
type GlobalEvent struct {
	State   string
	Message string
}

// PermissionEvent результат запроса разрешения у хост-приложения
type PermissionEvent struct {
	Permission Permission
	Granted    bool
}

func (RegistrationEvent) eventKind() string { return "registration" }
func (CallEvent) eventKind() string         { return "call" }
func (GlobalEvent) eventKind() string       { return "global" }
func (PermissionEvent) eventKind() string   { return "permission" }
