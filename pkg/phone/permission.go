package phone

import "sync"

// Permission разрешение хост-платформы
type Permission string

const (
	PermissionMicrophone Permission = "microphone"
)

// PermissionGate доступ к разрешениям хост-приложения.
// Request не блокируется: результат приходит в Session.HandleEvent
// как PermissionEvent.
type PermissionGate interface {
	Granted(p Permission) bool
	Request(p Permission) error
}

// StaticPermissions разрешения, заданные конфигурацией (демон, тесты).
// Request сразу отвечает событием через OnResult.
type StaticPermissions struct {
	mu      sync.Mutex
	granted map[Permission]bool

	// OnResult получает результат запроса, обычно Session.HandleEvent
	OnResult func(Event)
}

// NewStaticPermissions создает набор разрешений
func NewStaticPermissions(granted ...Permission) *StaticPermissions {
	sp := &StaticPermissions{granted: make(map[Permission]bool)}
	for _, p := range granted {
		sp.granted[p] = true
	}
	return sp
}

// Set выдает или отзывает разрешение
func (sp *StaticPermissions) Set(p Permission, granted bool) {
	sp.mu.Lock()
	sp.granted[p] = granted
	sp.mu.Unlock()
}

// Granted реализует PermissionGate
func (sp *StaticPermissions) Granted(p Permission) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.granted[p]
}

// Request реализует PermissionGate. Результат доставляется в отдельной
// горутине, как это делает хост-платформа.
func (sp *StaticPermissions) Request(p Permission) error {
	granted := sp.Granted(p)
	if cb := sp.OnResult; cb != nil {
		go cb(PermissionEvent{Permission: p, Granted: granted})
	}
	return nil
}
