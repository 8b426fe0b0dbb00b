package phone

import (
	"fmt"
	"log/slog"
)

// Config конфигурация сессии
type Config struct {
	// Logger логгер сессии, по умолчанию slog.Default()
	Logger *slog.Logger

	// Permissions доступ к разрешениям хоста. nil означает, что
	// разрешения выданы заранее (демон без платформенных запросов).
	Permissions PermissionGate

	// Metrics метрики, nil отключает сбор
	Metrics *Metrics

	Dispatcher  DispatcherConfig
	MediaPolicy MediaPolicy

	// Expires время жизни регистрации в секундах
	Expires int

	// StreamURITemplate шаблон RTSP адреса вызывной панели, %s заменяется хостом
	StreamURITemplate string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Logger:            slog.Default(),
		Dispatcher:        DefaultDispatcherConfig(),
		MediaPolicy:       DefaultMediaPolicy(),
		Expires:           600,
		StreamURITemplate: "rtsp://%s/live/ch00_0",
	}
}

// Validate проверяет конфигурацию и заполняет пропущенные значения
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dispatcher.Capacity < 0 {
		return fmt.Errorf("емкость очереди уведомлений не может быть отрицательной: %d", c.Dispatcher.Capacity)
	}
	if c.Dispatcher.Capacity == 0 {
		c.Dispatcher.Capacity = DefaultDispatcherConfig().Capacity
	}
	if c.Dispatcher.CloseTimeout <= 0 {
		c.Dispatcher.CloseTimeout = DefaultDispatcherConfig().CloseTimeout
	}
	if c.Expires < 0 {
		return fmt.Errorf("некорректное время регистрации: %d", c.Expires)
	}
	if c.Expires == 0 {
		c.Expires = 600
	}
	if len(c.MediaPolicy.Codecs) == 0 {
		return fmt.Errorf("не задан ни один кодек")
	}
	if c.MediaPolicy.UserAgent == "" {
		c.MediaPolicy.UserAgent = DefaultMediaPolicy().UserAgent
	}
	if c.StreamURITemplate == "" {
		c.StreamURITemplate = "rtsp://%s/live/ch00_0"
	}
	return nil
}
