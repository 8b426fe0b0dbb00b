package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

// Config параметры SIP движка на базе sipgo
type Config struct {
	// ListenHost/ListenPort адрес SIP UDP сервера, порт 0 выбирает свободный
	ListenHost string
	ListenPort int

	// PublicHost адрес для Contact, Via и SDP. Пустое значение означает
	// автоматический выбор исходящего интерфейса.
	PublicHost string

	// MediaPort локальный RTP порт, 0 выбирает свободный
	MediaPort int

	// DSCP маркировка медиа пакетов, по умолчанию EF (46)
	DSCP int

	// DTMFDuration длительность RFC 4733 события, не больше maxDTMFDuration
	DTMFDuration time.Duration
	// DTMFPayloadType payload type telephone-event, если удаленная сторона его не предложила
	DTMFPayloadType uint8

	// RequestTimeout ограничение на REGISTER/BYE/INFO транзакцию
	RequestTimeout time.Duration
	// RetryInterval пауза перед повторной регистрацией после ошибки
	RetryInterval time.Duration
	// RefreshRatio доля срока регистрации, после которой она обновляется
	RefreshRatio float64

	// Devices аудио устройства хоста
	Devices []phone.AudioDevice

	Logger *slog.Logger
}

// maxDTMFDuration длительность, которая помещается в одно событие
// telephone-event при частоте до 48 кГц
const maxDTMFDuration = time.Second

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		ListenHost:      "0.0.0.0",
		ListenPort:      5060,
		DSCP:            46,
		DTMFDuration:    100 * time.Millisecond,
		DTMFPayloadType: 101,
		RequestTimeout:  10 * time.Second,
		RetryInterval:   30 * time.Second,
		RefreshRatio:    0.9,
		Devices: []phone.AudioDevice{
			{ID: "mic", Name: "Microphone", Type: phone.AudioDeviceMicrophone},
			{ID: "earpiece", Name: "Earpiece", Type: phone.AudioDeviceEarpiece},
			{ID: "speaker", Name: "Speaker", Type: phone.AudioDeviceSpeaker},
		},
		Logger: slog.Default(),
	}
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.ListenHost == "" {
		c.ListenHost = def.ListenHost
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("некорректный SIP порт: %d", c.ListenPort)
	}
	if c.MediaPort < 0 || c.MediaPort > 65535 {
		return fmt.Errorf("некорректный RTP порт: %d", c.MediaPort)
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63: %d", c.DSCP)
	}
	if c.DTMFDuration <= 0 {
		c.DTMFDuration = def.DTMFDuration
	}
	if c.DTMFDuration > maxDTMFDuration {
		return fmt.Errorf("длительность DTMF больше %s: %s", maxDTMFDuration, c.DTMFDuration)
	}
	if c.DTMFPayloadType < 96 || c.DTMFPayloadType > 127 {
		c.DTMFPayloadType = def.DTMFPayloadType
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.RefreshRatio <= 0 || c.RefreshRatio >= 1 {
		c.RefreshRatio = def.RefreshRatio
	}
	if c.Devices == nil {
		c.Devices = def.Devices
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
