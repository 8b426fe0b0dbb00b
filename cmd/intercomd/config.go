package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arzzra/sip_intercom/pkg/engine"
	"github.com/arzzra/sip_intercom/pkg/phone"
)

// fileConfig TOML конфигурация демона
type fileConfig struct {
	SIP     sipSection     `toml:"sip"`
	Engine  engineSection  `toml:"engine"`
	Media   mediaSection   `toml:"media"`
	Log     logSection     `toml:"log"`
	Metrics metricsSection `toml:"metrics"`
	Devices []deviceEntry  `toml:"devices"`
}

type sipSection struct {
	Server      string `toml:"server"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	Domain      string `toml:"domain"`
	DisplayName string `toml:"display_name"`
	Expires     int    `toml:"expires"`
}

type engineSection struct {
	ListenHost     string `toml:"listen_host"`
	ListenPort     int    `toml:"listen_port"`
	PublicHost     string `toml:"public_host"`
	RequestTimeout string `toml:"request_timeout"`
	RetryInterval  string `toml:"retry_interval"`
}

type mediaSection struct {
	Port         int      `toml:"port"`
	DSCP         int      `toml:"dscp"`
	Codecs       []string `toml:"codecs"`
	DTMFDuration string   `toml:"dtmf_duration"`
	UserAgent    string   `toml:"user_agent"`
	StreamURI    string   `toml:"stream_uri"`
}

type logSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type metricsSection struct {
	Addr string `toml:"addr"`
}

type deviceEntry struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Type string `toml:"type"`
}

// appConfig итоговая конфигурация после применения значений по умолчанию
type appConfig struct {
	Register    phone.RegisterRequest
	Engine      *engine.Config
	Phone       *phone.Config
	LogLevel    slog.Level
	LogFormat   string
	MetricsAddr string
}

func defaultAppConfig() *appConfig {
	return &appConfig{
		Engine:    engine.DefaultConfig(),
		Phone:     phone.DefaultConfig(),
		LogLevel:  slog.LevelInfo,
		LogFormat: "console",
	}
}

// loadConfig читает TOML файл. Пустой путь возвращает значения по умолчанию.
func loadConfig(path string) (*appConfig, error) {
	cfg := defaultAppConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конфигурации: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("неизвестные ключи конфигурации: %v", undecoded)
	}

	cfg.Register = phone.RegisterRequest{
		Server:      strings.TrimSpace(raw.SIP.Server),
		User:        strings.TrimSpace(raw.SIP.Username),
		Password:    raw.SIP.Password,
		Domain:      strings.TrimSpace(raw.SIP.Domain),
		DisplayName: raw.SIP.DisplayName,
	}
	if meta.IsDefined("sip", "expires") {
		cfg.Phone.Expires = raw.SIP.Expires
	}

	if meta.IsDefined("engine", "listen_host") {
		cfg.Engine.ListenHost = raw.Engine.ListenHost
	}
	if meta.IsDefined("engine", "listen_port") {
		cfg.Engine.ListenPort = raw.Engine.ListenPort
	}
	if meta.IsDefined("engine", "public_host") {
		cfg.Engine.PublicHost = raw.Engine.PublicHost
	}
	if meta.IsDefined("engine", "request_timeout") {
		d, err := time.ParseDuration(raw.Engine.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("некорректный request_timeout: %w", err)
		}
		cfg.Engine.RequestTimeout = d
	}
	if meta.IsDefined("engine", "retry_interval") {
		d, err := time.ParseDuration(raw.Engine.RetryInterval)
		if err != nil {
			return nil, fmt.Errorf("некорректный retry_interval: %w", err)
		}
		cfg.Engine.RetryInterval = d
	}

	if meta.IsDefined("media", "port") {
		cfg.Engine.MediaPort = raw.Media.Port
	}
	if meta.IsDefined("media", "dscp") {
		cfg.Engine.DSCP = raw.Media.DSCP
	}
	if meta.IsDefined("media", "codecs") {
		cfg.Phone.MediaPolicy.Codecs = raw.Media.Codecs
	}
	if meta.IsDefined("media", "dtmf_duration") {
		d, err := time.ParseDuration(raw.Media.DTMFDuration)
		if err != nil {
			return nil, fmt.Errorf("некорректный dtmf_duration: %w", err)
		}
		cfg.Engine.DTMFDuration = d
	}
	if meta.IsDefined("media", "user_agent") {
		cfg.Phone.MediaPolicy.UserAgent = raw.Media.UserAgent
	}
	if meta.IsDefined("media", "stream_uri") {
		cfg.Phone.StreamURITemplate = raw.Media.StreamURI
	}

	if meta.IsDefined("log", "level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw.Log.Level)); err != nil {
			return nil, fmt.Errorf("некорректный уровень логирования %q: %w", raw.Log.Level, err)
		}
	}
	if meta.IsDefined("log", "format") {
		switch f := strings.ToLower(raw.Log.Format); f {
		case "console", "json":
			cfg.LogFormat = f
		default:
			return nil, fmt.Errorf("неизвестный формат логов: %s", raw.Log.Format)
		}
	}
	cfg.MetricsAddr = raw.Metrics.Addr

	if len(raw.Devices) > 0 {
		devices := make([]phone.AudioDevice, 0, len(raw.Devices))
		for _, d := range raw.Devices {
			devices = append(devices, phone.AudioDevice{
				ID:   d.ID,
				Name: d.Name,
				Type: phone.ParseAudioDeviceType(d.Type),
			})
		}
		cfg.Engine.Devices = devices
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
