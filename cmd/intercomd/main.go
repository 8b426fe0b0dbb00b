// Команда intercomd SIP абонент вызывной панели: регистрируется на сервере,
// принимает вызовы и управляется командами со стандартного ввода.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	console "github.com/phsym/console-slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/arzzra/sip_intercom/pkg/engine"
	"github.com/arzzra/sip_intercom/pkg/phone"
)

type rootOptions struct {
	configPath string
	logLevel   string
	noConsole  bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "intercomd",
		Short: "SIP абонент вызывной панели",
		Long: `intercomd регистрируется на SIP сервере, принимает входящие вызовы
вызывной панели и управляется командами со стандартного ввода:
answer, hangup, reject, dtmf <цифры>, mic on|off, speaker on|off,
state, stream, unregister, quit.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "путь к TOML конфигурации")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "уровень логирования (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "не читать команды со стандартного ввода")
	return cmd
}

func run(parent context.Context, opts *rootOptions, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(opts.logLevel)); err != nil {
			return fmt.Errorf("некорректный уровень логирования %q: %w", opts.logLevel, err)
		}
	}

	logger := newLogger(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := phone.NewMetrics(registry, "intercom")
	if err != nil {
		return err
	}

	cfg.Phone.Logger = logger
	cfg.Phone.Metrics = metrics
	cfg.Engine.Logger = logger

	session, err := phone.New(engine.Factory(cfg.Engine), cfg.Phone)
	if err != nil {
		return err
	}
	// уведомления пишет диспетчер, ответы консоли пишет shell
	out = &syncWriter{w: out}
	session.SetListener(phone.ListenerFunc(func(n phone.Notification) {
		printNotification(out, n)
	}))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = serveMetrics(cfg.MetricsAddr, registry, logger)
	}

	if _, err := session.Initialize(ctx); err != nil {
		return err
	}
	defer session.Destroy()

	if cfg.Register.Server != "" {
		res, err := session.Register(ctx, cfg.Register)
		if err != nil {
			return err
		}
		logger.Info(res.Message)
	} else {
		logger.Warn("сервер регистрации не задан, регистрация пропущена")
	}

	if !opts.noConsole {
		go func() {
			newShell(session, in, out).run(ctx)
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("остановка")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// newLogger console-slog для терминала или JSON для журналов
func newLogger(format string, level slog.Level, w io.Writer) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(console.NewHandler(w, &console.HandlerOptions{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("сервер метрик остановлен", slog.String("error", err.Error()))
		}
	}()
	logger.Info("метрики доступны", slog.String("addr", addr))
	return srv
}

// printNotification выводит уведомление строкой JSON с именем события
func printNotification(out io.Writer, n phone.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		fmt.Fprintf(out, "%s\n", n.Name())
		return
	}
	fmt.Fprintf(out, "%s %s\n", n.Name(), data)
}
