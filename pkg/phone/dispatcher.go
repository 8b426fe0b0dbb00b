package phone

import (
	"log/slog"
	"sync"
	"time"
)

// DispatcherConfig параметры очереди уведомлений
type DispatcherConfig struct {
	// Capacity максимальное число ожидающих уведомлений
	Capacity int
	// CloseTimeout сколько Close ждет завершения текущей доставки
	CloseTimeout time.Duration
}

// DefaultDispatcherConfig возвращает конфигурацию по умолчанию
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Capacity:     64,
		CloseTimeout: 2 * time.Second,
	}
}

// Dispatcher доставляет уведомления слушателю в порядке FIFO из одной
// горутины. Пока слушателя нет, уведомления копятся в очереди.
// При переполнении вытесняется самое старое.
type Dispatcher struct {
	cfg     DispatcherConfig
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	queue    []Notification
	listener Listener
	closed   bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewDispatcher создает диспетчер и запускает горутину доставки
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultDispatcherConfig().Capacity
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultDispatcherConfig().CloseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "dispatcher")),
		metrics: metrics,
		queue:   make([]Notification, 0, cfg.Capacity),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// SetListener присоединяет (или отсоединяет при nil) слушателя.
// Накопленные уведомления доставляются новому слушателю.
func (d *Dispatcher) SetListener(l Listener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
	d.signal()
}

// Notify ставит уведомление в очередь. Никогда не блокируется.
func (d *Dispatcher) Notify(n Notification) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if len(d.queue) >= d.cfg.Capacity {
		dropped := d.queue[0]
		d.queue = d.queue[1:]
		d.logger.Warn("очередь уведомлений переполнена, старое уведомление отброшено",
			slog.String("dropped", dropped.Name()),
			slog.Int("capacity", d.cfg.Capacity))
		d.metrics.notificationDropped()
	}
	d.queue = append(d.queue, n)
	d.mu.Unlock()
	d.signal()
}

// Pending возвращает число недоставленных уведомлений
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close прекращает доставку. После возврата слушатель больше не вызывается,
// если текущая доставка уложилась в CloseTimeout.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.listener = nil
	d.mu.Unlock()

	close(d.stop)

	select {
	case <-d.done:
	case <-time.After(d.cfg.CloseTimeout):
		d.logger.Warn("слушатель не вернул управление до истечения таймаута закрытия",
			slog.Duration("timeout", d.cfg.CloseTimeout))
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		}

		for {
			n, l, ok := d.next()
			if !ok {
				break
			}
			d.deliver(l, n)
		}
	}
}

// next снимает голову очереди, если есть слушатель
func (d *Dispatcher) next() (Notification, Listener, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.listener == nil || len(d.queue) == 0 {
		return nil, nil, false
	}
	n := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return n, d.listener, true
}

func (d *Dispatcher) deliver(l Listener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("паника в слушателе уведомлений",
				slog.String("notification", n.Name()),
				slog.Any("panic", r))
		}
	}()
	l.OnNotification(n)
}
