package engine

import (
	"sync"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

// eventQueue упорядоченная доставка событий в обработчик сессии из одной
// горутины. Обработчик никогда не вызывается синхронно из команды.
type eventQueue struct {
	mu      sync.Mutex
	events  []phone.Event
	handler phone.EventHandler

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) setHandler(h phone.EventHandler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) push(ev phone.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close останавливает доставку и ждет завершения текущего события
func (q *eventQueue) close() {
	q.once.Do(func() {
		close(q.stop)
		<-q.done
	})
}

func (q *eventQueue) run() {
	defer close(q.done)

	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.events) == 0 || q.handler == nil {
				q.mu.Unlock()
				break
			}
			ev := q.events[0]
			q.events[0] = nil
			q.events = q.events[1:]
			h := q.handler
			q.mu.Unlock()

			h(ev)

			select {
			case <-q.stop:
				return
			default:
			}
		}
	}
}
