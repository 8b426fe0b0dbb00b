package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

func TestEventQueue_OrderAndBuffering(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newEventQueue()
	defer q.close()

	// без обработчика события копятся
	for i := 0; i < 10; i++ {
		q.push(phone.GlobalEvent{State: "On", Message: string(rune('a' + i))})
	}

	var mu sync.Mutex
	var got []string
	q.setHandler(func(ev phone.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.(phone.GlobalEvent).Message)
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, got)
}

func TestEventQueue_DetachStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newEventQueue()
	defer q.close()

	delivered := make(chan phone.Event, 4)
	q.setHandler(func(ev phone.Event) { delivered <- ev })
	q.push(phone.GlobalEvent{State: "On"})

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("событие не доставлено")
	}

	q.setHandler(nil)
	q.push(phone.GlobalEvent{State: "Off"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, delivered)
}

func TestEventQueue_CloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newEventQueue()
	q.close()
	q.close()
	q.push(phone.GlobalEvent{State: "On"})
}
