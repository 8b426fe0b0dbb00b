package phone

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatcher_FIFO(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), nil, nil)
	defer d.Close()

	l := &recordingListener{}
	d.SetListener(l)

	for i := 0; i < 20; i++ {
		d.Notify(CallEnded{Reason: fmt.Sprint(i)})
	}

	got := waitNotifications(t, l, 20)
	for i, n := range got {
		assert.Equal(t, CallEnded{Reason: fmt.Sprint(i)}, n)
	}
}

func TestDispatcher_BuffersWithoutListener(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), nil, nil)
	defer d.Close()

	d.Notify(IncomingCall{From: "sip:gate@10.0.0.7", DisplayName: "gate"})
	d.Notify(CallConnectedNotification{})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, d.Pending())

	l := &recordingListener{}
	d.SetListener(l)
	got := waitNotifications(t, l, 2)
	assert.Equal(t, []string{EventIncomingCall, EventCallConnected}, []string{got[0].Name(), got[1].Name()})
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_OverflowDropsOldest(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg, "test")
	require.NoError(t, err)

	d := NewDispatcher(DispatcherConfig{Capacity: 3}, nil, metrics)
	defer d.Close()

	for i := 0; i < 5; i++ {
		d.Notify(CallEnded{Reason: fmt.Sprint(i)})
	}
	assert.Equal(t, 3, d.Pending())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.droppedNotifications))

	l := &recordingListener{}
	d.SetListener(l)
	got := waitNotifications(t, l, 3)
	assert.Equal(t, []Notification{
		CallEnded{Reason: "2"},
		CallEnded{Reason: "3"},
		CallEnded{Reason: "4"},
	}, got)
}

func TestDispatcher_NoDeliveryAfterClose(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), nil, nil)

	l := &recordingListener{}
	d.SetListener(l)
	d.Notify(CallConnectedNotification{})
	waitNotifications(t, l, 1)

	d.Close()
	d.Close()
	d.Notify(CallEnded{Reason: "late"})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, l.All(), 1)
}

func TestDispatcher_CloseWaitsForInFlightDelivery(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), nil, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	finished := false

	d.SetListener(ListenerFunc(func(n Notification) {
		close(entered)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	}))
	d.Notify(CallConnectedNotification{})
	<-entered

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
}

func TestDispatcher_ListenerPanicRecovered(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), nil, nil)
	defer d.Close()

	l := &recordingListener{}
	first := true
	d.SetListener(ListenerFunc(func(n Notification) {
		if first {
			first = false
			panic("listener failure")
		}
		l.OnNotification(n)
	}))

	d.Notify(CallConnectedNotification{})
	d.Notify(CallEnded{Reason: "bye"})
	got := waitNotifications(t, l, 1)
	assert.Equal(t, CallEnded{Reason: "bye"}, got[0])
}
