package phone

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// fakeEngine записывает команды и позволяет тесту генерировать события
type fakeEngine struct {
	mu sync.Mutex

	ops      []string
	handler  EventHandler
	policy   MediaPolicy
	auth     []AuthInfo
	accounts []*fakeAccount
	current  *fakeAccount
	devices  []AudioDevice
	output   *AudioDevice
	mic      bool
	started  bool
	stopped  int

	createErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		devices: []AudioDevice{
			{ID: "mic0", Name: "Built-in mic", Type: AudioDeviceMicrophone},
			{ID: "ear0", Name: "Earpiece", Type: AudioDeviceEarpiece},
			{ID: "spk0", Name: "Loudspeaker", Type: AudioDeviceSpeaker},
			{ID: "spk1", Name: "Second speaker", Type: AudioDeviceSpeaker},
		},
	}
}

func (e *fakeEngine) record(op string) {
	e.ops = append(e.ops, op)
}

func (e *fakeEngine) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *fakeEngine) Configure(policy MediaPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
	e.record("configure")
	return nil
}

func (e *fakeEngine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
	if handler == nil {
		e.record("detach")
	} else {
		e.record("attach")
	}
}

func (e *fakeEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	e.record("start")
	return nil
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped++
	e.record("stop")
	return nil
}

func (e *fakeEngine) AddAuthInfo(info AuthInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auth = append(e.auth, info)
	e.record("auth:" + info.Username)
}

func (e *fakeEngine) CreateAccount(params AccountParams) (Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	acc := &fakeAccount{params: params}
	e.accounts = append(e.accounts, acc)
	e.record("create:" + params.Identity.URI())
	return acc, nil
}

func (e *fakeEngine) RemoveAccount(account Account) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("remove:" + account.Params().Identity.URI())
}

func (e *fakeEngine) SetDefaultAccount(account Account) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = account.(*fakeAccount)
	e.record("default:" + account.Params().Identity.URI())
}

func (e *fakeEngine) AudioDevices() []AudioDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]AudioDevice(nil), e.devices...)
}

func (e *fakeEngine) SetOutputAudioDevice(device AudioDevice) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.output = &device
	e.record("output:" + device.ID)
	return nil
}

func (e *fakeEngine) SetMicEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mic = enabled
	e.record(fmt.Sprintf("mic:%t", enabled))
}

// emit доставляет событие так, как это делает движок
func (e *fakeEngine) emit(ev Event) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (e *fakeEngine) Account() *fakeAccount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

type fakeAccount struct {
	mu     sync.Mutex
	params AccountParams
}

func (a *fakeAccount) Params() AccountParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

func (a *fakeAccount) SetParams(params AccountParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = params
	return nil
}

type fakeCall struct {
	mu sync.Mutex

	id         string
	remote     *Address
	state      CallState
	accepted   []CallParams
	declined   []Reason
	terminated int
	dtmf       []rune

	acceptErr error
	dtmfErr   error
}

func newFakeCall(id string, remote *Address) *fakeCall {
	return &fakeCall{id: id, remote: remote}
}

func (c *fakeCall) ID() string { return c.id }

func (c *fakeCall) RemoteAddress() *Address { return c.remote }

func (c *fakeCall) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCall) Accept(params CallParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acceptErr != nil {
		return c.acceptErr
	}
	c.accepted = append(c.accepted, params)
	return nil
}

func (c *fakeCall) Decline(reason Reason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declined = append(c.declined, reason)
	return nil
}

func (c *fakeCall) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated++
	return nil
}

func (c *fakeCall) SendDTMF(digit rune) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dtmfErr != nil {
		return c.dtmfErr
	}
	c.dtmf = append(c.dtmf, digit)
	return nil
}

func (c *fakeCall) Digits() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.dtmf)
}

// recordingListener собирает уведомления по порядку
type recordingListener struct {
	mu    sync.Mutex
	items []Notification
}

func (l *recordingListener) OnNotification(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, n)
}

func (l *recordingListener) All() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notification(nil), l.items...)
}

func (l *recordingListener) Names() []string {
	var names []string
	for _, n := range l.All() {
		names = append(names, n.Name())
	}
	return names
}

var errFake = errors.New("fake failure")
