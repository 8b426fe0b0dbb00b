package phone

import (
	"context"

	"github.com/looplab/fsm"
)

// registrationMachine подавтомат регистрации:
// unregistered -> registering -> {registered, failed} -> unregistered.
//
// Движок остается источником истины: переход вне матрицы все равно
// применяется, но помечается как forced.
type registrationMachine struct {
	fsm *fsm.FSM
}

func newRegistrationMachine() *registrationMachine {
	return &registrationMachine{
		fsm: fsm.NewFSM(
			string(StatusUnregistered),
			fsm.Events{
				{Name: string(StatusRegistering), Src: []string{string(StatusUnregistered)}, Dst: string(StatusRegistering)},
				{Name: string(StatusRegistered), Src: []string{string(StatusRegistering)}, Dst: string(StatusRegistered)},
				{Name: string(StatusFailed), Src: []string{string(StatusRegistering)}, Dst: string(StatusFailed)},
				{
					Name: string(StatusUnregistered),
					Src:  []string{string(StatusRegistering), string(StatusRegistered), string(StatusFailed)},
					Dst:  string(StatusUnregistered),
				},
			},
			fsm.Callbacks{},
		),
	}
}

// Current возвращает текущее состояние
func (m *registrationMachine) Current() RegistrationStatus {
	return RegistrationStatus(m.fsm.Current())
}

// apply переводит автомат в target. Возвращает true, если переход
// не предусмотрен матрицей и был применен принудительно.
func (m *registrationMachine) apply(target RegistrationStatus) (forced bool) {
	if m.fsm.Current() == string(target) {
		return false
	}
	if m.fsm.Can(string(target)) {
		if err := m.fsm.Event(context.Background(), string(target)); err == nil {
			return false
		}
	}
	m.fsm.SetState(string(target))
	return true
}

func (m *registrationMachine) reset() {
	m.fsm.SetState(string(StatusUnregistered))
}
