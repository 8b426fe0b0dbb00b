package phone

// RegistrationStatus публичное состояние регистрации
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusRegistering  RegistrationStatus = "registering"
	StatusRegistered   RegistrationStatus = "registered"
	StatusFailed       RegistrationStatus = "failed"
	// StatusUnknown сообщается слушателю, но не применяется к автомату
	StatusUnknown RegistrationStatus = "unknown"
)

// PublicCallState публичное состояние вызова
type PublicCallState string

const (
	CallStateNone     PublicCallState = "none"
	CallStateRinging  PublicCallState = "ringing"
	CallStateOutgoing PublicCallState = "outgoing"
	CallStateInCall   PublicCallState = "incall"
	CallStatePaused   PublicCallState = "paused"
	CallStateEnded    PublicCallState = "ended"
	CallStateError    PublicCallState = "error"
	CallStateUnknown  PublicCallState = "unknown"
)

// RegistrationStatusOf отображает сырое состояние движка на публичное
func RegistrationStatusOf(state RegistrationState) RegistrationStatus {
	switch state {
	case RegistrationOk:
		return StatusRegistered
	case RegistrationProgress:
		return StatusRegistering
	case RegistrationCleared:
		return StatusUnregistered
	case RegistrationFailed:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// CallStateOf сворачивает сырые состояния вызова в публичные
func CallStateOf(state CallState) PublicCallState {
	switch state {
	case CallIncomingReceived, CallIncomingEarlyMedia:
		return CallStateRinging
	case CallOutgoingInit, CallOutgoingProgress, CallOutgoingRinging, CallOutgoingEarlyMedia:
		return CallStateOutgoing
	case CallConnected, CallStreamsRunning, CallUpdating, CallUpdatedByRemote:
		return CallStateInCall
	case CallPausing, CallPaused, CallPausedByRemote:
		return CallStatePaused
	case CallEnd, CallReleased:
		return CallStateEnded
	case CallError:
		return CallStateError
	default:
		return CallStateUnknown
	}
}
