package phone

// AudioDeviceType тип аудио устройства вывода/ввода
type AudioDeviceType int

const (
	AudioDeviceUnknown AudioDeviceType = iota
	AudioDeviceMicrophone
	AudioDeviceEarpiece
	AudioDeviceSpeaker
	AudioDeviceBluetooth
	AudioDeviceHeadset
)

func (t AudioDeviceType) String() string {
	switch t {
	case AudioDeviceMicrophone:
		return "microphone"
	case AudioDeviceEarpiece:
		return "earpiece"
	case AudioDeviceSpeaker:
		return "speaker"
	case AudioDeviceBluetooth:
		return "bluetooth"
	case AudioDeviceHeadset:
		return "headset"
	default:
		return "unknown"
	}
}

// ParseAudioDeviceType разбирает имя типа устройства из конфигурации
func ParseAudioDeviceType(s string) AudioDeviceType {
	for t := AudioDeviceMicrophone; t <= AudioDeviceHeadset; t++ {
		if t.String() == s {
			return t
		}
	}
	return AudioDeviceUnknown
}

// AudioDevice аудио устройство движка
type AudioDevice struct {
	ID   string
	Name string
	Type AudioDeviceType
}

// AudioRoute текущий аудио маршрут сессии
type AudioRoute struct {
	MicrophoneEnabled bool
	SpeakerEnabled    bool
}

// SelectOutputDevice возвращает первое устройство типа Speaker (enable)
// или Earpiece (!enable). Второе значение false, если такого нет.
func SelectOutputDevice(devices []AudioDevice, enable bool) (AudioDevice, bool) {
	want := AudioDeviceEarpiece
	if enable {
		want = AudioDeviceSpeaker
	}
	for _, d := range devices {
		if d.Type == want {
			return d, true
		}
	}
	return AudioDevice{}, false
}
