package domain

// Intent is the application-level role of one media unit.
type Intent string

const (
	IntentCamera     Intent = "camera"
	IntentScreen     Intent = "screen"
	IntentMicrophone Intent = "microphone"
)

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentCamera, IntentScreen, IntentMicrophone:
		return true
	}
	return false
}

// Kind is the media type of a unit.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// CaptureConfig selects which local sources a session captures.
type CaptureConfig struct {
	Camera     bool `json:"camera" mapstructure:"camera"`
	Screen     bool `json:"screen" mapstructure:"screen"`
	Microphone bool `json:"microphone" mapstructure:"microphone"`
}

// Empty reports whether no source is requested.
func (c CaptureConfig) Empty() bool {
	return !c.Camera && !c.Screen && !c.Microphone
}
