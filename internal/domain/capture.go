package domain

// CaptureKind identifies a local media source class. At most one capture of
// each kind is active per client.
type CaptureKind string

const (
	CaptureMicrophone CaptureKind = "microphone"
	CaptureCamera     CaptureKind = "camera"
	CaptureScreen     CaptureKind = "screen"
)

type CaptureState string

const (
	CaptureInactive CaptureState = "inactive"
	CaptureActive   CaptureState = "active"
	CaptureError    CaptureState = "error"
)

// Constraints are device hints passed to capture start. Video sources honor
// resolution and frame-rate, audio sources the processing flags.
type Constraints struct {
	Width     int
	Height    int
	FrameRate int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	SampleRate int
	Channels   int

	// SystemAudio requests the optional audio sub-track of a screen capture.
	SystemAudio bool
}
