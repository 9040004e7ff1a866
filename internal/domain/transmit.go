package domain

import (
	"errors"
	"time"
)

var ErrBadSensitivity = errors.New("vad sensitivity out of range")

// TransmitMode selects how the local microphone is gated.
type TransmitMode string

const (
	ModeOpenMic       TransmitMode = "open-mic"
	ModePushToTalk    TransmitMode = "push-to-talk"
	ModeVoiceActivity TransmitMode = "voice-activity"
	ModeHybrid        TransmitMode = "hybrid"
)

// TransmitConfig is client-local policy. Peers never see the config itself,
// only its effect (audio presence and speaking events).
type TransmitConfig struct {
	Mode         TransmitMode
	PTTKeybind   string
	ReleaseDelay time.Duration
	// VADSensitivity 0-100; higher means quieter input still counts as speech.
	VADSensitivity int
}

func (c TransmitConfig) Validate() error {
	if c.VADSensitivity < 0 || c.VADSensitivity > 100 {
		return ErrBadSensitivity
	}
	if c.ReleaseDelay < 0 {
		return errors.New("release delay must be >= 0")
	}
	switch c.Mode {
	case ModeOpenMic, ModePushToTalk, ModeVoiceActivity, ModeHybrid:
		return nil
	}
	return errors.New("unknown transmit mode")
}
