package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"voicemesh/internal/domain"
)

const (
	defaultSampleRate = 48000
	defaultChannels   = 1
)

// Microphone is the miniaudio-backed microphone backend. One shared audio
// context serves enumeration and every opened device.
type Microphone struct {
	log zerolog.Logger
	ctx *malgo.AllocatedContext
}

func NewMicrophone(log zerolog.Logger) (*Microphone, error) {
	mlog := log.With().Str("module", "device.mic").Logger()
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		mlog.Debug().Str("msg", message).Msg("malgo")
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Microphone{log: mlog, ctx: ctx}, nil
}

func (m *Microphone) Kind() domain.CaptureKind { return domain.CaptureMicrophone }

func (m *Microphone) Devices() ([]Info, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	out := make([]Info, 0, len(infos))
	for _, di := range infos {
		out = append(out, Info{ID: di.ID.String(), Label: di.Name()})
	}
	return out, nil
}

// Open starts capturing PCM from the named device, or the system default when
// deviceID is empty. A deviceID that matches nothing is ErrDeviceNotFound.
func (m *Microphone) Open(deviceID string, c domain.Constraints) (Source, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channelsOr(c.Channels))
	cfg.SampleRate = uint32(sampleRateOr(c.SampleRate))

	info := Info{ID: deviceID, Label: "default"}
	if deviceID != "" {
		devices, err := m.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("enumerate capture devices: %w", err)
		}
		found := false
		for i := range devices {
			if devices[i].ID.String() == deviceID || devices[i].Name() == deviceID {
				cfg.Capture.DeviceID = devices[i].ID.Pointer()
				info = Info{ID: devices[i].ID.String(), Label: devices[i].Name()}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, deviceID)
		}
	}

	src := &micSource{
		info:   info,
		frames: make(chan []int16, 16),
		done:   make(chan struct{}),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			if len(pInput) == 0 {
				return
			}
			select {
			case src.frames <- bytesToInt16(pInput):
			default:
				// Consumer is behind; dropping beats blocking the OS callback.
			}
		},
		Stop: func() {
			src.signalDone()
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", mapDeviceError(err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start capture device: %w", mapDeviceError(err))
	}
	src.dev = dev
	m.log.Info().Str("device", info.Label).Uint32("rate", cfg.SampleRate).Msg("microphone capture started")
	return src, nil
}

// Close releases the shared audio context. Opened sources must be closed
// first.
func (m *Microphone) Close() error {
	if err := m.ctx.Uninit(); err != nil {
		return err
	}
	m.ctx.Free()
	return nil
}

type micSource struct {
	info   Info
	dev    *malgo.Device
	frames chan []int16

	once sync.Once
	done chan struct{}
}

func (s *micSource) Info() Info             { return s.info }
func (s *micSource) Frames() <-chan []int16 { return s.frames }
func (s *micSource) Done() <-chan struct{}  { return s.done }

func (s *micSource) signalDone() {
	s.once.Do(func() { close(s.done) })
}

func (s *micSource) Close() error {
	s.signalDone()
	s.dev.Uninit()
	return nil
}

// mapDeviceError folds miniaudio result codes onto the sentinel error kinds
// callers branch on: denied access, a device held by another application, and
// a device that disappeared between enumeration and open. Anything else passes
// through unchanged.
func mapDeviceError(err error) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case errors.Is(err, malgo.ErrBusy), errors.Is(err, malgo.ErrAlreadyInUse):
		return fmt.Errorf("%w: %v", domain.ErrDeviceInUse, err)
	case errors.Is(err, malgo.ErrNoDevice), errors.Is(err, malgo.ErrDoesNotExist):
		return fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}
	return err
}

func bytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

func sampleRateOr(v int) int {
	if v <= 0 {
		return defaultSampleRate
	}
	return v
}

func channelsOr(v int) int {
	if v <= 0 {
		return defaultChannels
	}
	return v
}
