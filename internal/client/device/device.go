package device

import (
	"sync"

	"github.com/pion/rtp"

	"voicemesh/internal/domain"
)

// Info identifies one selectable capture device.
type Info struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Source is an open capture device. Done closes when the device ends on its
// own (unplugged, OS revoked access); a regular Close does not count as an
// unexpected end, the owner stops watching Done before closing.
type Source interface {
	Info() Info
	Done() <-chan struct{}
	Close() error
}

// AudioSource delivers interleaved int16 PCM chunks. Chunk sizes follow the
// OS callback cadence, not any codec frame size.
type AudioSource interface {
	Source
	Frames() <-chan []int16
}

// VideoSource delivers encoded, packetized frames ready for an RTP track.
type VideoSource interface {
	Source
	Packets() <-chan *rtp.Packet
}

// Backend opens devices of one capture kind.
type Backend interface {
	Kind() domain.CaptureKind
	Devices() ([]Info, error)
	Open(deviceID string, c domain.Constraints) (Source, error)
}

// Mux routes capture requests to the backend registered for each kind.
// Platforms without a camera or screen backend simply never register one.
type Mux struct {
	mu       sync.Mutex
	backends map[domain.CaptureKind]Backend
}

func NewMux() *Mux {
	return &Mux{backends: make(map[domain.CaptureKind]Backend)}
}

func (m *Mux) Register(b Backend) {
	m.mu.Lock()
	m.backends[b.Kind()] = b
	m.mu.Unlock()
}

func (m *Mux) backend(kind domain.CaptureKind) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[kind]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	return b, nil
}

// Open opens a device of the given kind. An empty deviceID selects the
// backend default.
func (m *Mux) Open(kind domain.CaptureKind, deviceID string, c domain.Constraints) (Source, error) {
	b, err := m.backend(kind)
	if err != nil {
		return nil, err
	}
	return b.Open(deviceID, c)
}

// Devices enumerates selectable devices of the given kind.
func (m *Mux) Devices(kind domain.CaptureKind) ([]Info, error) {
	b, err := m.backend(kind)
	if err != nil {
		return nil, err
	}
	return b.Devices()
}
