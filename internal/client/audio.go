package client

import (
	"context"
	"math"
	"math/rand"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"

	"voicemesh/internal/client/device"
	"voicemesh/internal/domain"
)

const (
	opusPayloadType = 111
	opusFrameMs     = 20
	maxOpusPacket   = 1400
)

// runAudioPump encodes PCM chunks into 20ms opus frames and writes them to
// the track while it is live. The RTP timestamp advances through gated gaps
// so receivers see silence, not a stalled clock. meter enables the mic level
// measurement; the screen audio sub-track does not feed it.
func (m *CaptureManager) runAudioPump(ctx context.Context, src device.AudioSource, track *Track, c domain.Constraints, meter bool) {
	sampleRate := c.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	samplesPerFrame := sampleRate / 1000 * opusFrameMs * channels

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		m.log.Error().Err(err).Msg("opus encoder init")
		return
	}

	ssrc := rand.Uint32()
	seq := uint16(rand.Uint32())
	ts := rand.Uint32()
	payload := make([]byte, maxOpusPacket)
	var buf []int16

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-src.Frames():
			if !ok {
				return
			}
			if meter {
				m.micLevel.Store(math.Float64bits(rms(chunk)))
			}
			buf = append(buf, chunk...)
			for len(buf) >= samplesPerFrame {
				frame := buf[:samplesPerFrame]
				buf = buf[samplesPerFrame:]
				ts += uint32(samplesPerFrame / channels)
				if !track.Live() {
					continue
				}
				n, err := enc.Encode(frame, payload)
				if err != nil {
					m.log.Warn().Err(err).Msg("opus encode")
					continue
				}
				seq++
				pkt := &rtp.Packet{
					Header: rtp.Header{
						Version:        2,
						PayloadType:    opusPayloadType,
						SequenceNumber: seq,
						Timestamp:      ts,
						SSRC:           ssrc,
					},
					Payload: payload[:n],
				}
				if err := track.rtp.WriteRTP(pkt); err != nil {
					m.log.Warn().Err(err).Msg("write audio rtp")
				}
			}
		}
	}
}

// runVideoPump forwards pre-packetized frames from the source to the track
// while it is live.
func (m *CaptureManager) runVideoPump(ctx context.Context, src device.VideoSource, track *Track) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-src.Packets():
			if !ok {
				return
			}
			if !track.Live() {
				continue
			}
			if err := track.rtp.WriteRTP(pkt); err != nil {
				m.log.Warn().Err(err).Msg("write video rtp")
			}
		}
	}
}

// rms computes the root-mean-square level of a PCM chunk, normalized to 0..1.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
