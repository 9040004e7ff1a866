package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voicemesh/internal/client"
	"voicemesh/internal/client/device"
	"voicemesh/internal/config"
	"voicemesh/internal/domain"
)

func main() {
	channelFlag := flag.String("channel", "general", "voice channel to join")
	muteFlag := flag.Bool("muted", false, "start muted")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	ccfg := cfg.Client
	if ccfg.AuthToken == "" {
		log.Fatal().Msg("client.auth_token is required")
	}

	self, err := identityFromToken(ccfg.AuthToken)
	if err != nil {
		log.Fatal().Err(err).Msg("bad auth token")
	}
	log.Info().Str("user", string(self.ID)).Str("name", self.DisplayName).Msg("starting voicemesh client")

	mux := device.NewMux()
	mic, err := device.NewMicrophone(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("audio backend init")
	}
	defer mic.Close()
	mux.Register(mic)

	capture := client.NewCaptureManager(log.Logger, mux)
	defer capture.Close()

	tr := client.NewTransport(log.Logger, ccfg.ServerURL, ccfg.AuthToken)
	if err := tr.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("signaling connect")
	}
	defer tr.Close()

	reg := client.NewRegistry(log.Logger, self, tr, capture, client.RegistryConfig{
		DegradedTimeout: ccfg.DegradedTimeout,
		RetryLimit:      ccfg.PeerRetryLimit,
		StatsInterval:   ccfg.StatsInterval,
	})
	defer reg.Close()
	go reg.Run(ctx)

	tc, err := client.NewTransmitController(
		log.Logger,
		domain.TransmitConfig{
			Mode:           domain.TransmitMode(ccfg.Transmit.Mode),
			PTTKeybind:     ccfg.Transmit.PTTKeybind,
			ReleaseDelay:   ccfg.Transmit.ReleaseDelay,
			VADSensitivity: ccfg.Transmit.VADSensitivity,
		},
		capture.SetMicLive,
		reg.ReportSpeaking,
		capture.MicLevel,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("transmit config")
	}
	go tc.Run(ctx)

	if _, err := capture.StartCapture(ctx, domain.CaptureMicrophone, ccfg.Capture.MicDevice, domain.Constraints{
		SampleRate: ccfg.Capture.SampleRate,
		Channels:   ccfg.Capture.Channels,
	}); err != nil {
		log.Fatal().Err(err).Msg("microphone capture")
	}

	events, unsub := reg.Events(64)
	defer unsub()
	go printEvents(events)

	ended, unsubEnded := capture.SubscribeEnded(4)
	defer unsubEnded()
	go func() {
		for kind := range ended {
			log.Warn().Str("kind", string(kind)).Msg("capture device lost")
		}
	}()

	joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
	users, err := reg.JoinChannel(joinCtx, domain.ChannelID(*channelFlag))
	joinCancel()
	if err != nil {
		log.Fatal().Err(err).Str("channel", *channelFlag).Msg("join failed")
	}
	log.Info().Str("channel", *channelFlag).Int("peers", len(users)).Msg("joined")

	if *muteFlag {
		tc.SetMuted(true)
		if err := reg.SetMuted(true); err != nil {
			log.Warn().Err(err).Msg("mute broadcast")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := reg.LeaveChannel(); err != nil {
		log.Warn().Err(err).Msg("leave channel")
	}
	log.Info().Msg("Client exited gracefully")
}

// identityFromToken pulls the participant identity out of the JWT claims
// without verifying the signature; the server does the actual verification.
func identityFromToken(token string) (domain.Participant, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return domain.Participant{}, err
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	return domain.NewParticipant(domain.ParticipantID(sub), name)
}

func printEvents(events <-chan client.Event) {
	for ev := range events {
		switch ev.Kind {
		case client.EventParticipantJoined:
			log.Info().Str("user", string(ev.Participant)).Str("name", ev.DisplayName).Msg("participant joined")
		case client.EventParticipantLeft:
			log.Info().Str("user", string(ev.Participant)).Msg("participant left")
		case client.EventPeerStateChanged:
			log.Info().Str("user", string(ev.Participant)).Str("state", ev.State.String()).Msg("peer state")
		case client.EventPeerFailed:
			log.Error().Str("user", string(ev.Participant)).Err(ev.Err).Msg("peer failed")
		case client.EventQualityChanged:
			log.Info().Str("user", string(ev.Participant)).Str("grade", string(ev.Grade)).Msg("quality")
		case client.EventAudioStateChanged:
			log.Info().Str("user", string(ev.Participant)).Bool("muted", ev.IsMuted).Msg("audio state")
		case client.EventSpeakingChanged:
			log.Debug().Str("user", string(ev.Participant)).Bool("speaking", ev.IsSpeaking).Msg("speaking")
		case client.EventRemoteTrackAdded:
			log.Info().Str("user", string(ev.Participant)).Str("kind", ev.Track.Kind).Msg("remote track")
		case client.EventSignalingError:
			log.Warn().Err(ev.Err).Msg("signaling error")
		}
	}
}
