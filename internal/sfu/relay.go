package sfu

import (
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// newRelayTrack clones the remote track's codec onto a local static RTP
// track and starts the pump. The returned track can be added to any number
// of peer connections; packets are forwarded without re-encoding.
func newRelayTrack(remote *webrtc.TrackRemote) (*webrtc.TrackLocalStaticRTP, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
	if err != nil {
		return nil, err
	}
	go pump(remote, local)
	return local, nil
}

// pump copies RTP from the sharer's track onto the shared local track until
// the source ends. Write errors to individual subscriber legs are pion's to
// report per binding; a subscriber mid-teardown must not stop the relay.
func pump(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("track", remote.ID()).
		Str("kind", remote.Kind().String()).
		Logger()
	logger.Info().Msg("relay started")

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error().Err(err).Msg("relay read failed, stopping")
			} else {
				logger.Info().Msg("relay source ended")
			}
			return
		}
		forward(local, pkt, &logger)
	}
}

func forward(local *webrtc.TrackLocalStaticRTP, pkt *rtp.Packet, logger *zerolog.Logger) {
	if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logger.Debug().Err(err).Msg("relay write dropped")
	}
}
