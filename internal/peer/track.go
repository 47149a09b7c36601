package peer

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// rtcpPLIInterval makes the camera push a keyframe at least this often.
const rtcpPLIInterval = 3 * time.Second

// Track is a remote track received from the camera.
type Track struct {
	remote   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver

	done     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

func newTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, pc *webrtc.PeerConnection, logger *zerolog.Logger) *Track {
	t := &Track{
		remote:   remote,
		receiver: receiver,
		done:     make(chan struct{}),
		logger: logger.With().
			Str("track_id", remote.ID()).
			Str("kind", remote.Kind().String()).
			Str("codec", remote.Codec().MimeType).
			Logger(),
	}
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		go t.sendPLI(pc)
	}
	return t
}

// ID implements session.Track.
func (t *Track) ID() string { return t.remote.ID() }

// Kind implements session.Track.
func (t *Track) Kind() string { return t.remote.Kind().String() }

// MimeType returns the negotiated codec, e.g. webrtc.MimeTypeH264.
func (t *Track) MimeType() string { return t.remote.Codec().MimeType }

// ReadRTP reads the next packet. It fails once the track is stopped.
func (t *Track) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.remote.ReadRTP()
	return pkt, err
}

// Stop stops the receiver and the keyframe requests.
func (t *Track) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		err = t.receiver.Stop()
	})
	return err
}

// sendPLI sends a PLI on an interval so that the camera is pushing a keyframe every rtcpPLIInterval.
func (t *Track) sendPLI(pc *webrtc.PeerConnection) {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(t.remote.SSRC())},
			}); err != nil {
				t.logger.Debug().Err(err).Msg("stopped keyframe requests")
				return
			}
		}
	}
}
