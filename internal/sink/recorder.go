package sink

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/h264writer"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/rs/zerolog"

	"github.com/SB-IM/liveview/internal/session"
)

var (
	// ErrNotReadable is returned for tracks that do not expose their packets.
	ErrNotReadable = errors.New("track does not expose RTP packets")
	// ErrUnsupportedCodec is returned for codecs without a container writer.
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// RTPTrack is a track whose packets can be read, like *peer.Track.
type RTPTrack interface {
	session.Track
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
}

// Recorder writes every attached track to a file in Dir until the track stops.
type Recorder struct {
	dir    string
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewRecorder returns a recorder writing into dir.
func NewRecorder(dir string, logger *zerolog.Logger) *Recorder {
	return &Recorder{
		dir:    dir,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// Record starts copying track into its file.
func (r *Recorder) Record(track session.Track) error {
	t, ok := track.(RTPTrack)
	if !ok {
		return ErrNotReadable
	}

	path, w, err := r.writer(t)
	if err != nil {
		return err
	}
	logger := r.logger.With().Str("track_id", t.ID()).Str("path", path).Logger()
	logger.Info().Msg("recording track")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := w.Close(); err != nil {
				logger.Err(err).Msg("could not close recording")
			}
		}()

		for {
			pkt, err := t.ReadRTP()
			if err != nil {
				logger.Debug().Err(err).Msg("recording stopped")
				return
			}
			if err := w.WriteRTP(pkt); err != nil {
				logger.Err(err).Msg("could not write packet")
				return
			}
		}
	}()
	return nil
}

// Wait blocks until every recording finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) writer(t RTPTrack) (string, media.Writer, error) {
	name := filepath.Join(r.dir, t.ID())

	var (
		w   media.Writer
		err error
	)
	switch mime := t.MimeType(); {
	case strings.EqualFold(mime, webrtc.MimeTypeH264):
		name += ".h264"
		w, err = h264writer.New(name)
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		name += ".ivf"
		w, err = ivfwriter.New(name)
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		name += ".ogg"
		w, err = oggwriter.New(name, 48000, 2)
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mime)
	}
	if err != nil {
		return "", nil, fmt.Errorf("could not create %s: %w", name, err)
	}
	return name, w, nil
}
