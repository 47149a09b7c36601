package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/deepch/vdk/av"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/format/rtspv2"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
)

const rtspRetryDelay = 3 * time.Second

var errStreamStopped = errors.New("rtsp stream stopped")

// consumeRTSP pulls H.264 from an RTSP URL and writes it to videoTrack as Annex-B
// samples. A stream that stops is redialed until ctx is done.
func consumeRTSP(ctx context.Context, address string, videoTrack webrtc.TrackLocal, logger *zerolog.Logger) error {
	track, ok := videoTrack.(*webrtc.TrackLocalStaticSample)
	if !ok {
		return fmt.Errorf("rtsp source needs a sample track, got %T", videoTrack)
	}

	for {
		err := pullRTSP(ctx, address, track, logger)
		if !errors.Is(err, errStreamStopped) {
			return err
		}
		logger.Warn().Dur("retry_in", rtspRetryDelay).Msg("rtsp stream stopped")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rtspRetryDelay):
		}
	}
}

func pullRTSP(ctx context.Context, address string, track *webrtc.TrackLocalStaticSample, logger *zerolog.Logger) error {
	logger.Info().Str("address", address).Msg("dialing RTSP server")
	client, err := rtspv2.Dial(rtspv2.RTSPClientOptions{
		URL:              address,
		DialTimeout:      3 * time.Second,
		ReadWriteTimeout: 3 * time.Second,
		DisableAudio:     true,
	})
	if err != nil {
		return fmt.Errorf("rtsp dial error: %w", err)
	}
	defer client.Close()

	codec, err := h264Codec(client.CodecData, logger)
	if err != nil {
		return err
	}

	var previous time.Duration
	for {
		select {
		case <-ctx.Done():
			logger.Info().Err(ctx.Err()).Msg("context is done, exiting live streaming")
			return nil
		case signal := <-client.Signals:
			switch signal {
			case rtspv2.SignalCodecUpdate:
				if codec, err = h264Codec(client.CodecData, logger); err != nil {
					return err
				}
			case rtspv2.SignalStreamRTPStop:
				return errStreamStopped
			}
		case pkt := <-client.OutgoingPacketQueue:
			if pkt.Idx != 0 || len(pkt.Data) < 4 {
				continue
			}
			data := pkt.Data[4:]
			if pkt.IsKeyFrame {
				data = withParameterSets(codec.SPS(), codec.PPS(), data)
			}
			duration := pkt.Time - previous
			previous = pkt.Time

			if err := track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return fmt.Errorf("could not write video sample: %w", err)
			}
		}
	}
}

// h264Codec returns the first stream's codec, which must be H.264.
func h264Codec(codecs []av.CodecData, logger *zerolog.Logger) (h264parser.CodecData, error) {
	if len(codecs) == 0 {
		return h264parser.CodecData{}, errors.New("rtsp feed has no streams")
	}
	for i, t := range codecs {
		logger.Info().Int("i", i).Str("type", t.Type().String()).Msg("stream codec")
	}
	codec, ok := codecs[0].(h264parser.CodecData)
	if !ok || codecs[0].Type() != av.H264 {
		return h264parser.CodecData{}, fmt.Errorf("wrong codec type: %s. RTSP feed must begin with a H264 codec", codecs[0].Type())
	}
	if len(codecs) != 1 {
		logger.Info().Msg("ignoring all but the first stream")
	}
	return codec, nil
}

// withParameterSets prefixes a key frame NALU with SPS and PPS, each behind an
// Annex-B start code.
func withParameterSets(sps, pps, nalu []byte) []byte {
	out := make([]byte, 0, 3*len(annexBStartCode)+len(sps)+len(pps)+len(nalu))
	out = append(out, annexBStartCode...)
	out = append(out, sps...)
	out = append(out, annexBStartCode...)
	out = append(out, pps...)
	out = append(out, annexBStartCode...)
	return append(out, nalu...)
}
