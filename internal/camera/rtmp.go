package camera

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	naluLengthField = 4
	naluTypeSPS     = 0x67
	naluTypePPS     = 0x68

	rtmpFrameDuration = time.Second / 30
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

var errMalformedAVC = errors.New("malformed AVC payload")

// consumeRTMP accepts RTMP publishers on address and writes their H.264 video
// to videoTrack until ctx is done.
func consumeRTMP(ctx context.Context, address string, videoTrack webrtc.TrackLocal, logger *zerolog.Logger) error {
	track, ok := videoTrack.(*webrtc.TrackLocalStaticSample)
	if !ok {
		return fmt.Errorf("rtmp source needs a sample track, got %T", videoTrack)
	}

	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen tcp at %s: %w", address, err)
	}

	// go-rtmp logs through logrus; route it into ours.
	rtmpLogger := logrus.New()
	rtmpLogger.SetOutput(logger.With().Str("component", "rtmp").Logger())
	rtmpLogger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	s := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &publisher{
					track:  track,
					logger: logger,
				},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024 / 8,
				},
				Logger: rtmpLogger,
			}
		},
	})

	stop := context.AfterFunc(ctx, func() {
		if err := s.Close(); err != nil {
			logger.Err(err).Msg("could not close rtmp server")
		}
	})
	defer stop()

	logger.Info().Str("address", l.Addr().String()).Msg("starting rtmp server")
	if err := s.Serve(l); err != nil && ctx.Err() == nil {
		return fmt.Errorf("rtmp server failed: %w", err)
	}
	return nil
}

// publisher handles one RTMP publishing connection.
type publisher struct {
	rtmp.DefaultHandler

	track  *webrtc.TrackLocalStaticSample
	sps    []byte
	pps    []byte
	logger *zerolog.Logger
}

func (p *publisher) OnConnect(_ uint32, _ *rtmpmsg.NetConnectionConnect) error {
	p.logger.Info().Msg("client is connecting")
	return nil
}

func (p *publisher) OnCreateStream(_ uint32, _ *rtmpmsg.NetConnectionCreateStream) error {
	p.logger.Info().Msg("client is creating stream")
	return nil
}

func (p *publisher) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if cmd.PublishingName == "" {
		return errors.New("PublishingName is empty")
	}
	p.logger.Info().Str("name", cmd.PublishingName).Msg("client is publishing stream")
	return nil
}

func (p *publisher) OnVideo(_ uint32, payload io.Reader) error {
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(payload, &video); err != nil {
		return err
	}
	var data bytes.Buffer
	if _, err := io.Copy(&data, video.Data); err != nil {
		return err
	}

	switch video.AVCPacketType {
	case flvtag.AVCPacketTypeSequenceHeader:
		sps, pps, err := parseSequenceHeader(data.Bytes())
		if err != nil {
			return err
		}
		p.sps, p.pps = sps, pps
		return nil
	case flvtag.AVCPacketTypeNALU:
	default:
		p.logger.Warn().Uint8("AVCPacketType", uint8(video.AVCPacketType)).Msg("unknown type")
		return nil
	}

	out, sps, pps, err := avccToAnnexB(data.Bytes())
	if err != nil {
		return err
	}
	if sps != nil {
		p.sps = sps
	}
	if pps != nil {
		p.pps = pps
	}
	// Unadorned key frames need the parameter sets in front.
	if video.FrameType == flvtag.FrameTypeKeyFrame && sps == nil && pps == nil {
		out = append(append(append([]byte{}, p.sps...), p.pps...), out...)
	}

	return p.track.WriteSample(media.Sample{Data: out, Duration: rtmpFrameDuration})
}

func (p *publisher) OnClose() {
	p.logger.Info().Msg("closing client connection")
}

// avccToAnnexB rewrites length-prefixed NALUs with start codes. SPS and PPS
// NALUs found along the way are returned with their start code.
func avccToAnnexB(buf []byte) (out, sps, pps []byte, err error) {
	for offset := 0; offset < len(buf); {
		if offset+naluLengthField > len(buf) {
			return nil, nil, nil, errMalformedAVC
		}
		size := int(binary.BigEndian.Uint32(buf[offset : offset+naluLengthField]))
		offset += naluLengthField
		if size == 0 || offset+size > len(buf) {
			return nil, nil, nil, errMalformedAVC
		}
		nalu := buf[offset : offset+size]
		offset += size

		switch nalu[0] {
		case naluTypeSPS:
			sps = append(append([]byte{}, annexBStartCode...), nalu...)
		case naluTypePPS:
			pps = append(append([]byte{}, annexBStartCode...), nalu...)
		}
		out = append(out, annexBStartCode...)
		out = append(out, nalu...)
	}
	return out, sps, pps, nil
}

// parseSequenceHeader extracts the parameter sets of an AVCDecoderConfigurationRecord.
func parseSequenceHeader(buf []byte) (sps, pps []byte, err error) {
	const spsCountOffset = 5
	if len(buf) <= spsCountOffset {
		return nil, nil, errMalformedAVC
	}
	offset := spsCountOffset + 1

	read := func(want byte) ([]byte, error) {
		if offset+2 > len(buf) {
			return nil, errMalformedAVC
		}
		size := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		if size == 0 || offset+size > len(buf) {
			return nil, errMalformedAVC
		}
		nalu := buf[offset : offset+size]
		offset += size
		if nalu[0] != want {
			return nil, fmt.Errorf("unexpected NALU type %#x", nalu[0])
		}
		return append(append([]byte{}, annexBStartCode...), nalu...), nil
	}

	for i := 0; i < int(buf[spsCountOffset]&0x1F); i++ {
		nalu, err := read(naluTypeSPS)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse SPS: %w", err)
		}
		sps = append(sps, nalu...)
	}
	if offset >= len(buf) {
		return nil, nil, errMalformedAVC
	}
	count := int(buf[offset])
	offset++
	for i := 0; i < count; i++ {
		nalu, err := read(naluTypePPS)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse PPS: %w", err)
		}
		pps = append(pps, nalu...)
	}
	return sps, pps, nil
}
