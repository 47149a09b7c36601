package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// udpMTU bounds one inbound RTP packet.
const udpMTU = 1600

// rtpListener receives RTP packets on a UDP address and forwards them as they are.
func rtpListener(ctx context.Context, address string, videoTrack webrtc.TrackLocal, logger *zerolog.Logger) error {
	track, ok := videoTrack.(*webrtc.TrackLocalStaticRTP)
	if !ok {
		return fmt.Errorf("rtp source needs an RTP track, got %T", videoTrack)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("could not resolve address of %s into udp address: %w", address, err)
	}
	listener, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	logger.Info().Str("address", listener.LocalAddr().String()).Msg("UDP server started")

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer func() {
		if stop() {
			listener.Close()
		}
	}()

	return forwardRTP(ctx, listener, track)
}

func forwardRTP(ctx context.Context, r io.Reader, track io.Writer) error {
	packet := make([]byte, udpMTU)
	for {
		n, err := r.Read(packet)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("error during read: %w", err)
		}
		if _, err := track.Write(packet[:n]); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("could not write RTP packet: %w", err)
		}
	}
}
