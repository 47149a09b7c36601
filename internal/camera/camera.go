// Package camera is the answering side of a live stream. A camera feeds one shared
// H.264 track from an RTP, RTSP or RTMP source and answers viewers' offers received
// over MQTT or a WebSocket, adding the track to every peer connection.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pion/interceptor"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SB-IM/liveview/internal/pkg/pionlog"
	"github.com/SB-IM/liveview/pkg/mqttclient"
)

// ErrTooManyPeers is sent back to a viewer when MaxPeers is reached.
var ErrTooManyPeers = errors.New("too many viewers")

// liveStream feeds videoTrack until ctx is done or the source fails.
type liveStream func(ctx context.Context, address string, videoTrack webrtc.TrackLocal, logger *zerolog.Logger) error

// Camera answers offers with its video track.
type Camera struct {
	config ConfigOptions
	client mqtt.Client
	api    *webrtc.API
	logger zerolog.Logger

	videoTrack   webrtc.TrackLocal
	streamSource string
	liveStream   liveStream

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]struct{}
}

// New returns a camera for config. The MQTT client, if any, is taken from ctx.
func New(ctx context.Context, config ConfigOptions) (*Camera, error) {
	logger := log.Ctx(ctx).With().Str("camera", config.ID).Logger()

	c := &Camera{
		config: config,
		client: mqttclient.FromContext(ctx),
		logger: logger,
		peers:  make(map[*webrtc.PeerConnection]struct{}),
	}

	var err error
	switch config.Protocol {
	case protocolRTP:
		c.videoTrack, err = videoTrackRTP()
		c.streamSource = net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
		c.liveStream = rtpListener
	case protocolRTSP:
		c.videoTrack, err = videoTrackSample()
		c.streamSource = config.Addr
		c.liveStream = consumeRTSP
	case protocolRTMP:
		c.videoTrack, err = videoTrackSample()
		c.streamSource = config.Listen
		c.liveStream = consumeRTMP
	default:
		return nil, fmt.Errorf("unknown stream protocol %q", config.Protocol)
	}
	if err != nil {
		return nil, err
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("could not register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("could not register interceptors: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: pionlog.New(&logger)}
	c.api = webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s))
	return c, nil
}

// Run streams and answers offers until ctx is done.
func (c *Camera) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.closePeers()

	errc := make(chan error, 2)
	go func() {
		c.logger.Info().Str("protocol", c.config.Protocol).Str("source", c.streamSource).Msg("live streaming")
		if err := c.liveStream(ctx, c.streamSource, c.videoTrack, &c.logger); err != nil {
			errc <- fmt.Errorf("live stream failed: %w", err)
		}
	}()

	if c.client != nil {
		if err := c.subscribeOffers(ctx); err != nil {
			return err
		}
	}
	if c.config.WebSocket.Port != 0 {
		go func() {
			if err := c.serveWebSocket(ctx); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// Answer creates a peer connection sending the video track and returns the
// answer to offer, candidates included.
func (c *Camera) Answer(ctx context.Context, offer string) (string, error) {
	peerConnection, err := c.api.NewPeerConnection(c.configuration())
	if err != nil {
		return "", fmt.Errorf("could not create PeerConnection: %w", err)
	}

	// The count is checked and the slot taken under one lock.
	c.mu.Lock()
	if c.config.MaxPeers > 0 && len(c.peers) >= c.config.MaxPeers {
		c.mu.Unlock()
		if err := closePeerConnection(peerConnection); err != nil {
			c.logger.Err(err).Msg("could not close PeerConnection")
		}
		return "", ErrTooManyPeers
	}
	first := len(c.peers) == 0
	c.peers[peerConnection] = struct{}{}
	c.mu.Unlock()

	if first {
		c.runHook(context.WithoutCancel(ctx))
	}

	answer, err := c.negotiate(ctx, peerConnection, offer)
	if err != nil {
		c.release(peerConnection)
		return "", err
	}
	return answer, nil
}

func (c *Camera) negotiate(ctx context.Context, peerConnection *webrtc.PeerConnection, offer string) (string, error) {
	rtpSender, err := peerConnection.AddTrack(c.videoTrack)
	if err != nil {
		return "", fmt.Errorf("could not add track to PeerConnection: %w", err)
	}
	go c.processRTCP(rtpSender)

	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Info().Str("state", state.String()).Msg("connection state has changed")

		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			c.release(peerConnection)
		}
	})

	if err := peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("could not set remote description: %w", err)
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("could not create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(peerConnection)
	if err = peerConnection.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("could not set local description: %w", err)
	}

	var timeout <-chan time.Time
	if c.config.GatherTimeout > 0 {
		timer := time.NewTimer(c.config.GatherTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-gathered:
	case <-timeout:
		c.logger.Warn().Dur("timeout", c.config.GatherTimeout).Msg("answering with gathered candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return peerConnection.LocalDescription().SDP, nil
}

func (c *Camera) configuration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, url := range c.config.ICEServers {
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{url},
			Username:   c.config.Username,
			Credential: c.config.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// Peers returns the number of connected viewers.
func (c *Camera) Peers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func (c *Camera) release(peerConnection *webrtc.PeerConnection) {
	c.mu.Lock()
	delete(c.peers, peerConnection)
	c.mu.Unlock()

	if err := closePeerConnection(peerConnection); err != nil {
		c.logger.Err(err).Msg("could not close PeerConnection")
		return
	}
	c.logger.Info().Msg("peer connection has been closed")
}

func (c *Camera) closePeers() {
	c.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(c.peers))
	for pc := range c.peers {
		peers = append(peers, pc)
	}
	c.mu.Unlock()

	for _, pc := range peers {
		c.release(pc)
	}
}

// closePeerConnection stops every RTP sender then closes the connection.
func closePeerConnection(peerConnection *webrtc.PeerConnection) error {
	if peerConnection == nil {
		return nil
	}
	for _, sender := range peerConnection.GetSenders() {
		if err := sender.Stop(); err != nil {
			return fmt.Errorf("could not stop RTP sender: %w", err)
		}
	}
	return peerConnection.Close()
}

// processRTCP reads incoming RTCP packets
// Before these packets are returned they are processed by interceptors.
// For things like NACK this needs to be called.
func (c *Camera) processRTCP(rtpSender *webrtc.RTPSender) {
	for {
		if _, _, rtcpErr := rtpSender.ReadRTCP(); rtcpErr != nil {
			if !errors.Is(rtcpErr, io.EOF) && !errors.Is(rtcpErr, io.ErrClosedPipe) {
				c.logger.Err(rtcpErr).Msg("could not read RTCP")
			}
			return
		}
	}
}

// videoTrackRTP creates an H.264 track fed with whole RTP packets.
func videoTrackRTP() (webrtc.TrackLocal, error) {
	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		fmt.Sprintf("video-%d", randutil.NewMathRandomGenerator().Uint32()),
		fmt.Sprintf("camera-%d", randutil.NewMathRandomGenerator().Uint32()),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create TrackLocalStaticRTP: %w", err)
	}
	return videoTrack, nil
}

// videoTrackSample creates an H.264 track fed with Annex-B samples.
func videoTrackSample() (webrtc.TrackLocal, error) {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		fmt.Sprintf("video-%d", randutil.NewMathRandomGenerator().Uint32()),
		fmt.Sprintf("camera-%d", randutil.NewMathRandomGenerator().Uint32()),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create TrackLocalStaticSample: %w", err)
	}
	return videoTrack, nil
}
