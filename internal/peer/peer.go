// Package peer provides the pion WebRTC transports a viewer session negotiates with.
// Transports are receive only: they offer recvonly transceivers and hand the
// camera's tracks to the session as they arrive.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SB-IM/liveview/internal/pkg/pionlog"
	"github.com/SB-IM/liveview/internal/session"
)

const trackBuffer = 8

// ErrGatherTimeout is logged when ICE gathering outlasts GatherTimeout; the offer
// then carries the candidates found so far.
var ErrGatherTimeout = errors.New("ICE gathering timed out")

// ConfigOptions configures peer connections.
type ConfigOptions struct {
	ICEServers []string
	Username   string
	Credential string

	// StrictMedia offers only the media kinds a request asks for. Some cameras
	// refuse offers lacking a kind, so both are offered by default.
	StrictMedia bool

	// GatherTimeout bounds ICE candidate gathering. Zero waits for completion.
	GatherTimeout time.Duration
}

// Factory builds transports sharing one webrtc.API.
type Factory struct {
	api    *webrtc.API
	config ConfigOptions
	logger zerolog.Logger
}

// NewFactory registers the default codecs and interceptors and routes pion logs into
// the logger carried by ctx.
func NewFactory(ctx context.Context, config ConfigOptions) (*Factory, error) {
	logger := log.Ctx(ctx).With().Str("component", "peer").Logger()

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("could not register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("could not register interceptors: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: pionlog.New(&logger)}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		config: config,
		logger: logger,
	}, nil
}

// NewTransport implements session.TransportFactory.
func (f *Factory) NewTransport(opts session.Options) (session.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.configuration())
	if err != nil {
		return nil, fmt.Errorf("could not create PeerConnection: %w", err)
	}

	for _, kind := range f.kinds(opts) {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("could not add %s transceiver: %w", kind, err)
		}
	}

	t := &Transport{
		pc:            pc,
		gatherTimeout: f.config.GatherTimeout,
		tracks:        make(chan session.Track, trackBuffer),
		closing:       make(chan struct{}),
		disconnected:  make(chan struct{}),
		logger:        f.logger,
	}
	pc.OnTrack(t.onTrack)
	pc.OnICEConnectionStateChange(t.onICEConnectionStateChange)
	return t, nil
}

func (f *Factory) configuration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, url := range f.config.ICEServers {
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{url},
			Username:   f.config.Username,
			Credential: f.config.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (f *Factory) kinds(opts session.Options) []webrtc.RTPCodecType {
	if !f.config.StrictMedia {
		return []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}
	}
	var kinds []webrtc.RTPCodecType
	if opts.Audio {
		kinds = append(kinds, webrtc.RTPCodecTypeAudio)
	}
	if opts.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	return kinds
}

// Transport wraps a receive only webrtc.PeerConnection.
type Transport struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	logger        zerolog.Logger

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	// senders counts onTrack calls handing a track over; tracks closes after them.
	senders sync.WaitGroup
	tracks  chan session.Track

	disconnected chan struct{}
	dropOnce     sync.Once
}

// CreateDataChannel implements session.Transport.
func (t *Transport) CreateDataChannel(label string) {
	if _, err := t.pc.CreateDataChannel(label, nil); err != nil {
		t.logger.Err(err).Str("label", label).Msg("could not create data channel")
	}
}

// CreateOffer implements session.Transport.
func (t *Transport) CreateOffer(context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// SetLocalDescription applies the offer and waits until ICE gathering completes,
// so the local description carries every candidate.
func (t *Transport) SetLocalDescription(ctx context.Context, sdp string) error {
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if t.gatherTimeout > 0 {
		timer := time.NewTimer(t.gatherTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-gathered:
	case <-timeout:
		t.logger.Warn().Err(ErrGatherTimeout).Dur("timeout", t.gatherTimeout).Msg("offering gathered candidates")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// LocalDescription implements session.Transport.
func (t *Transport) LocalDescription() string {
	if desc := t.pc.LocalDescription(); desc != nil {
		return desc.SDP
	}
	return ""
}

// SetRemoteDescription implements session.Transport.
func (t *Transport) SetRemoteDescription(_ context.Context, sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// Tracks implements session.Transport.
func (t *Transport) Tracks() <-chan session.Track {
	return t.tracks
}

// Disconnected implements session.Transport.
func (t *Transport) Disconnected() <-chan struct{} {
	return t.disconnected
}

// Close closes the peer connection. Tracks already handed out keep running until stopped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	t.mu.Unlock()

	t.senders.Wait()
	close(t.tracks)

	t.drop()
	if err := t.pc.Close(); err != nil {
		return fmt.Errorf("could not close PeerConnection: %w", err)
	}
	t.logger.Debug().Msg("closed peer connection")
	return nil
}

func (t *Transport) drop() {
	t.dropOnce.Do(func() { close(t.disconnected) })
}

func (t *Transport) onTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.deliver(newTrack(remote, receiver, t.pc, &t.logger))
}

// deliver hands track to the session in arrival order. Only closing the
// transport drops it.
func (t *Transport) deliver(track session.Track) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = track.Stop()
		return
	}
	t.senders.Add(1)
	t.mu.Unlock()
	defer t.senders.Done()

	select {
	case t.tracks <- track:
	case <-t.closing:
		_ = track.Stop()
	}
}

func (t *Transport) onICEConnectionStateChange(state webrtc.ICEConnectionState) {
	t.logger.Info().Str("state", state.String()).Msg("ICE connection state has changed")

	switch state {
	case webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateClosed:
		t.drop()
	}
}
