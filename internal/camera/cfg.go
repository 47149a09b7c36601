package camera

import (
	"time"

	"github.com/SB-IM/liveview/internal/signal"
)

const (
	protocolRTP  = "rtp"
	protocolRTSP = "rtsp"
	protocolRTMP = "rtmp"
)

// ConfigOptions configures a camera.
type ConfigOptions struct {
	// ID is the target identity viewers ask for.
	ID string
	// MaxPeers refuses offers beyond this many connected viewers. Zero means no limit.
	MaxPeers int

	WebRTCConfigOptions
	StreamSource

	MQTT      signal.MQTTConfigOptions
	WebSocket WebSocketConfigOptions
	Hook      HookConfigOptions
}

// WebRTCConfigOptions configures the answering peer connections.
type WebRTCConfigOptions struct {
	ICEServers    []string
	Username      string
	Credential    string
	GatherTimeout time.Duration
}

// WebSocketConfigOptions configures the WebSocket signaling endpoint. A zero
// port disables it.
type WebSocketConfigOptions struct {
	Host string
	Port int
	Path string
}

// StreamSource selects where the video comes from.
type StreamSource struct {
	Protocol string // rtp, rtsp or rtmp
	RTPSourceConfigOptions
	RTSPSourceConfigOptions
	RTMPSourceConfigOptions
}

type RTPSourceConfigOptions struct {
	Host string
	Port int
}

type RTSPSourceConfigOptions struct {
	Addr string
}

type RTMPSourceConfigOptions struct {
	Listen string
}
