package signal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Message types on the WebSocket.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

// Message is the JSON frame exchanged over the WebSocket. A camera that refuses
// replies with Error set.
type Message struct {
	Target string `json:"target,omitempty"`
	Type   string `json:"type,omitempty"`
	SDP    string `json:"sdp,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WebSocketConfigOptions configures the WebSocket signaler.
type WebSocketConfigOptions struct {
	URL string
	// Token is sent as a bearer token when set.
	Token string
}

// WebSocket dials the signaling endpoint once per exchange.
type WebSocket struct {
	config  WebSocketConfigOptions
	timeout time.Duration
	logger  zerolog.Logger
}

// NewWebSocket returns a WebSocket signaler.
func NewWebSocket(ctx context.Context, config WebSocketConfigOptions, timeout time.Duration) *WebSocket {
	return &WebSocket{
		config:  config,
		timeout: timeout,
		logger:  log.Ctx(ctx).With().Str("component", "websocket-signaler").Logger(),
	}
}

// Exchange implements session.Signaler.
func (w *WebSocket) Exchange(ctx context.Context, target, offer string) (answer string, err error) {
	defer func() { observe(TransportWebSocket, err) }()

	ctx, cancel := withTimeout(ctx, w.timeout)
	defer cancel()

	var opts websocket.DialOptions
	if w.config.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + w.config.Token}}
	}
	c, _, err := websocket.Dial(ctx, w.config.URL, &opts)
	if err != nil {
		return "", fmt.Errorf("could not dial %s: %w", w.config.URL, err)
	}
	defer c.Close(websocket.StatusInternalError, "")

	if err := wsjson.Write(ctx, c, Message{Target: target, Type: TypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("could not send offer: %w", err)
	}
	w.logger.Debug().Str("target", target).Msg("sent offer")

	var reply Message
	if err := wsjson.Read(ctx, c, &reply); err != nil {
		return "", fmt.Errorf("could not read answer: %w", err)
	}
	c.Close(websocket.StatusNormalClosure, "")

	if reply.Error != "" {
		return "", &RemoteError{Target: target, Message: reply.Error}
	}
	if reply.Type != TypeAnswer || reply.SDP == "" {
		return "", fmt.Errorf("unexpected reply of type %q", reply.Type)
	}
	w.logger.Debug().Str("target", target).Msg("received answer")
	return reply.SDP, nil
}
