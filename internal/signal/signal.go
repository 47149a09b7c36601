// Package signal implements the signaling collaborators that trade a viewer's
// offer for a camera's answer: over an MQTT broker or over a WebSocket.
package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SB-IM/liveview/internal/metrics"
	"github.com/SB-IM/liveview/internal/session"
	"github.com/SB-IM/liveview/pkg/mqttclient"
)

// Transports
const (
	TransportMQTT      = "mqtt"
	TransportWebSocket = "websocket"
)

// ErrNoClient is returned when the MQTT transport is chosen but no client travels in the context.
var ErrNoClient = errors.New("no MQTT client in context")

// ConfigOptions selects and configures the signaling transport.
type ConfigOptions struct {
	Transport string
	// Timeout bounds one exchange. Zero waits as long as the caller's context allows.
	Timeout time.Duration

	MQTT      MQTTConfigOptions
	WebSocket WebSocketConfigOptions
}

// RemoteError is a refusal sent back by the camera instead of an answer.
type RemoteError struct {
	Target  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// New returns the signaler chosen by config.Transport.
// The MQTT signaler takes its client from ctx, see mqttclient.WithContext.
func New(ctx context.Context, config ConfigOptions) (session.Signaler, error) {
	switch config.Transport {
	case TransportMQTT, "":
		client := mqttclient.FromContext(ctx)
		if client == nil {
			return nil, ErrNoClient
		}
		return NewMQTT(ctx, client, config.MQTT, config.Timeout), nil
	case TransportWebSocket:
		return NewWebSocket(ctx, config.WebSocket, config.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown signaling transport %q", config.Transport)
	}
}

// withTimeout applies the exchange timeout, if any.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func observe(transport string, err error) {
	outcome := "answered"
	var remote *RemoteError
	switch {
	case err == nil:
	case errors.As(err, &remote):
		outcome = "refused"
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	metrics.SignalingExchangesTotal.WithLabelValues(transport, outcome).Inc()
}
