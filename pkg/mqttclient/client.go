// Package mqttclient builds the paho MQTT clients shared by the liveview commands
// and carries them through a context.
// Viewers only publish offers and hold short lived answer subscriptions, cameras
// hold one long lived offer subscription; both use the same client options.
package mqttclient

import (
	"context"
	"errors"
	stdlog "log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	// Paho internal logging, off unless asked for.
	if env := os.Getenv("DEBUG_MQTT_CLIENT"); strings.ToLower(env) == "true" {
		mqtt.ERROR = stdlog.New(os.Stdout, "[ERROR] ", 0)
		mqtt.CRITICAL = stdlog.New(os.Stdout, "[CRITICAL] ", 0)
		mqtt.WARN = stdlog.New(os.Stdout, "[WARN]  ", 0)
		mqtt.DEBUG = stdlog.New(os.Stdout, "[DEBUG] ", 0)
	}
}

type contextKey string

const clientKey = contextKey("mqtt_client")

const (
	writeTimeout = 1 * time.Second
	pingTimeout  = 10 * time.Second
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt: timed out waiting for broker")

// ConfigOptions is config options for an MQTT client.
type ConfigOptions struct {
	Server   string
	ClientID string
	Username string
	Password string
}

// NewClient returns an unconnected client logging through the logger in ctx.
// A random suffix keeps client ids unique when several processes share a config.
func NewClient(ctx context.Context, config ConfigOptions) mqtt.Client {
	logger := log.Ctx(ctx).With().Str("component", "mqtt-client").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Server)
	opts.SetClientID(config.ClientID + "-" + uuid.NewString())

	// Handlers must not block each other; answers are independent of each other.
	opts.SetOrderMatters(false)
	opts.SetCleanSession(false)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug().Str("topic", msg.Topic()).Int("size", len(msg.Payload())).Msg("received an unrouted message")
	})
	opts.OnConnect = func(mqtt.Client) {
		logger.Info().Str("server", config.Server).Msg("client connected to broker")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("connection lost")
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info().Msg("attempting to reconnect")
	}

	opts.WriteTimeout = writeTimeout
	opts.PingTimeout = pingTimeout

	// Keep trying to connect and reconnect if the network drops.
	opts.ConnectRetry = true

	return mqtt.NewClient(opts)
}

// CheckConnectivity connects client and waits for the broker at most timeout.
func CheckConnectivity(client mqtt.Client, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}

// Wait blocks until token completes or ctx is done.
func Wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAsync logs the outcome of token without blocking the caller.
func WaitAsync(token mqtt.Token, logger *zerolog.Logger, action, topic string) {
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			logger.Err(err).Str("topic", topic).Msgf("could not %s", action)
			return
		}
		logger.Debug().Str("topic", topic).Msgf("%s done", action)
	}()
}

// WithContext returns a copy of ctx carrying client.
func WithContext(ctx context.Context, client mqtt.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// FromContext returns the MQTT client stored in context. If no such client exists, it returns nil.
func FromContext(ctx context.Context) mqtt.Client {
	if client, ok := ctx.Value(clientKey).(mqtt.Client); ok {
		return client
	}
	return nil
}
