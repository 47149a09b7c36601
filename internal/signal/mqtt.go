package signal

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	pb "github.com/SB-IM/liveview/internal/pb/signal"
	"github.com/SB-IM/liveview/pkg/mqttclient"
)

// MQTTConfigOptions configures the MQTT topics.
type MQTTConfigOptions struct {
	// Offers go to <OfferTopicPrefix>/<target>.
	OfferTopicPrefix string
	// Answers come back on <AnswerTopicPrefix>/<target>/<exchange id>.
	AnswerTopicPrefix string
	Qos               uint
	Retained          bool
}

// OfferTopic returns the topic a camera listens on for offers.
func (c MQTTConfigOptions) OfferTopic(target string) string {
	return c.OfferTopicPrefix + "/" + target
}

func (c MQTTConfigOptions) answerTopic(target, id string) string {
	return c.AnswerTopicPrefix + "/" + target + "/" + id
}

// MQTT exchanges offers through a broker. Every exchange gets its own answer topic,
// subscribed before the offer is published and dropped after the first message.
type MQTT struct {
	client  mqtt.Client
	config  MQTTConfigOptions
	timeout time.Duration
	logger  zerolog.Logger
}

// NewMQTT returns an MQTT signaler using a connected client.
func NewMQTT(ctx context.Context, client mqtt.Client, config MQTTConfigOptions, timeout time.Duration) *MQTT {
	return &MQTT{
		client:  client,
		config:  config,
		timeout: timeout,
		logger:  log.Ctx(ctx).With().Str("component", "mqtt-signaler").Logger(),
	}
}

// Exchange implements session.Signaler.
func (m *MQTT) Exchange(ctx context.Context, target, offer string) (answer string, err error) {
	defer func() { observe(TransportMQTT, err) }()

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	id := uuid.NewString()
	replyTo := m.config.answerTopic(target, id)
	logger := m.logger.With().Str("target", target).Str("exchange_id", id).Logger()

	replies := make(chan []byte, 1)
	token := m.client.Subscribe(replyTo, byte(m.config.Qos), func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case replies <- msg.Payload():
		default:
			logger.Debug().Msg("dropped duplicate answer")
		}
	})
	if err := mqttclient.Wait(ctx, token); err != nil {
		return "", fmt.Errorf("could not subscribe to %s: %w", replyTo, err)
	}
	defer func() {
		mqttclient.WaitAsync(m.client.Unsubscribe(replyTo), &logger, "unsubscribe", replyTo)
	}()

	payload, err := pb.EncodeSDP(&webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}, &pb.Meta{Id: id, ReplyTo: replyTo})
	if err != nil {
		return "", fmt.Errorf("could not encode sdp: %w", err)
	}

	topic := m.config.OfferTopic(target)
	if err := mqttclient.Wait(ctx, m.client.Publish(topic, byte(m.config.Qos), m.config.Retained, payload)); err != nil {
		return "", fmt.Errorf("could not publish to %s: %w", topic, err)
	}
	logger.Debug().Str("topic", topic).Msg("sent offer")

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("could not receive answer: %w", ctx.Err())
	case b := <-replies:
		sdp, remote, err := pb.DecodeAnswer(b)
		if err != nil {
			return "", fmt.Errorf("could not decode answer: %w", err)
		}
		if remote != "" {
			return "", &RemoteError{Target: target, Message: remote}
		}
		logger.Debug().Msg("received answer")
		return sdp.SDP, nil
	}
}
