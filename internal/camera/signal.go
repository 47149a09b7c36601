package camera

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pion/webrtc/v3"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	pb "github.com/SB-IM/liveview/internal/pb/signal"
	"github.com/SB-IM/liveview/internal/signal"
	"github.com/SB-IM/liveview/pkg/mqttclient"
)

const answerTimeout = 10 * time.Second

// subscribeOffers answers every offer published on the camera's offer topic.
func (c *Camera) subscribeOffers(ctx context.Context) error {
	topic := c.config.MQTT.OfferTopic(c.config.ID)
	t := c.client.Subscribe(topic, byte(c.config.MQTT.Qos), func(client mqtt.Client, m mqtt.Message) {
		// Answering blocks on ICE gathering; keep the client's router free.
		go c.handleOffer(ctx, client, m.Payload())
	})
	if err := mqttclient.Wait(ctx, t); err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", topic, err)
	}
	c.logger.Info().Str("topic", topic).Msg("waiting for offers")

	go func() {
		<-ctx.Done()
		mqttclient.WaitAsync(c.client.Unsubscribe(topic), &c.logger, "unsubscribe", topic)
	}()
	return nil
}

func (c *Camera) handleOffer(ctx context.Context, client mqtt.Client, payload []byte) {
	offer, meta, err := pb.DecodeSDP(payload)
	if err != nil {
		c.logger.Err(err).Msg("could not decode offer")
		return
	}
	if meta == nil || meta.ReplyTo == "" {
		c.logger.Warn().Msg("offer without reply topic")
		return
	}
	logger := c.logger.With().Str("exchange_id", meta.Id).Logger()
	logger.Info().Msg("received offer")

	ctx, cancel := context.WithTimeout(ctx, answerTimeout)
	defer cancel()

	var reply []byte
	answer, err := c.Answer(ctx, offer.SDP)
	if err != nil {
		logger.Err(err).Msg("could not answer offer")
		reply = pb.EncodeError(err.Error(), &pb.Meta{Id: meta.Id})
	} else {
		reply, err = pb.EncodeSDP(&webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  answer,
		}, &pb.Meta{Id: meta.Id})
		if err != nil {
			logger.Err(err).Msg("could not encode answer")
			return
		}
	}

	t := client.Publish(meta.ReplyTo, byte(c.config.MQTT.Qos), false, reply)
	mqttclient.WaitAsync(t, &logger, "publish answer", meta.ReplyTo)
}

// serveWebSocket answers offers sent over WebSocket connections until ctx is done.
func (c *Camera) serveWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(c.config.WebSocket.Path, c.handleWebSocket())

	addr := net.JoinHostPort(c.config.WebSocket.Host, strconv.Itoa(c.config.WebSocket.Port))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		if err := srv.Close(); err != nil {
			c.logger.Err(err).Msg("could not close WebSocket server")
		}
	}()

	c.logger.Info().Str("address", addr).Str("path", c.config.WebSocket.Path).Msg("starting HTTP server for WebSocket")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server failed: %w", err)
	}
	return nil
}

func (c *Camera) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			c.logger.Err(err).Msg("could not accept WebSocket")
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		ctx, cancel := context.WithTimeout(r.Context(), answerTimeout)
		defer cancel()

		var offer signal.Message
		if err := wsjson.Read(ctx, conn, &offer); err != nil {
			c.logger.Err(err).Msg("could not read offer")
			return
		}

		reply := c.reply(ctx, offer)
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			c.logger.Err(err).Msg("could not write reply")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// reply answers a WebSocket offer or explains the refusal.
func (c *Camera) reply(ctx context.Context, offer signal.Message) signal.Message {
	switch {
	case offer.Type != signal.TypeOffer:
		return signal.Message{Error: fmt.Sprintf("unexpected message type %q", offer.Type)}
	case offer.Target != c.config.ID:
		return signal.Message{Error: fmt.Sprintf("unknown target %q", offer.Target)}
	}

	answer, err := c.Answer(ctx, offer.SDP)
	if err != nil {
		c.logger.Err(err).Msg("could not answer offer")
		return signal.Message{Error: err.Error()}
	}
	return signal.Message{Type: signal.TypeAnswer, SDP: answer}
}
