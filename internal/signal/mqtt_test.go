package signal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	pb "github.com/SB-IM/liveview/internal/pb/signal"
)

type doneToken struct {
	mqtt.Token
	err error
}

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeBroker routes publishes to subscribers in process. Offers are handed to
// answer, which plays the camera.
type fakeBroker struct {
	mqtt.Client
	answer func(topic string, payload []byte) []byte

	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	subErr       error
}

func newFakeBroker(answer func(string, []byte) []byte) *fakeBroker {
	return &fakeBroker{answer: answer, handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	if b.subErr != nil {
		return doneToken{err: b.subErr}
	}
	b.mu.Lock()
	b.handlers[topic] = h
	b.mu.Unlock()
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	for _, t := range topics {
		delete(b.handlers, t)
		b.unsubscribed = append(b.unsubscribed, t)
	}
	b.mu.Unlock()
	return doneToken{}
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	if b.answer == nil {
		return doneToken{}
	}
	reply := b.answer(topic, payload.([]byte))
	if reply == nil {
		return doneToken{}
	}
	_, meta, _ := pb.DecodeSDP(payload.([]byte))

	b.mu.Lock()
	h := b.handlers[meta.ReplyTo]
	b.mu.Unlock()
	if h != nil {
		go h(b, fakeMessage{topic: meta.ReplyTo, payload: reply})
	}
	return doneToken{}
}

func (b *fakeBroker) Unsubscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.unsubscribed...)
}

func testContext() context.Context {
	logger := zerolog.Nop()
	return logger.WithContext(context.Background())
}

var topics = MQTTConfigOptions{OfferTopicPrefix: "liveview/offer", AnswerTopicPrefix: "liveview/answer"}

func TestMQTTExchange(t *testing.T) {
	var gotTopic, gotOffer string
	broker := newFakeBroker(func(topic string, payload []byte) []byte {
		gotTopic = topic
		sdp, _, err := pb.DecodeSDP(payload)
		if err != nil {
			t.Errorf("camera could not decode offer: %v", err)
			return nil
		}
		gotOffer = sdp.SDP
		b, _ := pb.EncodeSDP(&webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil)
		return b
	})
	m := NewMQTT(testContext(), broker, topics, 0)

	answer, err := m.Exchange(context.Background(), "cam1", "offer-sdp")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "answer-sdp" {
		t.Errorf("answer = %q, want answer-sdp", answer)
	}
	if gotTopic != "liveview/offer/cam1" || gotOffer != "offer-sdp" {
		t.Errorf("offer %q published on %q", gotOffer, gotTopic)
	}

	eventuallyUnsubscribed(t, broker)
	if got := broker.Unsubscribed()[0]; !strings.HasPrefix(got, "liveview/answer/cam1/") {
		t.Errorf("unsubscribed from %q", got)
	}
}

func TestMQTTRemoteError(t *testing.T) {
	broker := newFakeBroker(func(string, []byte) []byte {
		return pb.EncodeError("unauthorized", nil)
	})
	m := NewMQTT(testContext(), broker, topics, 0)

	_, err := m.Exchange(context.Background(), "cam1", "offer-sdp")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want a RemoteError", err)
	}
	if remote.Error() != "unauthorized" || remote.Target != "cam1" {
		t.Errorf("remote error = %+v", remote)
	}
}

func TestMQTTTimeout(t *testing.T) {
	broker := newFakeBroker(nil)
	m := NewMQTT(testContext(), broker, topics, 20*time.Millisecond)

	_, err := m.Exchange(context.Background(), "cam1", "offer-sdp")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want %v", err, context.DeadlineExceeded)
	}
	eventuallyUnsubscribed(t, broker)
}

func TestMQTTCancel(t *testing.T) {
	broker := newFakeBroker(nil)
	m := NewMQTT(testContext(), broker, topics, 0)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	if _, err := m.Exchange(ctx, "cam1", "offer-sdp"); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want %v", err, context.Canceled)
	}
}

func TestMQTTSubscribeFailure(t *testing.T) {
	broker := newFakeBroker(nil)
	broker.subErr = errors.New("not authorized")
	m := NewMQTT(testContext(), broker, topics, 0)

	if _, err := m.Exchange(context.Background(), "cam1", "offer-sdp"); !errors.Is(err, broker.subErr) {
		t.Fatalf("error = %v, want %v", err, broker.subErr)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(testContext(), ConfigOptions{Transport: TransportMQTT}); !errors.Is(err, ErrNoClient) {
		t.Fatalf("New() error = %v, want %v", err, ErrNoClient)
	}
	if _, err := New(testContext(), ConfigOptions{Transport: "carrier-pigeon"}); err == nil {
		t.Fatal("New() accepted an unknown transport")
	}
	s, err := New(testContext(), ConfigOptions{Transport: TransportWebSocket})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*WebSocket); !ok {
		t.Fatalf("New() = %T, want *WebSocket", s)
	}
}

func eventuallyUnsubscribed(t *testing.T, b *fakeBroker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Unsubscribed()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("answer topic never unsubscribed")
}
