package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/crew/internal/config"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
	if bus.Port() <= 0 {
		t.Fatalf("expected a bound port, got %d", bus.Port())
	}
}

func TestPubSub(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClientFromURL(URL("127.0.0.1", bus.Port()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishEvent(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan *nats.Msg, 1)
	if _, err := client.Subscribe(TopicEventsAll, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.PublishEvent("relief", map[string]string{"reason": "stuck"}); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case msg := <-received:
		if msg.Subject != "crew.events.relief" {
			t.Errorf("unexpected subject %s", msg.Subject)
		}
		var ev struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != "relief" || ev.Payload["reason"] != "stuck" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestRequestJSON(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	_, err = client.Subscribe(TopicControlSend, func(msg *nats.Msg) {
		var req SendRequest
		_ = json.Unmarshal(msg.Data, &req)
		data, _ := json.Marshal(Reply{OK: true, To: []string{req.Target}})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatal(err)
	}

	var reply Reply
	if err := client.RequestJSON(TopicControlSend, SendRequest{Target: "manager", Text: "hi"}, &reply, 2*time.Second); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.OK || len(reply.To) != 1 || reply.To[0] != "manager" {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicEvent("spawn"); got != "crew.events.spawn" {
		t.Errorf("expected crew.events.spawn, got %s", got)
	}
}
