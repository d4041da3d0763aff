package natsbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fentz26/lockwarden/internal/config"
	"github.com/fentz26/lockwarden/internal/events"
	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

func testConfig(t *testing.T) config.NATSConfig {
	return config.NATSConfig{
		Enabled:  true,
		Embedded: true,
		Port:     natsserver.RANDOM_PORT,
		DataDir:  t.TempDir(),
		Token:    "s3cret",
	}
}

func TestSubjects(t *testing.T) {
	if got := Subject("lock.granted"); got != "lockwarden.events.lock.granted" {
		t.Errorf("Subject = %q", got)
	}
	if got := Topic("lockwarden.events.task.status"); got != "task.status" {
		t.Errorf("Topic = %q", got)
	}
}

func TestServer_RequiresToken(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	if _, err := Connect(srv.ClientURL(), ""); err == nil {
		t.Fatal("connect without token succeeded")
	}
	c, err := Connect(srv.ClientURL(), "s3cret")
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	c.Close()
}

func TestRelay_ForwardsEvents(t *testing.T) {
	cfg := testConfig(t)
	relay, err := NewRelay(cfg, nil)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	defer relay.Close()

	listener, err := Connect(relay.ClientURL(), cfg.Token)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer listener.Close()

	received := make(chan *nats.Msg, 16)
	if _, err := listener.Subscribe(AllEvents, func(msg *nats.Msg) { received <- msg }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := listener.Flush(); err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx, bus)

	// Run subscribes asynchronously, so keep publishing until one arrives.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-received:
			if msg.Subject != "lockwarden.events.lock.granted" {
				t.Fatalf("subject = %q", msg.Subject)
			}
			var ev struct {
				Type    string         `json:"type"`
				Payload map[string]any `json:"payload"`
			}
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Type != "lock.granted" || ev.Payload["id"] != "l1" {
				t.Errorf("event = %+v", ev)
			}
			return
		case <-tick.C:
			bus.Publish(events.TopicLockGranted, map[string]string{"id": "l1"})
		case <-deadline:
			t.Fatal("timeout waiting for relayed event")
		}
	}
}
