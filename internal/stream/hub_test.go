package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/infrastructure/redis"
)

func TestHubIsTenantScoped(t *testing.T) {
	h := NewHub(4, nil)
	a, cancelA := h.Subscribe("t1")
	defer cancelA()
	b, cancelB := h.Subscribe("t2")
	defer cancelB()

	_ = h.Publish(context.Background(), domain.AccessLogEntry{ID: "e1", TenantID: "t1"})

	select {
	case e := <-a:
		if e.ID != "e1" {
			t.Fatalf("unexpected entry %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("t1 subscriber got nothing")
	}
	select {
	case e := <-b:
		t.Fatalf("t2 subscriber must not see t1 entries, got %+v", e)
	default:
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(1, nil)
	ch, cancel := h.Subscribe("t1")
	for i := 0; i < 3; i++ {
		_ = h.Publish(context.Background(), domain.AccessLogEntry{TenantID: "t1"})
	}
	if len(ch) != 1 {
		t.Fatalf("expected buffered entry only, got %d", len(ch))
	}
	cancel()
	cancel()
	if h.Subscribers("t1") != 0 {
		t.Fatal("cancel must unsubscribe")
	}
}

type fakePubSub struct {
	published map[string][]byte
	msgs      chan redis.Message
}

func (f *fakePubSub) Publish(_ context.Context, channel string, payload []byte) error {
	f.published[channel] = payload
	return nil
}

func (f *fakePubSub) PSubscribe(context.Context, string) (<-chan redis.Message, error) {
	return f.msgs, nil
}

func TestRedisPublisherAndRelay(t *testing.T) {
	ps := &fakePubSub{published: map[string][]byte{}, msgs: make(chan redis.Message, 4)}
	entry := domain.AccessLogEntry{ID: "e1", TenantID: "t1", DoorID: "d1", Result: domain.ResultGranted, Method: domain.MethodApp}

	if err := NewRedisPublisher(ps).Publish(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	payload, ok := ps.published["access-logs:t1"]
	if !ok {
		t.Fatalf("expected publish on access-logs:t1, got %v", ps.published)
	}

	hub := NewHub(4, nil)
	sub, cancel := hub.Subscribe("t1")
	defer cancel()
	if err := Relay(context.Background(), ps, hub, nil); err != nil {
		t.Fatal(err)
	}

	forged, _ := json.Marshal(domain.AccessLogEntry{ID: "evil", TenantID: "t2"})
	ps.msgs <- redis.Message{Channel: "access-logs:t1", Payload: forged}
	ps.msgs <- redis.Message{Channel: "access-logs:t1", Payload: []byte("{")}
	ps.msgs <- redis.Message{Channel: "access-logs:t1", Payload: payload}
	close(ps.msgs)

	select {
	case e := <-sub:
		if e.ID != "e1" {
			t.Fatalf("relay delivered %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("relay delivered nothing")
	}
}
