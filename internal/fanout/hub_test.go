package fanout

import (
	"testing"

	"github.com/ordermesh/ordermesh-backend/pkg/config"
)

func dropConfig(capacity int) config.FanoutConfig {
	return config.FanoutConfig{QueueCapacity: capacity, SlowPolicy: "drop"}
}

func closeConfig(capacity int) config.FanoutConfig {
	return config.FanoutConfig{QueueCapacity: capacity, SlowPolicy: "close"}
}

func drain(session *Session) [][]byte {
	var got [][]byte
	for {
		select {
		case data := <-session.Outbound():
			got = append(got, data)
		default:
			return got
		}
	}
}

func TestBroadcastReachesAllSubscribersOfKey(t *testing.T) {
	hub := NewHub(dropConfig(4), nil, nil)
	a := hub.Subscribe("order:1")
	b := hub.Subscribe("order:1")
	other := hub.Subscribe("order:2")

	hub.Broadcast("order:1", []byte("paid"))

	if got := drain(a); len(got) != 1 || string(got[0]) != "paid" {
		t.Fatalf("subscriber a got %q", got)
	}
	if got := drain(b); len(got) != 1 {
		t.Fatalf("subscriber b got %d messages, want 1", len(got))
	}
	if got := drain(other); len(got) != 0 {
		t.Fatalf("unrelated subscriber got %d messages, want 0", len(got))
	}
}

func TestBroadcastToSessionWithMultipleKeys(t *testing.T) {
	hub := NewHub(dropConfig(4), nil, nil)
	session := hub.Subscribe("order:1", "user:u-1")

	hub.Broadcast("order:1", []byte("a"))
	hub.Broadcast("user:u-1", []byte("b"))

	if got := drain(session); len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
}

func TestSlowConsumerDropPolicyLosesMessageOnly(t *testing.T) {
	hub := NewHub(dropConfig(1), nil, nil)
	slow := hub.Subscribe("order:1")
	fast := hub.Subscribe("order:1")

	hub.Broadcast("order:1", []byte("m1"))
	drain(fast)
	hub.Broadcast("order:1", []byte("m2")) // slow queue now full

	if got := drain(slow); len(got) != 1 || string(got[0]) != "m1" {
		t.Fatalf("slow subscriber got %q, want only m1", got)
	}
	if got := drain(fast); len(got) != 1 || string(got[0]) != "m2" {
		t.Fatalf("fast subscriber got %q, want m2", got)
	}
	if count := hub.SubscriberCount("order:1"); count != 2 {
		t.Fatalf("drop policy must keep the connection, got %d subscribers", count)
	}

	select {
	case <-slow.Closed():
		t.Fatal("drop policy must not close the session")
	default:
	}
}

func TestSlowConsumerClosePolicyDisconnects(t *testing.T) {
	hub := NewHub(closeConfig(1), nil, nil)
	slow := hub.Subscribe("order:1")

	hub.Broadcast("order:1", []byte("m1"))
	hub.Broadcast("order:1", []byte("m2"))

	select {
	case <-slow.Closed():
	default:
		t.Fatal("close policy must close the saturated session")
	}
	if count := hub.SubscriberCount("order:1"); count != 0 {
		t.Fatalf("closed session still subscribed, got %d", count)
	}
}

func TestUnsubscribeAllRemovesEveryKey(t *testing.T) {
	hub := NewHub(dropConfig(4), nil, nil)
	session := hub.Subscribe("order:1", "user:u-1")

	hub.UnsubscribeAll(session)

	if hub.SubscriberCount("order:1") != 0 || hub.SubscriberCount("user:u-1") != 0 {
		t.Fatal("session still subscribed after UnsubscribeAll")
	}
	hub.Broadcast("order:1", []byte("late"))
	if got := drain(session); len(got) != 0 {
		t.Fatalf("unsubscribed session got %d messages", len(got))
	}
}
