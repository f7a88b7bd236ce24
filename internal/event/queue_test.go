package event

import "testing"

func TestPublishAndDrain(t *testing.T) {
	q := NewQueue(4)
	q.Publish(Event{Type: MessageReceived, Addr: "10.0.0.1", Text: "hi"})
	q.Publish(Event{Type: PeerListChanged})

	e := <-q.C()
	if e.Type != MessageReceived || e.Addr != "10.0.0.1" || e.Text != "hi" {
		t.Fatalf("unexpected event: %+v", e)
	}
	e = <-q.C()
	if e.Type != PeerListChanged {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	q := NewQueue(2)
	for i := 0; i < 10; i++ {
		q.Publish(Event{Type: PeerListChanged})
	}
	if got := q.Dropped(); got != 8 {
		t.Fatalf("expected 8 dropped events, got %d", got)
	}
}

func TestTypeString(t *testing.T) {
	if PeerListChanged.String() != "peer_list_changed" {
		t.Fatalf("got %s", PeerListChanged.String())
	}
	if MessageReceived.String() != "message_received" {
		t.Fatalf("got %s", MessageReceived.String())
	}
	if Type(99).String() != "unknown" {
		t.Fatalf("got %s", Type(99).String())
	}
}
