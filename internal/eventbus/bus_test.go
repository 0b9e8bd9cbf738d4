package eventbus

import "testing"

func TestInactiveBusIsNoOp(t *testing.T) {
	b, err := NewBus("")
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	if b.IsActive() {
		t.Fatal("expected inactive bus for empty URL")
	}
	if err := b.Publish(Event{Type: EventSessionCreated, SessionID: "s1"}); err != nil {
		t.Fatalf("Publish on inactive bus should be a no-op, got: %v", err)
	}
	unsub, err := b.Subscribe("termd.session.*.exited", func(Event) {})
	if err != nil {
		t.Fatalf("Subscribe on inactive bus: %v", err)
	}
	unsub()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
