package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibetunnel/termd/internal/protocol"
)

func TestSessionEchoAndExit(t *testing.T) {
	dir := t.TempDir()
	s, err := Start(Spec{
		ID:            "s1",
		Command:       []string{"/bin/sh", "-c", "echo hi"},
		Cols:          80,
		Rows:          24,
		RecordingPath: filepath.Join(dir, "rec.cast"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := s.Subscribe(SinkIPCClient)

	var gotOutput bool
	var gotExit bool
	deadline := time.After(2 * time.Second)
	for !gotExit {
		select {
		case env := <-sub.Envelopes():
			switch env.Kind {
			case EnvelopeOutput:
				if len(env.Output) > 0 {
					gotOutput = true
				}
			case EnvelopeExit:
				gotExit = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for session lifecycle")
		}
	}

	if !gotOutput {
		t.Fatal("expected at least one output envelope")
	}
	if s.Status() != StatusExited {
		t.Fatalf("status = %v, want exited", s.Status())
	}
	if _, err := os.Stat(filepath.Join(dir, "rec.cast")); err != nil {
		t.Fatalf("recording file missing: %v", err)
	}
}

func TestSessionMultiSubscriberFanout(t *testing.T) {
	s, err := Start(Spec{ID: "s2", Command: []string{"cat"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Kill(9, time.Second)

	subA := s.Subscribe(SinkIPCClient)
	subB := s.Subscribe(SinkWSClient)

	if err := s.SendStdin([]byte("hello\n")); err != nil {
		t.Fatalf("SendStdin: %v", err)
	}

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case env := <-sub.Envelopes():
			if env.Kind != EnvelopeOutput {
				t.Fatalf("expected output envelope, got kind %v", env.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fanout")
		}
	}
}

func TestSessionAppStatusBroadcastAndReplay(t *testing.T) {
	s, err := Start(Spec{ID: "s3", Command: []string{"cat"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Kill(9, time.Second)

	subA := s.Subscribe(SinkIPCClient)
	s.SetAppStatus(protocol.AppStatus{App: "claude", Status: "busy"}, 0)

	select {
	case env := <-subA.Envelopes():
		if env.Kind != EnvelopeStatus || env.Status.Status != "busy" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status broadcast")
	}

	// A subscriber joining afterwards should immediately receive the last
	// known status as its first envelope.
	subB := s.Subscribe(SinkWSClient)
	select {
	case env := <-subB.Envelopes():
		if env.Kind != EnvelopeStatus || env.Status.App != "claude" {
			t.Fatalf("unexpected replay envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status replay")
	}
}

func TestSessionAppStatusExcludesOriginator(t *testing.T) {
	s, err := Start(Spec{ID: "s3b", Command: []string{"cat"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Kill(9, time.Second)

	subA := s.Subscribe(SinkIPCClient)
	subB := s.Subscribe(SinkWSClient)

	s.SetAppStatus(protocol.AppStatus{App: "claude", Status: "busy"}, subA.ID())

	select {
	case env := <-subB.Envelopes():
		if env.Kind != EnvelopeStatus || env.Status.Status != "busy" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status broadcast to subB")
	}

	select {
	case env := <-subA.Envelopes():
		t.Fatalf("originating subscriber should not receive its own status update, got %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionUnsubscribeClosesDone(t *testing.T) {
	s, err := Start(Spec{ID: "s4", Command: []string{"cat"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Kill(9, time.Second)

	sub := s.Subscribe(SinkIPCClient)
	s.Unsubscribe(sub)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done() to close after Unsubscribe")
	}
	if sub.EvictReason() != "" {
		t.Fatalf("voluntary unsubscribe should not set an evict reason, got %q", sub.EvictReason())
	}
}

func TestSessionResizeRejectedAfterExit(t *testing.T) {
	s, err := Start(Spec{ID: "s5", Command: []string{"/bin/sh", "-c", "exit 0"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-s.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	err = s.SendControl(protocol.ControlCommand{Cmd: "resize", Cols: 10, Rows: 10})
	if err == nil {
		t.Fatal("expected error resizing an exited session")
	}
}
