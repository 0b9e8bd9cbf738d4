package ptyhost

import (
	"bytes"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestHostEchoCommand(t *testing.T) {
	var mu sync.Mutex
	var out bytes.Buffer
	exited := make(chan ExitResult, 1)

	h, err := Start(Spec{
		Command: []string{"/bin/sh", "-c", "echo hi"},
		Cols:    80, Rows: 24,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.OnOutput = func(b []byte) {
		mu.Lock()
		out.Write(b)
		mu.Unlock()
	}
	h.OnExit = func(r ExitResult) { exited <- r }

	select {
	case r := <-exited:
		if r.Code != 0 {
			t.Fatalf("exit code = %d, want 0", r.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Contains(out.Bytes(), []byte("hi")) {
		t.Fatalf("expected output to contain %q, got %q", "hi", out.String())
	}
}

func TestHostWriteToInteractiveChild(t *testing.T) {
	ch := make(chan []byte, 8)
	h, err := Start(Spec{Command: []string{"cat"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.OnOutput = func(b []byte) { ch <- append([]byte(nil), b...) }

	if err := h.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case chunk := <-ch:
		if !bytes.Contains(chunk, []byte("hello")) {
			t.Fatalf("expected echoed output, got %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	h.Signal(syscall.SIGTERM)
}

func TestHostResizeIdempotent(t *testing.T) {
	h, err := Start(Spec{Command: []string{"cat"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Signal(syscall.SIGTERM)

	if err := h.Resize(100, 40); err != nil {
		t.Fatalf("first Resize: %v", err)
	}
	if err := h.Resize(100, 40); err != nil {
		t.Fatalf("second Resize: %v", err)
	}
	cols, rows := h.Size()
	if cols != 100 || rows != 40 {
		t.Fatalf("Size() = %d,%d want 100,40", cols, rows)
	}
}

func TestHostKillEscalation(t *testing.T) {
	h, err := Start(Spec{Command: []string{"/bin/sh", "-c", "trap '' TERM; sleep 60"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	result := h.Kill(10 * time.Second)
	elapsed := time.Since(start)

	if elapsed < 2*time.Second {
		t.Fatalf("kill returned too quickly (%v); escalation to SIGKILL should take ~3s", elapsed)
	}
	if result.Code == 0 {
		t.Fatalf("expected non-zero/signal exit, got %+v", result)
	}
}
