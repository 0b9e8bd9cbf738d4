package recording

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestWriterHeaderThenEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	w, err := New(path, Header{Version: 2, Width: 80, Height: 24}, DefaultQueueLen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.Append(ChannelOutput, []byte("hi\n"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (header + one event): %v", len(lines), lines)
	}

	var header Header
	if err := json.Unmarshal([]byte(lines[0]), &header); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if header.Width != 80 || header.Height != 24 {
		t.Fatalf("unexpected header: %+v", header)
	}

	var evt []interface{}
	if err := json.Unmarshal([]byte(lines[1]), &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt[1] != "o" || evt[2] != "hi\n" {
		t.Fatalf("unexpected event: %v", evt)
	}
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	w, err := New(path, Header{Version: 2, Width: 80, Height: 24}, DefaultQueueLen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWriterQueueMinimum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	w, err := New(path, Header{Version: 2, Width: 80, Height: 24}, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if cap(w.events) != DefaultQueueLen {
		t.Fatalf("queue len = %d, want %d", cap(w.events), DefaultQueueLen)
	}
}
