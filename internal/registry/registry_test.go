package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibetunnel/termd/internal/session"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(Options{ControlRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg
}

func TestCreateListGetRemove(t *testing.T) {
	reg := newTestRegistry(t)

	e, err := reg.Create(CreateSpec{
		Name:    "echo",
		Command: []string{"/bin/sh", "-c", "echo hi"},
		Cols:    80, Rows: 24,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := os.Stat(filepath.Join(e.Dir, "session.json")); err != nil {
		t.Fatalf("session.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.Dir, "ipc.sock")); err != nil {
		t.Fatalf("ipc.sock missing: %v", err)
	}

	got, ok := reg.Get(e.Sess.ID())
	if !ok || got != e {
		t.Fatalf("Get returned %v, %v", got, ok)
	}

	summaries := reg.List()
	if len(summaries) != 1 || summaries[0].ID != e.Sess.ID() {
		t.Fatalf("List = %+v", summaries)
	}

	select {
	case <-e.Sess.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	// onSessionExit runs in the exit callback; give it a moment to persist.
	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(e.Dir, "exit.json")); err != nil {
		t.Fatalf("exit.json missing: %v", err)
	}

	if err := reg.Remove(e.Sess.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(e.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected session dir removed, stat err = %v", err)
	}
}

func TestRemoveRejectsRunningSession(t *testing.T) {
	reg := newTestRegistry(t)
	e, err := reg.Create(CreateSpec{Command: []string{"cat"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Sess.Kill(9, time.Second)

	if err := reg.Remove(e.Sess.ID()); err == nil {
		t.Fatal("expected error removing a running session")
	}
}

func TestRecoverMarksDeadPIDExited(t *testing.T) {
	root := t.TempDir()
	id := "deadbeef"
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "session.json"), persistedSpec{
		ID: id, Command: []string{"cat"}, PID: 1 << 30,
	}); err != nil {
		t.Fatalf("writeJSONAtomic: %v", err)
	}

	reg, err := New(Options{ControlRoot: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := reg.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	e, ok := reg.Get(id)
	if !ok {
		t.Fatal("expected recovered entry")
	}
	if e.Sess != nil {
		t.Fatal("dead-PID session should not have a live Sess")
	}

	summaries := reg.List()
	if len(summaries) != 1 || summaries[0].Status != session.StatusExited {
		t.Fatalf("List = %+v", summaries)
	}
}

func TestRecoverRebindsIPCSocketForLivePID(t *testing.T) {
	root := t.TempDir()
	id := "stillrunning"
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "session.json"), persistedSpec{
		ID: id, Command: []string{"cat"}, PID: os.Getpid(),
	}); err != nil {
		t.Fatalf("writeJSONAtomic: %v", err)
	}

	reg, err := New(Options{ControlRoot: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := reg.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	e, ok := reg.Get(id)
	if !ok {
		t.Fatal("expected recovered entry")
	}
	if !e.Detached || e.Sess != nil {
		t.Fatalf("expected a detached entry with no live Sess, got %+v", e)
	}
	if e.DetachedIPC == nil {
		t.Fatal("expected a rebound read-only ipc socket for the still-running session")
	}
	if _, err := os.Stat(filepath.Join(dir, "ipc.sock")); err != nil {
		t.Fatalf("ipc.sock missing after recovery: %v", err)
	}
}
