// Package registry owns the on-disk control directory (C7): one
// subdirectory per session holding session.json, ipc.sock, stdout, and
// exit.json, plus the in-memory map of live sessions and the startup
// recovery sweep that rebuilds what it can from a prior process's state.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vibetunnel/termd/internal/apierr"
	"github.com/vibetunnel/termd/internal/ipc"
	"github.com/vibetunnel/termd/internal/ptyhost"
	"github.com/vibetunnel/termd/internal/session"
)

// maxSocketPathLen is the conservative POSIX sun_path budget; Linux allows
// 108 bytes including the NUL terminator.
const maxSocketPathLen = 100

// Entry is a registered session plus the plumbing the registry owns on its
// behalf (the per-session IPC listener, and whether it was recovered from a
// prior process and can no longer accept input).
type Entry struct {
	Sess           *session.Session
	IPC            *ipc.Server
	DetachedIPC    *ipc.DetachedServer
	Dir            string
	Detached       bool // recovered from a prior process; read-only
	recoveredExit  *ExitRecord
}

// CreateSpec is the transport-agnostic "create session" request (§6.3).
type CreateSpec struct {
	Name             string
	Command          []string
	WorkingDirectory string
	Env              map[string]string
	Cols, Rows       uint16
	TitleMode        session.TitleMode
	RecordInput      bool
	Shell            bool
}

// persistedSpec is session.json's shape (§6.2).
type persistedSpec struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Command   []string          `json:"command"`
	CWD       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      int               `json:"cols"`
	Rows      int               `json:"rows"`
	PID       int               `json:"pid"`
	CreatedAt time.Time         `json:"createdAt"`
	TitleMode string            `json:"titleMode"`
	Shell     bool              `json:"shell"`
}

// ExitRecord is exit.json's shape.
type ExitRecord struct {
	Code    int       `json:"code"`
	Signal  string    `json:"signal,omitempty"`
	EndedAt time.Time `json:"endedAt"`
}

// Summary is the list() projection (§4.7).
type Summary struct {
	ID        string
	Name      string
	Status    session.Status
	PID       int
	CreatedAt time.Time
	Detached  bool
}

// Options configures a Registry.
type Options struct {
	ControlRoot        string
	CleanupOnStartup   bool
	TombstoneAge       time.Duration
	SubscriberQueueLen int
	BackpressureGrace  time.Duration
	MaxConnections     int
}

// Registry owns controlRoot and every session created beneath it.
type Registry struct {
	opts Options

	mu       sync.Mutex
	entries  map[string]*Entry
}

// New creates the control root (if needed) and returns an empty Registry.
// Call Recover to populate it from a prior process's state.
func New(opts Options) (*Registry, error) {
	if opts.TombstoneAge <= 0 {
		opts.TombstoneAge = 24 * time.Hour
	}
	if err := os.MkdirAll(opts.ControlRoot, 0700); err != nil {
		return nil, fmt.Errorf("registry: create control root: %w", err)
	}
	return &Registry{opts: opts, entries: make(map[string]*Entry)}, nil
}

// Create spawns a new session under a fresh uuid directory.
func (r *Registry) Create(spec CreateSpec) (*Entry, error) {
	id := uuid.New().String()
	dir := filepath.Join(r.opts.ControlRoot, id)
	sockPath := filepath.Join(dir, "ipc.sock")
	if len(sockPath) > maxSocketPathLen {
		return nil, apierr.Newf(apierr.PathTooLong, "socket path %q exceeds %d bytes", sockPath, maxSocketPathLen)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("registry: create session dir: %w", err)
	}

	titleMode := spec.TitleMode
	if titleMode == "" {
		titleMode = session.TitleModeDynamic
	}

	persisted := persistedSpec{
		ID:        id,
		Name:      spec.Name,
		Command:   spec.Command,
		CWD:       spec.WorkingDirectory,
		Env:       spec.Env,
		Cols:      int(spec.Cols),
		Rows:      int(spec.Rows),
		CreatedAt: time.Now(),
		TitleMode: string(titleMode),
		Shell:     spec.Shell,
	}

	entry := &Entry{Dir: dir}

	sess, err := session.Start(session.Spec{
		ID:                id,
		Name:              spec.Name,
		Command:           spec.Command,
		WorkingDirectory:  spec.WorkingDirectory,
		Env:               spec.Env,
		Cols:              spec.Cols,
		Rows:              spec.Rows,
		TitleMode:         titleMode,
		ControlDir:        dir,
		RecordingPath:     filepath.Join(dir, "stdout"),
		RecordInput:       spec.RecordInput,
		QueueLen:          r.opts.SubscriberQueueLen,
		BackpressureGrace: r.opts.BackpressureGrace,
		OnExit:            r.onSessionExit,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("registry: start session: %w", err)
	}
	entry.Sess = sess

	persisted.PID = sess.PID()
	if err := writeJSONAtomic(filepath.Join(dir, "session.json"), persisted); err != nil {
		sess.Kill(syscall.SIGKILL, time.Second)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("registry: write session.json: %w", err)
	}

	srv, err := ipc.Listen(sockPath, sess, r.opts.MaxConnections)
	if err != nil {
		sess.Kill(syscall.SIGKILL, time.Second)
		os.RemoveAll(dir)
		return nil, fmt.Errorf("registry: start ipc server: %w", err)
	}
	entry.IPC = srv

	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()

	return entry, nil
}

// onSessionExit persists exit.json once the reaper has observed the child
// exit, so a later Recover sees a concrete exit code instead of "unknown".
func (r *Registry) onSessionExit(sess *session.Session, result ptyhost.ExitResult) {
	dir := filepath.Join(r.opts.ControlRoot, sess.ID())
	rec := ExitRecord{Code: result.Code, Signal: result.Signal, EndedAt: time.Now()}
	if err := writeJSONAtomic(filepath.Join(dir, "exit.json"), rec); err != nil {
		log.Printf("[ERROR] registry: write exit.json for %s: %v", sess.ID(), err)
	}
}

// Get returns the entry for id, or (nil, false).
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// List returns a point-in-time summary of every registered session.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.entries))
	for id, e := range r.entries {
		if e.Sess == nil {
			status := session.StatusExited
			if e.recoveredExit == nil {
				status = StatusDetachedRunning
			}
			out = append(out, Summary{ID: id, Status: status, Detached: true})
			continue
		}
		out = append(out, Summary{
			ID:        id,
			Name:      e.Sess.Name(),
			Status:    e.Sess.Status(),
			PID:       e.Sess.PID(),
			CreatedAt: e.Sess.StartedAt(),
			Detached:  e.Detached,
		})
	}
	return out
}

// StatusDetachedRunning marks a recovered session whose PID is still alive
// but whose PTY host cannot be rebuilt in this process; read-only.
const StatusDetachedRunning session.Status = "detached-running"

// Remove deletes a session's directory. Only permitted once the session has
// exited and its recording is closed; the session package itself
// guarantees the recording is closed by the time Exited() fires, so the
// only check here is the exit signal. Subscribers still attached to the
// session are not checked.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return apierr.Newf(apierr.SessionNotFound, "no session %s", id)
	}
	if e.Sess != nil {
		select {
		case <-e.Sess.Exited():
		default:
			return apierr.New(apierr.InvalidOperation, "cannot remove a session that has not exited")
		}
	} else if e.recoveredExit == nil {
		return apierr.New(apierr.InvalidOperation, "cannot remove a detached session that is still running")
	}

	if e.IPC != nil {
		e.IPC.Close()
	}
	if e.DetachedIPC != nil {
		e.DetachedIPC.Close()
	}

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	tmp := e.Dir + ".removing"
	if err := os.Rename(e.Dir, tmp); err != nil {
		return os.RemoveAll(e.Dir)
	}
	return os.RemoveAll(tmp)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Recover scans controlRoot for session directories left by a prior
// process. Running processes are re-adopted as detached/read-only
// sessions with a fresh IPC server; dead ones are marked exited.
// cleanupOnStartup removes exited directories older than TombstoneAge.
func (r *Registry) Recover() error {
	dirs, err := os.ReadDir(r.opts.ControlRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: read control root: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id := d.Name()
		dir := filepath.Join(r.opts.ControlRoot, id)

		raw, err := os.ReadFile(filepath.Join(dir, "session.json"))
		if err != nil {
			log.Printf("[WARN] registry: recover %s: missing session.json: %v", id, err)
			continue
		}
		var persisted persistedSpec
		if err := json.Unmarshal(raw, &persisted); err != nil {
			log.Printf("[WARN] registry: recover %s: malformed session.json: %v", id, err)
			continue
		}

		var exitRecord *ExitRecord
		if raw, err := os.ReadFile(filepath.Join(dir, "exit.json")); err == nil {
			var rec ExitRecord
			if json.Unmarshal(raw, &rec) == nil {
				exitRecord = &rec
			}
		}

		if isProcessAlive(persisted.PID) {
			log.Printf("[INFO] registry: recovered detached session %s (pid %d)", id, persisted.PID)
			entry := &Entry{Dir: dir, Detached: true}
			sockPath := filepath.Join(dir, "ipc.sock")
			if dsrv, err := ipc.ListenDetached(sockPath); err != nil {
				log.Printf("[WARN] registry: rebind ipc socket for detached session %s: %v", id, err)
			} else {
				entry.DetachedIPC = dsrv
			}
			r.mu.Lock()
			r.entries[id] = entry
			r.mu.Unlock()
			continue
		}

		if exitRecord == nil {
			exitRecord = &ExitRecord{Code: -1, EndedAt: time.Now()}
			log.Printf("[WARN] registry: recover %s: pid %d dead with no exit.json, marking unknown", id, persisted.PID)
		}

		if r.opts.CleanupOnStartup && time.Since(exitRecord.EndedAt) > r.opts.TombstoneAge {
			log.Printf("[INFO] registry: cleaning up stale exited session %s", id)
			os.RemoveAll(dir)
			continue
		}

		r.mu.Lock()
		r.entries[id] = &Entry{Dir: dir, Detached: true, recoveredExit: exitRecord}
		r.mu.Unlock()
	}

	return nil
}
