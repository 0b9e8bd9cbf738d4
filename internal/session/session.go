// Package session bundles a PTY host, a recording writer, metadata, and a
// subscriber set behind the session state machine (C4), and implements
// subscriber fan-out with backpressure (C6).
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vibetunnel/termd/internal/apierr"
	"github.com/vibetunnel/termd/internal/protocol"
	"github.com/vibetunnel/termd/internal/ptyhost"
	"github.com/vibetunnel/termd/internal/recording"
)

// Status is a position in the session lifecycle: starting -> running ->
// exiting -> exited. Terminal once exited.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExiting  Status = "exiting"
	StatusExited   Status = "exited"
)

// TitleMode controls how (if at all) OSC window-title sequences are
// rewritten before reaching subscribers. The concrete rewriting policy is
// injected via Spec.OutputTransform; this is plumbed through as data only.
type TitleMode string

const (
	TitleModeNone    TitleMode = "none"
	TitleModeFilter  TitleMode = "filter"
	TitleModeStatic  TitleMode = "static"
	TitleModeDynamic TitleMode = "dynamic"
)

// Spec describes a session to create.
type Spec struct {
	ID               string
	Name             string
	Command          []string
	WorkingDirectory string
	Env              map[string]string
	Shell            bool
	Cols, Rows       uint16
	TitleMode        TitleMode
	ControlDir       string
	RecordingPath    string
	RecordInput      bool
	QueueLen         int
	BackpressureGrace time.Duration
	MaxInputBytes    int
	OutputTransform  func([]byte) []byte

	// OnExit is invoked once, after the PTY has been reaped and the
	// recording closed, so the registry can persist exit.json.
	OnExit func(*Session, ptyhost.ExitResult)
}

// Session is the state-machine owner for one PTY-backed process.
type Session struct {
	spec Spec

	host     *ptyhost.Host
	rec      *recording.Writer
	startedAt time.Time

	mu             sync.Mutex
	status         Status
	exitCode       int
	exitSignal     string
	pid            int
	lastActivityAt time.Time
	lastAppStatus  *protocol.AppStatus
	subs           map[uint64]*Subscription
	nextSubID      uint64

	exitedCh chan struct{}
	evictStop chan struct{}

	recordInput int32 // atomic bool
}

// Start spawns the PTY host and recording writer and transitions the
// session starting -> running.
func Start(spec Spec) (*Session, error) {
	if spec.QueueLen <= 0 {
		spec.QueueLen = DefaultQueueLen
	}
	if spec.BackpressureGrace <= 0 {
		spec.BackpressureGrace = DefaultBackpressureGrace
	}
	if spec.MaxInputBytes <= 0 {
		spec.MaxInputBytes = protocol.MaxFrameBytes
	}

	s := &Session{
		spec:     spec,
		status:   StatusStarting,
		subs:     make(map[uint64]*Subscription),
		exitedCh: make(chan struct{}),
		evictStop: make(chan struct{}),
	}
	if spec.RecordInput {
		atomic.StoreInt32(&s.recordInput, 1)
	}

	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}

	host, err := ptyhost.Start(ptyhost.Spec{
		Command:          spec.Command,
		WorkingDirectory: spec.WorkingDirectory,
		Env:              env,
		Cols:             spec.Cols,
		Rows:             spec.Rows,
		OutputTransform:  spec.OutputTransform,
	})
	if err != nil {
		return nil, fmt.Errorf("session: start pty: %w", err)
	}
	s.host = host
	s.pid = host.PID()
	s.startedAt = time.Now()
	s.lastActivityAt = s.startedAt

	if spec.RecordingPath != "" {
		rec, err := recording.New(spec.RecordingPath, recording.Header{
			Version: 2,
			Width:   int(spec.Cols),
			Height:  int(spec.Rows),
			Env:     env,
			Title:   spec.Name,
		}, spec.QueueLen)
		if err != nil {
			host.Signal(syscall.SIGTERM)
			return nil, fmt.Errorf("session: start recording: %w", err)
		}
		s.rec = rec
	}

	host.OnOutput = s.handleOutput
	host.OnExit = s.handleExit

	s.mu.Lock()
	s.status = StatusRunning
	s.mu.Unlock()

	go s.evictionLoop()

	return s, nil
}

func (s *Session) ID() string           { return s.spec.ID }
func (s *Session) Name() string         { return s.spec.Name }
func (s *Session) PID() int             { return s.pid }
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExitInfo returns the exit code/signal, valid only once Status() ==
// StatusExited.
func (s *Session) ExitInfo() (code int, signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exitSignal
}

func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) isExited() bool {
	return s.Status() == StatusExited
}

// SendStdin delivers bytes to the PTY writer in order.
func (s *Session) SendStdin(data []byte) error {
	if s.isExited() {
		return apierr.New(apierr.SessionExited, "session has exited")
	}
	if len(data) > s.spec.MaxInputBytes {
		return apierr.Newf(apierr.PayloadTooLarge, "stdin payload of %d bytes exceeds %d byte limit", len(data), s.spec.MaxInputBytes)
	}
	if err := s.host.Write(data); err != nil {
		return apierr.Newf(apierr.SessionExited, "write failed: %v", err)
	}
	s.touch()
	if atomic.LoadInt32(&s.recordInput) == 1 && s.rec != nil {
		s.rec.Append(recording.ChannelInput, data)
	}
	return nil
}

// SendControl applies a resize/kill/reset-size control command.
func (s *Session) SendControl(cmd protocol.ControlCommand) error {
	switch cmd.Cmd {
	case "resize":
		if s.isExited() {
			return apierr.New(apierr.SessionExited, "session has exited")
		}
		if err := s.host.Resize(uint16(cmd.Cols), uint16(cmd.Rows)); err != nil {
			return apierr.Newf(apierr.ResetSizeFailed, "resize failed: %v", err)
		}
		s.touch()
		s.broadcastResize(cmd.Cols, cmd.Rows)
		return nil
	case "kill":
		sig := syscall.SIGTERM
		if cmd.Signal == "SIGKILL" {
			sig = syscall.SIGKILL
		}
		s.Kill(sig, 10*time.Second)
		return nil
	case "reset-size":
		cols, rows := s.host.Size()
		if cols == 0 || rows == 0 {
			return apierr.New(apierr.ResetSizeFailed, "no geometry recorded for this session")
		}
		if err := s.host.Resize(cols, rows); err != nil {
			return apierr.Newf(apierr.ResetSizeFailed, "reset-size failed: %v", err)
		}
		return nil
	default:
		return apierr.Newf(apierr.InvalidOperation, "unknown control command %q", cmd.Cmd)
	}
}

func (s *Session) broadcastResize(cols, rows int) {
	data := fmt.Sprintf(`{"cols":%d,"rows":%d}`, cols, rows)
	if s.rec != nil {
		s.rec.Append(recording.ChannelResize, []byte(data))
	}
}

// SetAppStatus stores the status record and broadcasts it to every other
// current subscriber, excluding originSubID (0 if the status did not
// originate from a subscriber of this session, in which case everyone gets
// it) per §4.4's "broadcast to all other subscribers" contract.
func (s *Session) SetAppStatus(st protocol.AppStatus, originSubID uint64) {
	s.mu.Lock()
	s.lastAppStatus = &st
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.id == originSubID {
			continue
		}
		sub.enqueue(Envelope{Kind: EnvelopeStatus, Status: st})
	}
}

// LastAppStatus returns the stored status, if any.
func (s *Session) LastAppStatus() (protocol.AppStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAppStatus == nil {
		return protocol.AppStatus{}, false
	}
	return *s.lastAppStatus, true
}

// Subscribe registers a new sink. Read-only subscription (recording tail)
// is allowed even on an exited session; the sink kind doesn't gate this,
// callers enforce the read-only/write distinction themselves via
// SendStdin/SendControl's own exited checks.
func (s *Session) Subscribe(kind SinkKind) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	sub := newSubscription(s.nextSubID, kind, s.spec.QueueLen)
	s.subs[sub.id] = sub

	if s.lastAppStatus != nil {
		sub.enqueue(Envelope{Kind: EnvelopeStatus, Status: *s.lastAppStatus})
	}
	if s.status == StatusExited {
		sub.enqueue(Envelope{Kind: EnvelopeExit, ExitCode: s.exitCode})
	}
	return sub
}

// Unsubscribe releases a subscription; idempotent.
func (s *Session) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
	sub.closeDone("")
}

func (s *Session) snapshotSubsLocked() []*Subscription {
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// handleOutput is the PTY reader's callback: fan out to the recording
// writer and every subscriber, in production order, without blocking.
func (s *Session) handleOutput(chunk []byte) {
	s.touch()

	if s.rec != nil {
		s.rec.Append(recording.ChannelOutput, chunk)
	}

	s.mu.Lock()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(Envelope{Kind: EnvelopeOutput, Output: chunk})
	}
}

// handleExit is the PTY reaper's callback.
func (s *Session) handleExit(result ptyhost.ExitResult) {
	s.mu.Lock()
	s.status = StatusExited
	s.exitCode = result.Code
	s.exitSignal = result.Signal
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	if s.rec != nil {
		s.rec.Close()
	}

	for _, sub := range subs {
		sub.enqueue(Envelope{Kind: EnvelopeExit, ExitCode: result.Code})
	}

	close(s.exitedCh)
	close(s.evictStop)

	if s.spec.OnExit != nil {
		s.spec.OnExit(s, result)
	}
}

// Kill requests termination. ALREADY_EXITED is treated as success.
func (s *Session) Kill(sig syscall.Signal, timeout time.Duration) error {
	s.mu.Lock()
	if s.status == StatusExited {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusExiting
	s.mu.Unlock()

	if sig == syscall.SIGTERM {
		go s.host.Kill(timeout)
	} else {
		s.host.Signal(sig)
	}

	select {
	case <-s.exitedCh:
		return nil
	case <-time.After(timeout):
		return apierr.New(apierr.KillTimeout, "kill timed out waiting for reap")
	}
}

// Exited returns a channel closed once the session has fully exited.
func (s *Session) Exited() <-chan struct{} { return s.exitedCh }

// evictionLoop periodically evicts subscribers that have been continuously
// saturated for longer than the configured grace period.
func (s *Session) evictionLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.evictStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			subs := s.snapshotSubsLocked()
			s.mu.Unlock()

			for _, sub := range subs {
				if sub.overflowAge() > s.spec.BackpressureGrace {
					s.mu.Lock()
					delete(s.subs, sub.id)
					s.mu.Unlock()
					sub.closeDone(string(apierr.Backpressure))
				}
			}
		}
	}
}
