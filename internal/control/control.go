// Package control is the thin, transport-agnostic operation layer (C8)
// consumed by the HTTP/WS front-end: each method maps 1:1 to a registry or
// session method and translates domain errors to the §7 taxonomy.
package control

import (
	"context"
	"log"
	"syscall"
	"time"

	"github.com/vibetunnel/termd/internal/apierr"
	"github.com/vibetunnel/termd/internal/eventbus"
	"github.com/vibetunnel/termd/internal/history"
	"github.com/vibetunnel/termd/internal/protocol"
	"github.com/vibetunnel/termd/internal/registry"
	"github.com/vibetunnel/termd/internal/session"
)

// Plane binds a registry (and, optionally, an event bus and an audit
// history store) behind the operation surface described in §6.3.
type Plane struct {
	reg  *registry.Registry
	bus  *eventbus.Bus
	hist *history.Store
}

func New(reg *registry.Registry, bus *eventbus.Bus, hist *history.Store) *Plane {
	return &Plane{reg: reg, bus: bus, hist: hist}
}

// CreateSessionRequest is the inputs enumerated in §6.3's create operation.
type CreateSessionRequest struct {
	Name             string
	Command          []string
	WorkingDirectory string
	Env              map[string]string
	Cols, Rows       uint16
	TitleMode        session.TitleMode
	SpawnTerminal    bool
}

// CreateSession starts a new session and returns its id.
func (p *Plane) CreateSession(req CreateSessionRequest) (string, error) {
	e, err := p.reg.Create(registry.CreateSpec{
		Name:             req.Name,
		Command:          req.Command,
		WorkingDirectory: req.WorkingDirectory,
		Env:              req.Env,
		Cols:             req.Cols,
		Rows:             req.Rows,
		TitleMode:        req.TitleMode,
	})
	if err != nil {
		return "", err
	}

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.EventSessionCreated, SessionID: e.Sess.ID(), Name: e.Sess.Name()})
	}

	if p.hist != nil {
		if err := p.hist.Created(context.Background(), e.Sess.ID(), e.Sess.Name(), req.Command, req.WorkingDirectory, e.Sess.PID(), int(req.Cols), int(req.Rows), e.Sess.StartedAt()); err != nil {
			log.Printf("[WARN] history: record creation of %s: %v", e.Sess.ID(), err)
		}
	}

	if p.bus != nil || p.hist != nil {
		go func() {
			<-e.Sess.Exited()
			code, signal := e.Sess.ExitInfo()
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{Type: eventbus.EventSessionExited, SessionID: e.Sess.ID(), ExitCode: code})
			}
			if p.hist != nil {
				if err := p.hist.Exited(context.Background(), e.Sess.ID(), code, signal, time.Now()); err != nil {
					log.Printf("[WARN] history: record exit of %s: %v", e.Sess.ID(), err)
				}
			}
		}()
	}

	return e.Sess.ID(), nil
}

// ListSessions returns the registry's point-in-time summaries.
func (p *Plane) ListSessions() []registry.Summary {
	return p.reg.List()
}

// GetSession returns a session's registry entry.
func (p *Plane) GetSession(id string) (*registry.Entry, error) {
	e, ok := p.reg.Get(id)
	if !ok {
		return nil, apierr.Newf(apierr.SessionNotFound, "no session %s", id)
	}
	return e, nil
}

// KillSession requests termination, SIGTERM by default.
func (p *Plane) KillSession(id string, signal string, timeout time.Duration) error {
	e, err := p.GetSession(id)
	if err != nil {
		return err
	}
	if e.Sess == nil {
		return apierr.New(apierr.NotReattachable, "session was recovered from a prior process and cannot be controlled")
	}
	sig := syscall.SIGTERM
	if signal == "SIGKILL" {
		sig = syscall.SIGKILL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return e.Sess.Kill(sig, timeout)
}

// SendInput delivers bytes to a session's PTY.
func (p *Plane) SendInput(id string, data []byte) error {
	e, err := p.GetSession(id)
	if err != nil {
		return err
	}
	if e.Sess == nil {
		return apierr.New(apierr.NotReattachable, "session was recovered from a prior process and cannot accept input")
	}
	return e.Sess.SendStdin(data)
}

// Resize applies a new terminal geometry.
func (p *Plane) Resize(id string, cols, rows int) error {
	e, err := p.GetSession(id)
	if err != nil {
		return err
	}
	if e.Sess == nil {
		return apierr.New(apierr.NotReattachable, "session was recovered from a prior process and cannot be resized")
	}
	return e.Sess.SendControl(protocol.ControlCommand{Cmd: "resize", Cols: cols, Rows: rows})
}

// SetAppStatus stores and broadcasts an application status record to every
// subscriber except originSubID (0 when the caller isn't itself a
// subscriber, e.g. a plain REST call).
func (p *Plane) SetAppStatus(id string, st protocol.AppStatus, originSubID uint64) error {
	e, err := p.GetSession(id)
	if err != nil {
		return err
	}
	if e.Sess == nil {
		return apierr.New(apierr.NotReattachable, "session was recovered from a prior process")
	}
	e.Sess.SetAppStatus(st, originSubID)
	return nil
}

// SubscribeOutput returns a subscription feeding the output/status/exit
// envelope stream for a session; the caller (an HTTP/WS handler) drives it.
func (p *Plane) SubscribeOutput(id string, kind session.SinkKind) (*session.Subscription, error) {
	e, err := p.GetSession(id)
	if err != nil {
		return nil, err
	}
	if e.Sess == nil {
		return nil, apierr.New(apierr.NotReattachable, "session was recovered from a prior process; only the recording can be tailed")
	}
	return e.Sess.Subscribe(kind), nil
}

// Unsubscribe releases a subscription obtained from SubscribeOutput.
func (p *Plane) Unsubscribe(id string, sub *session.Subscription) error {
	e, err := p.GetSession(id)
	if err != nil {
		return err
	}
	if e.Sess != nil {
		e.Sess.Unsubscribe(sub)
	}
	return nil
}

// TailRecording opens a session's recording file for streaming from the
// given byte offset (0 means from the start); the caller owns the file and
// must close it.
func (p *Plane) TailRecording(id string, fromOffset int64) (*RecordingTail, error) {
	e, err := p.GetSession(id)
	if err != nil {
		return nil, err
	}
	return openRecordingTail(e.Dir, fromOffset)
}

// RemoveSession deletes an exited session's on-disk directory.
func (p *Plane) RemoveSession(id string) error {
	return p.reg.Remove(id)
}
