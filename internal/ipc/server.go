// Package ipc runs the per-session Unix-domain-socket control channel
// (C5): one listener per session, one frame decoder per accepted
// connection, dispatching STDIN_DATA/CONTROL_CMD/STATUS_UPDATE/HEARTBEAT
// frames onto the session and relaying fan-out envelopes back out as
// STATUS_UPDATE/ERROR frames interleaved with raw output.
package ipc

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/vibetunnel/termd/internal/apierr"
	"github.com/vibetunnel/termd/internal/protocol"
	"github.com/vibetunnel/termd/internal/session"
)

// DefaultMaxConnections is the per-session connection cap from §4.5.
const DefaultMaxConnections = 64

// DefaultMaxInflightBytes names a 4 MiB per-client in-flight byte budget.
// Server does not read it: accepted connections have no in-flight byte
// limit, and a slow client is bounded only by its subscription queue.
const DefaultMaxInflightBytes = 4 * 1024 * 1024

// Server listens on one Unix socket and bridges accepted connections to a
// single session.
type Server struct {
	sock    string
	sess    *session.Session
	maxConn int

	listener net.Listener
	connCount int32

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Listen creates (or rebinds, removing a stale file first) the socket at
// sockPath and begins accepting connections for sess.
func Listen(sockPath string, sess *session.Session, maxConn int) (*Server, error) {
	if maxConn <= 0 {
		maxConn = DefaultMaxConnections
	}
	os.Remove(sockPath)

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", sockPath, err)
	}

	s := &Server{
		sock:     sockPath,
		sess:     sess,
		maxConn:  maxConn,
		listener: l,
		closed:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Close stops accepting and disconnects all clients; idempotent.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()
		os.Remove(s.sock)
	})
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				log.Printf("[ERROR] ipc: accept: %v", err)
				return
			}
		}

		if atomic.LoadInt32(&s.connCount) >= int32(s.maxConn) {
			writeErrorFrame(conn, apierr.ConnectionLimit, "too many connections for this session")
			conn.Close()
			continue
		}

		atomic.AddInt32(&s.connCount, 1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer atomic.AddInt32(&s.connCount, -1)
			s.serveConn(conn)
		}()
	}
}

func writeErrorFrame(w interface{ Write([]byte) (int, error) }, code apierr.Code, msg string) {
	payload := protocol.EncodeError(string(code), msg, nil)
	frame := protocol.Encode(protocol.Error, payload)
	w.Write(frame)
}

// DetachedServer rebinds a socket left by a prior process for a session
// that is still running but whose PTY host could not be rebuilt in this
// process (§4.7 step 2). It accepts connections so clients see a clean
// NOT_REATTACHABLE error instead of a connection refused, rather than
// leaving the path silently unbound.
type DetachedServer struct {
	sock      string
	listener  net.Listener
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// ListenDetached binds sockPath without an attached session; every
// connection is immediately told the session is not reattachable and
// dropped.
func ListenDetached(sockPath string) (*DetachedServer, error) {
	os.Remove(sockPath)
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", sockPath, err)
	}
	s := &DetachedServer{sock: sockPath, listener: l, closed: make(chan struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *DetachedServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				return
			}
		}
		writeErrorFrame(conn, apierr.NotReattachable, "session was recovered from a prior process and cannot be reattached over IPC")
		conn.Close()
	}
}

// Close stops accepting and removes the socket file; idempotent.
func (s *DetachedServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()
		os.Remove(s.sock)
	})
	s.wg.Wait()
	return err
}

// serveConn reads frames from one client and forwards its subscription's
// envelopes back out, until either side closes.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	sub := s.sess.Subscribe(session.SinkIPCClient)
	defer s.sess.Unsubscribe(sub)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writerLoop(conn, sub)
	}()

	reader := protocol.NewReader(conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			break
		}
		if err := s.dispatch(conn, frame, sub); err != nil {
			code := apierr.CodeOf(err)
			writeErrorFrame(conn, code, err.Error())
			if code == apierr.MalformedFrame || code == apierr.InvalidMessageType || code == apierr.PayloadTooLarge {
				break
			}
		}
	}

	conn.Close()
	<-writeDone
}

func (s *Server) dispatch(conn net.Conn, frame protocol.Frame, sub *session.Subscription) error {
	switch frame.Type {
	case protocol.StdinData:
		return s.sess.SendStdin(frame.Payload)

	case protocol.ControlCmd:
		cmd, err := protocol.DecodeControlCommand(frame.Payload)
		if err != nil {
			return apierr.Newf(apierr.ControlMessageFailed, "decode control command: %v", err)
		}
		return s.sess.SendControl(cmd)

	case protocol.StatusUpdate:
		st, err := protocol.DecodeAppStatus(frame.Payload)
		if err != nil {
			return apierr.Newf(apierr.MessageProcessingError, "decode status update: %v", err)
		}
		s.sess.SetAppStatus(st, sub.ID())
		return nil

	case protocol.Heartbeat:
		_, werr := conn.Write(protocol.Encode(protocol.Heartbeat, nil))
		return werr

	case protocol.Error:
		var payload protocol.ErrorPayload
		if err := json.Unmarshal(frame.Payload, &payload); err == nil {
			log.Printf("[WARN] ipc: client reported error %s: %s", payload.Code, payload.Message)
		}
		return nil

	default:
		return apierr.Newf(apierr.InvalidMessageType, "unknown frame type %d", frame.Type)
	}
}

// writerLoop drains the subscription and writes each envelope to conn as
// the matching frame type, until the subscription ends or the client is
// gone.
func (s *Server) writerLoop(conn net.Conn, sub *session.Subscription) {
	for {
		select {
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			if err := writeEnvelope(conn, env); err != nil {
				return
			}
			if env.Kind == session.EnvelopeExit {
				return
			}
		case <-sub.Done():
			if sub.EvictReason() != "" {
				writeErrorFrame(conn, apierr.Backpressure, "subscriber evicted: "+sub.EvictReason())
			}
			return
		}
	}
}

// writeEnvelope encodes a fan-out envelope as the wire frame type matching
// its direction. STDIN_DATA's payload is "raw bytes"; the server reuses it
// for the server→client output stream since the wire table defines no
// separate OUTPUT type, and exit/resync have no byte payload of their own
// so they ride on STATUS_UPDATE/ERROR with a small JSON body.
func writeEnvelope(conn net.Conn, env session.Envelope) error {
	switch env.Kind {
	case session.EnvelopeOutput:
		return protocol.WriteFrame(conn, protocol.StdinData, env.Output)
	case session.EnvelopeStatus:
		body, err := json.Marshal(env.Status)
		if err != nil {
			return err
		}
		return protocol.WriteFrame(conn, protocol.StatusUpdate, body)
	case session.EnvelopeExit:
		body := fmt.Sprintf(`{"exitCode":%d}`, env.ExitCode)
		return protocol.WriteFrame(conn, protocol.StatusUpdate, []byte(body))
	case session.EnvelopeResync:
		return protocol.WriteFrame(conn, protocol.Error, protocol.EncodeError("RESYNC", "subscriber resynchronized after drop", nil))
	}
	return nil
}
