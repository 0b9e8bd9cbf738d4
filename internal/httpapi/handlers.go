package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vibetunnel/termd/internal/apierr"
	"github.com/vibetunnel/termd/internal/control"
	"github.com/vibetunnel/termd/internal/protocol"
	"github.com/vibetunnel/termd/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apierr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apierr.SessionNotFound:
		status = http.StatusNotFound
	case apierr.InvalidOperation, apierr.InvalidMessageType, apierr.MalformedFrame, apierr.PathTooLong:
		status = http.StatusBadRequest
	case apierr.SessionExited, apierr.AlreadyExited, apierr.NotReattachable:
		status = http.StatusConflict
	case apierr.ConnectionLimit, apierr.Backpressure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, protocol.ErrorPayload{Code: string(code), Message: err.Error()})
}

type createSessionRequest struct {
	Name             string            `json:"name"`
	Command          []string          `json:"command"`
	WorkingDirectory string            `json:"workingDirectory"`
	Env              map[string]string `json:"env"`
	Cols             int               `json:"cols"`
	Rows             int               `json:"rows"`
	TitleMode        string            `json:"titleMode"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: string(apierr.MalformedFrame), Message: err.Error()})
		return
	}
	if len(req.Command) == 0 {
		req.Command = []string{"/bin/sh"}
	}
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}

	id, err := s.plane.CreateSession(control.CreateSessionRequest{
		Name:             req.Name,
		Command:          req.Command,
		WorkingDirectory: req.WorkingDirectory,
		Env:              req.Env,
		Cols:             uint16(req.Cols),
		Rows:             uint16(req.Rows),
		TitleMode:        session.TitleMode(req.TitleMode),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.ListSessions())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.plane.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"id":       id,
		"detached": e.Detached,
	}
	if e.Sess != nil {
		resp["name"] = e.Sess.Name()
		resp["pid"] = e.Sess.PID()
		resp["status"] = e.Sess.Status()
		resp["startedAt"] = e.Sess.StartedAt()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.plane.RemoveSession(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type killRequest struct {
	Signal  string `json:"signal"`
	Timeout int    `json:"timeoutSeconds"`
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req killRequest
	json.NewDecoder(r.Body).Decode(&req)
	timeout := time.Duration(req.Timeout) * time.Second
	if err := s.plane.KillSession(id, req.Signal, timeout); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inputRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: string(apierr.MalformedFrame), Message: err.Error()})
		return
	}
	if err := s.plane.SendInput(id, []byte(req.Data)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: string(apierr.MalformedFrame), Message: err.Error()})
		return
	}
	if err := s.plane.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var st protocol.AppStatus
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: string(apierr.MalformedFrame), Message: err.Error()})
		return
	}
	if err := s.plane.SetAppStatus(id, st, 0); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTailRecording streams the asciinema-style recording file from the
// beginning as newline-delimited JSON, chunked over a plain HTTP response.
func (s *Server) handleTailRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tail, err := s.plane.TailRecording(id, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	defer tail.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	for {
		line, err := tail.ReadLine()
		if line != "" {
			w.Write([]byte(line))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
