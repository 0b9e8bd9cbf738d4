package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vibetunnel/termd/internal/protocol"
	"github.com/vibetunnel/termd/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type resizeMsg struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type statusMsg struct {
	App    string                 `json:"app"`
	Status string                 `json:"status"`
	Extras map[string]interface{} `json:"extras,omitempty"`
}

// handleSessionWS is the streaming endpoint: the client receives output,
// status, and exit envelopes as WebSocket frames and sends input/resize/
// status-update control messages back as JSON text frames.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.plane.SubscribeOutput(id, session.SinkWSClient)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] websocket upgrade failed for session %s: %v", id, err)
		s.plane.Unsubscribe(id, sub)
		return
	}
	defer conn.Close()
	defer s.plane.Unsubscribe(id, sub)

	if rows := r.URL.Query().Get("rows"); rows != "" {
		if cols := r.URL.Query().Get("cols"); cols != "" {
			rv, rerr := strconv.Atoi(rows)
			cv, cerr := strconv.Atoi(cols)
			if rerr == nil && cerr == nil {
				s.plane.Resize(id, cv, rv)
			}
		}
	}

	go s.streamEnvelopes(conn, sub)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WARN] websocket read error on session %s: %v", id, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.Type != "" {
			switch msg.Type {
			case "input":
				var input string
				if err := json.Unmarshal(msg.Data, &input); err == nil {
					if err := s.plane.SendInput(id, []byte(input)); err != nil {
						log.Printf("[WARN] input to session %s failed: %v", id, err)
					}
				}
			case "resize":
				var resize resizeMsg
				if err := json.Unmarshal(msg.Data, &resize); err == nil {
					if err := s.plane.Resize(id, resize.Cols, resize.Rows); err != nil {
						log.Printf("[WARN] resize of session %s failed: %v", id, err)
					}
				}
			case "status":
				var st statusMsg
				if err := json.Unmarshal(msg.Data, &st); err == nil {
					s.plane.SetAppStatus(id, protocol.AppStatus{App: st.App, Status: st.Status, Extras: st.Extras}, sub.ID())
				}
			}
			continue
		}

		// Raw bytes with no JSON envelope are treated as stdin.
		if err := s.plane.SendInput(id, data); err != nil {
			log.Printf("[WARN] input to session %s failed: %v", id, err)
		}
	}
}

func (s *Server) streamEnvelopes(conn *websocket.Conn, sub *session.Subscription) {
	for {
		select {
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			if err := writeEnvelope(conn, env); err != nil {
				return
			}
		case <-sub.Done():
			return
		}
	}
}

func writeEnvelope(conn *websocket.Conn, env session.Envelope) error {
	switch env.Kind {
	case session.EnvelopeOutput:
		return conn.WriteMessage(websocket.BinaryMessage, env.Output)
	case session.EnvelopeStatus:
		body, err := json.Marshal(map[string]interface{}{"type": "status", "data": env.Status})
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, body)
	case session.EnvelopeExit:
		body, _ := json.Marshal(map[string]interface{}{"type": "exit", "data": map[string]int{"exitCode": env.ExitCode}})
		return conn.WriteMessage(websocket.TextMessage, body)
	case session.EnvelopeResync:
		body, _ := json.Marshal(map[string]interface{}{"type": "resync"})
		return conn.WriteMessage(websocket.TextMessage, body)
	}
	return nil
}
