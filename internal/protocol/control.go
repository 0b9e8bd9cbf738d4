package protocol

import "encoding/json"

// ControlCommand is the decoded shape of a CONTROL_CMD frame's JSON payload.
// Unrecognized fields beyond Cmd/Cols/Rows/Signal are discarded, matching
// the "schema-loose, discard extras" strategy for this message kind.
type ControlCommand struct {
	Cmd    string `json:"cmd"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// DecodeControlCommand parses a CONTROL_CMD payload.
func DecodeControlCommand(payload []byte) (ControlCommand, error) {
	var cmd ControlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return ControlCommand{}, err
	}
	return cmd, nil
}

// AppStatus is the decoded shape of a STATUS_UPDATE frame's JSON payload.
// Extras is preserved verbatim and re-emitted on broadcast, per the
// "preserve unknown fields" strategy for this message kind.
type AppStatus struct {
	App    string                 `json:"app"`
	Status string                 `json:"status"`
	Extras map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extras alongside App/Status.
func (s AppStatus) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Extras)+2)
	for k, v := range s.Extras {
		out[k] = v
	}
	out["app"] = s.App
	out["status"] = s.Status
	return json.Marshal(out)
}

// UnmarshalJSON captures App/Status plus any remaining fields as Extras.
func (s *AppStatus) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if app, ok := raw["app"].(string); ok {
		s.App = app
	}
	if status, ok := raw["status"].(string); ok {
		s.Status = status
	}
	delete(raw, "app")
	delete(raw, "status")
	s.Extras = raw
	return nil
}

// DecodeAppStatus parses a STATUS_UPDATE payload.
func DecodeAppStatus(payload []byte) (AppStatus, error) {
	var st AppStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return AppStatus{}, err
	}
	return st, nil
}

// ErrorPayload is the JSON body of an ERROR frame sent server-to-client.
type ErrorPayload struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// EncodeError builds an ERROR frame's payload.
func EncodeError(code, message string, details interface{}) []byte {
	b, _ := json.Marshal(ErrorPayload{Code: code, Message: message, Details: details})
	return b
}
