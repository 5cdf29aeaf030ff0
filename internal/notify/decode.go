package notify

import (
	"encoding/json"
	"fmt"

	"github.com/rxcare/rxcare/internal/domain/patient"
)

func recordEmail(raw json.RawMessage) string {
	var r struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	return r.Email
}

// Decode parses an event as written to the change topic
func Decode(data []byte) (*patient.Event, error) {
	var e patient.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode change event: %w", err)
	}
	if e.ID == "" || e.EventType == "" {
		return nil, fmt.Errorf("decode change event: missing id or type")
	}
	return &e, nil
}
