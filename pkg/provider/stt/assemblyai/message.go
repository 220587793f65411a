package assemblyai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/voicescribe/pkg/provider/stt"
)

// message is the union of the inbound fields the assembler cares about.
type message struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	SessionID       string `json:"session_id"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
}

// parseMessage decodes one inbound text message. Message types are matched
// case-insensitively; both the current and the legacy spellings are accepted.
func parseMessage(data []byte) (stt.Event, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Event{}, fmt.Errorf("assemblyai: decode message: %w", err)
	}
	switch strings.ToLower(m.Type) {
	case "begin", "session.begins":
		id := m.ID
		if id == "" {
			id = m.SessionID
		}
		return stt.Event{Kind: stt.EventSessionBegin, SessionID: id}, nil
	case "turn":
		return stt.Event{
			Kind:      stt.EventTurn,
			Text:      m.Transcript,
			Formatted: m.TurnIsFormatted,
			EndOfTurn: m.EndOfTurn,
		}, nil
	case "termination", "session.terminated":
		return stt.Event{Kind: stt.EventSessionEnd}, nil
	default:
		return stt.Event{Kind: stt.EventUnknown, Raw: json.RawMessage(append([]byte(nil), data...))}, nil
	}
}
