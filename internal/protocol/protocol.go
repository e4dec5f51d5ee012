// Package protocol defines the JSON messages of the control API.
package protocol

import "encoding/json"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// TypeText runs a markup string
	TypeText MessageType = "text"

	// TypeKey presses, releases or clicks one key
	TypeKey MessageType = "key"

	// TypeButton presses, releases or clicks one pointer button
	TypeButton MessageType = "button"

	TypeMove   MessageType = "move"
	TypeScroll MessageType = "scroll"

	// TypeReleaseAll releases everything the daemon holds
	TypeReleaseAll MessageType = "release_all"

	// TypeStatus asks for the status, and is also sent to every client
	// when the set of held keys changes
	TypeStatus MessageType = "status"

	// TypeResult answers a command with the same ID
	TypeResult MessageType = "result"
)

// Message is the generic container for all WebSocket messages
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a message
func NewMessage(typ MessageType, id string, payload any) (Message, error) {
	msg := Message{Type: typ, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return msg, err
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// TextPayload is the payload for TypeText
type TextPayload struct {
	Text string `json:"text"`
}

// KeyPayload is the payload for TypeKey
type KeyPayload struct {
	Key       string `json:"key"`       // special name, layout name or one character
	Direction string `json:"direction"` // press, release or click (default)
}

// ButtonPayload is the payload for TypeButton
type ButtonPayload struct {
	Button    string `json:"button"`
	Direction string `json:"direction"`
}

// MovePayload is the payload for TypeMove
type MovePayload struct {
	X        int32 `json:"x"`
	Y        int32 `json:"y"`
	Relative bool  `json:"relative"`
}

// ScrollPayload is the payload for TypeScroll
type ScrollPayload struct {
	Amount     int32 `json:"amount"`
	Horizontal bool  `json:"horizontal"`
}

// StatusPayload is the payload for TypeStatus
type StatusPayload struct {
	Backend   string   `json:"backend"`
	Held      []string `json:"held"`
	Modifiers string   `json:"modifiers"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
}

// ResultPayload is the payload for TypeResult
type ResultPayload struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *StatusPayload `json:"status,omitempty"`
}
