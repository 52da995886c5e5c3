package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"bongo/internal/state"
)

// Kind identifies a control message.
type Kind int

const (
	SetRate Kind = iota + 1
	EnableAdaptive
	NextImage
	Status
)

// Wire names. SetFps and EnableAi are what deployed clients send; the
// longer names are accepted as aliases.
var kindNames = map[Kind]string{
	SetRate:        "SetFps",
	EnableAdaptive: "EnableAi",
	NextImage:      "NextImage",
	Status:         "Status",
}

var nameKinds = map[string]Kind{
	"SetFps":         SetRate,
	"SetRate":        SetRate,
	"EnableAi":       EnableAdaptive,
	"EnableAdaptive": EnableAdaptive,
	"NextImage":      NextImage,
	"Status":         Status,
}

// ErrUnknownMessage is returned when decoding a message whose tag is not
// recognised.
var ErrUnknownMessage = errors.New("unknown control message")

// Message is one request. Rate is only meaningful for SetRate.
type Message struct {
	Kind Kind
	Rate float64
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HasReply reports whether the server answers this kind of message.
func (k Kind) HasReply() bool {
	return k == NextImage || k == Status
}

// MarshalJSON encodes unit variants as a bare string and SetRate as a
// single-key object: "NextImage", {"SetFps":12.5}.
func (m Message) MarshalJSON() ([]byte, error) {
	name, ok := kindNames[m.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, m.Kind)
	}
	if m.Kind == SetRate {
		return json.Marshal(map[string]float64{name: m.Rate})
	}
	return json.Marshal(name)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		kind, ok := nameKinds[name]
		if !ok || kind == SetRate {
			return fmt.Errorf("%w: %q", ErrUnknownMessage, name)
		}
		*m = Message{Kind: kind}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if len(obj) != 1 {
		return fmt.Errorf("%w: expected one tag, got %d", ErrUnknownMessage, len(obj))
	}
	for name, raw := range obj {
		kind, ok := nameKinds[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownMessage, name)
		}
		if kind != SetRate {
			// Unit variants may also arrive as {"NextImage":null}.
			if string(raw) != "null" {
				return fmt.Errorf("%w: %q takes no value", ErrUnknownMessage, name)
			}
			*m = Message{Kind: kind}
			return nil
		}
		var rate float64
		if err := json.Unmarshal(raw, &rate); err != nil {
			return fmt.Errorf("invalid rate: %w", err)
		}
		*m = Message{Kind: SetRate, Rate: rate}
	}
	return nil
}

// StatusReply is the answer to Status.
type StatusReply struct {
	Rate              float64    `json:"rate"`
	Mode              state.Mode `json:"mode"`
	ControllerRunning bool       `json:"controller_running"`
}
