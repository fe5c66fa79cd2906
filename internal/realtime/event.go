// Package realtime is the websocket event channel to the chat backend.
package realtime

import (
	"encoding/json"
	"strings"
)

const (
	EventMessage     = "message"
	EventPeerOnline  = "peer-online"
	EventPeerOffline = "peer-offline"
	EventUsers       = "update-users"
	EventRegister    = "register-user"
)

var aliases = map[string]string{
	"private-message":   EventMessage,
	"user-connected":    EventPeerOnline,
	"user-disconnected": EventPeerOffline,
	"online-users":      EventUsers,
}

// Event is one websocket frame: {"event": name, "data": payload}.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Canonical maps backend event aliases to the names used by this client.
func Canonical(name string) string {
	if c, ok := aliases[name]; ok {
		return c
	}
	return name
}

// PeerName extracts a user name from a presence payload, which may be a
// bare string or an object carrying a name.
func (e Event) PeerName() string {
	var name string
	if err := json.Unmarshal(e.Data, &name); err == nil {
		return strings.TrimSpace(name)
	}
	var obj map[string]any
	if err := json.Unmarshal(e.Data, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"username", "name", "userId", "user"} {
		if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Users extracts the list of online users from an update-users payload.
func (e Event) Users() []string {
	var list []json.RawMessage
	if err := json.Unmarshal(e.Data, &list); err != nil {
		var wrapped struct {
			Users []json.RawMessage `json:"users"`
		}
		if err := json.Unmarshal(e.Data, &wrapped); err != nil {
			return nil
		}
		list = wrapped.Users
	}
	out := make([]string, 0, len(list))
	for _, raw := range list {
		if name := (Event{Data: raw}).PeerName(); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// NewEvent encodes data as the payload of event name.
func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: raw}, nil
}
