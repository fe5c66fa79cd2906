package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatzone/internal/message"
	"chatzone/internal/normalize"
)

// Turn is one entry of the assistant conversation context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnreadSummary is the server's view of unread counters and previews.
type UnreadSummary struct {
	Counts map[string]int
	Last   map[string]message.Preview
}

// historyEnvelope accepts both a bare array and {success, messages}.
type historyEnvelope struct {
	records []normalize.Record
}

func (h *historyEnvelope) UnmarshalJSON(data []byte) error {
	var list []normalize.Record
	if err := json.Unmarshal(data, &list); err == nil {
		h.records = list
		return nil
	}
	var wrapped struct {
		Success *bool              `json:"success"`
		Message string             `json:"message"`
		Data    []normalize.Record `json:"data"`
		Records []normalize.Record `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Success != nil && !*wrapped.Success {
		return fmt.Errorf("history request rejected: %s", wrapped.Message)
	}
	h.records = wrapped.Records
	if h.records == nil {
		h.records = wrapped.Data
	}
	return nil
}

// History fetches raw records of the conversation between self and peer.
func (c *Client) History(ctx context.Context, self, peer string) ([]normalize.Record, error) {
	var env historyEnvelope
	q := url.Values{"senderId": {self}, "receiverId": {peer}}
	if err := c.doJSON(ctx, http.MethodGet, "/user/messages", q, nil, &env); err != nil {
		return nil, err
	}
	return env.records, nil
}

// AssistantHistory fetches the assistant conversation of self.
func (c *Client) AssistantHistory(ctx context.Context, self string) ([]normalize.Record, error) {
	var env historyEnvelope
	q := url.Values{"userId": {self}}
	if err := c.doJSON(ctx, http.MethodGet, "/user/ai-messages", q, nil, &env); err != nil {
		return nil, err
	}
	return env.records, nil
}

type savePayload struct {
	ID          string            `json:"_id,omitempty"`
	TempID      string            `json:"tempId,omitempty"`
	FromUser    string            `json:"fromUser"`
	ToUser      string            `json:"toUser"`
	Message     string            `json:"message"`
	MessageType string            `json:"messageType"`
	FileInfo    *message.FileInfo `json:"fileInfo,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func payloadFor(msg message.Message) savePayload {
	p := savePayload{
		ID:          msg.ID,
		TempID:      msg.TempID,
		FromUser:    msg.FromUser,
		ToUser:      msg.ToUser,
		Message:     msg.Text,
		MessageType: string(msg.Kind),
		FileInfo:    msg.File,
		Timestamp:   msg.Timestamp,
	}
	if msg.IsFile() && p.Message == "" {
		p.Message = msg.File.FileURL
	}
	return p
}

// SaveMessage persists a direct message and returns it with the server id
// and timestamp applied.
func (c *Client) SaveMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	return c.save(ctx, "/user/save-message", msg)
}

// SaveAssistantMessage persists a message of the assistant conversation.
func (c *Client) SaveAssistantMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	return c.save(ctx, "/user/save-ai-message", msg)
}

func (c *Client) save(ctx context.Context, path string, msg message.Message) (message.Message, error) {
	var resp map[string]any
	if err := c.doJSON(ctx, http.MethodPost, path, nil, payloadFor(msg), &resp); err != nil {
		return message.Message{}, err
	}
	if ok, present := resp["success"].(bool); present && !ok {
		return message.Message{}, fmt.Errorf("save rejected: %v", resp["message"])
	}
	saved := msg
	src := resp
	if nested, ok := resp["message"].(map[string]any); ok {
		src = nested
	} else if nested, ok := resp["data"].(map[string]any); ok {
		src = nested
	}
	saved.ID = idString(src["_id"])
	if saved.ID == "" {
		saved.ID = idString(resp["_id"])
	}
	if saved.ID == "" {
		return message.Message{}, errors.New("save response carried no id")
	}
	if ts, ok := src["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			saved.Timestamp = t
		}
	}
	saved.Status = message.StatusSent
	return saved, nil
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}

// MarkRead acknowledges that local has read everything from peer.
func (c *Client) MarkRead(ctx context.Context, peer, local string) error {
	body := map[string]string{"senderId": peer, "receiverId": local}
	return c.doJSON(ctx, http.MethodPost, "/user/mark-read", nil, body, nil)
}

// Unread fetches unread counters and last message previews for self.
func (c *Client) Unread(ctx context.Context, self string) (UnreadSummary, error) {
	var resp struct {
		UnreadCounts map[string]int `json:"unreadCounts"`
		LastMessages map[string]struct {
			Message   string `json:"message"`
			Timestamp string `json:"timestamp"`
			IsFile    bool   `json:"isFile"`
		} `json:"lastMessages"`
	}
	q := url.Values{"username": {self}}
	if err := c.doJSON(ctx, http.MethodGet, "/user/unread-messages", q, nil, &resp); err != nil {
		return UnreadSummary{}, err
	}
	out := UnreadSummary{
		Counts: resp.UnreadCounts,
		Last:   make(map[string]message.Preview, len(resp.LastMessages)),
	}
	if out.Counts == nil {
		out.Counts = map[string]int{}
	}
	for peer, last := range resp.LastMessages {
		p := message.Preview{Text: last.Message, IsFile: last.IsFile}
		if t, err := time.Parse(time.RFC3339Nano, last.Timestamp); err == nil {
			p.Timestamp = t
		}
		if p.IsFile && p.Text != "" {
			p.Text = "📎 " + p.Text
		}
		out.Last[peer] = p
	}
	return out, nil
}

// Ask sends a prompt with its context to the assistant and returns the
// reply text.
func (c *Client) Ask(ctx context.Context, prompt string, history []Turn, sender string) (string, error) {
	if history == nil {
		history = []Turn{}
	}
	body := map[string]any{"message": prompt, "chatHistory": history, "senderId": sender}
	var resp struct {
		Success  *bool  `json:"success"`
		Response string `json:"response"`
		Message  string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/user/askSomething", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Success != nil && !*resp.Success {
		return "", fmt.Errorf("assistant rejected request: %s", resp.Message)
	}
	if resp.Response == "" {
		return "", errors.New("assistant returned an empty reply")
	}
	return resp.Response, nil
}
