package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chatzone/internal/chat"
	"chatzone/internal/message"
	"chatzone/internal/metrics"
	"chatzone/internal/pipeline"
)

// Controller is the write side of the session driven by typed input.
type Controller interface {
	Focus(ctx context.Context, peer string) error
	SendText(ctx context.Context, text string) (message.Message, error)
	SendFile(ctx context.Context, f pipeline.FileSend) (message.Message, error)
	Retry(ctx context.Context, tempID string) (message.Message, error)
	Contacts() []chat.ContactView
	Metrics() *metrics.Metrics
}

// ErrQuit is returned by ProcessLine for /quit.
var ErrQuit = errors.New("quit")

const helpText = "commands: /chat <name> /file <path> /retry <tempId> /contacts /stats /quit"

// Commands turns input lines into session calls and reports results to a
// sink.
type Commands struct {
	ctl  Controller
	sink Sink
}

func NewCommands(ctl Controller, sink Sink) *Commands {
	return &Commands{ctl: ctl, sink: sink}
}

// ReadInput processes lines from reader until EOF, /quit, or ctx ends.
func (c *Commands) ReadInput(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.ProcessLine(ctx, scanner.Text()); errors.Is(err, ErrQuit) {
			return err
		}
	}
	return scanner.Err()
}

// ProcessLine handles one line. Plain text is sent to the focused peer.
func (c *Commands) ProcessLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "/") {
		return c.handleCommand(ctx, line)
	}
	if _, err := c.ctl.SendText(ctx, line); err != nil {
		c.sink.ShowSystem(fmt.Sprintf("not sent: %v", err))
		return err
	}
	return nil
}

func (c *Commands) handleCommand(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/chat", "/focus":
		if len(parts) < 2 {
			c.sink.ShowSystem("usage: /chat <name>")
			return nil
		}
		peer := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))
		if err := c.ctl.Focus(ctx, peer); err != nil {
			c.sink.ShowSystem(fmt.Sprintf("history unavailable: %v", err))
			return err
		}
	case "/file":
		if len(parts) < 2 {
			c.sink.ShowSystem("usage: /file <path>")
			return nil
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))
		if err := c.sendFile(ctx, path); err != nil {
			c.sink.ShowSystem(fmt.Sprintf("file not sent: %v", err))
			return err
		}
	case "/retry":
		if len(parts) < 2 {
			c.sink.ShowSystem("usage: /retry <tempId>")
			return nil
		}
		if _, err := c.ctl.Retry(ctx, parts[1]); err != nil {
			c.sink.ShowSystem(fmt.Sprintf("retry failed: %v", err))
			return err
		}
	case "/contacts":
		c.sink.ShowSystem(formatContacts(c.ctl.Contacts()))
	case "/stats":
		c.sink.ShowSystem(c.ctl.Metrics().Snapshot().String())
	case "/quit":
		return ErrQuit
	default:
		c.sink.ShowSystem(helpText)
	}
	return nil
}

func (c *Commands) sendFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = c.ctl.SendFile(ctx, pipeline.FileSend{
		Name: filepath.Base(path),
		Size: info.Size(),
		Body: f,
	})
	return err
}

func formatContacts(contacts []chat.ContactView) string {
	if len(contacts) == 0 {
		return "no contacts"
	}
	parts := make([]string, 0, len(contacts))
	for _, ct := range contacts {
		status := "offline"
		if ct.Online {
			status = "online"
		}
		entry := fmt.Sprintf("%s (%s", ct.Name, status)
		if ct.Unread > 0 {
			entry += fmt.Sprintf(", %d unread", ct.Unread)
		}
		if ct.Typing {
			entry += ", typing"
		}
		parts = append(parts, entry+")")
	}
	return strings.Join(parts, " | ")
}
