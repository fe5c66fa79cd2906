package ui

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"chatzone/internal/chat"
	"chatzone/internal/message"
)

const (
	ansiReset = "\x1b[0m"
	ansiTime  = "\x1b[36m"
	ansiName  = "\x1b[33m"
	ansiFail  = "\x1b[31m"
	ansiSys   = "\x1b[32m"
)

// CLIDisplay prints conversation lines as they appear or change state.
type CLIDisplay struct {
	color bool
	out   io.Writer

	mu      sync.Mutex
	peer    string
	printed map[string]string
	total   int
}

func NewCLIDisplay(out io.Writer, color bool) *CLIDisplay {
	if out == nil {
		out = os.Stdout
	}
	return &CLIDisplay{color: color, out: out, printed: make(map[string]string)}
}

func (c *CLIDisplay) ShowConversation(peer string, lines []Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peer != c.peer {
		c.peer = peer
		c.printed = make(map[string]string)
	}
	for _, l := range lines {
		k := l.key()
		if prev, ok := c.printed[k]; ok && prev == l.State {
			continue
		}
		c.printed[k] = l.State
		fmt.Fprintln(c.out, c.formatLine(l))
	}
}

func (c *CLIDisplay) ShowSystem(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	if c.color {
		fmt.Fprintf(c.out, "%s[%s]%s %sSYSTEM%s: %s\n", ansiTime, ts, ansiReset, ansiSys, ansiReset, text)
		return
	}
	fmt.Fprintf(c.out, "[%s] SYSTEM: %s\n", ts, text)
}

// UpdateContacts prints the unread total when it changes.
func (c *CLIDisplay) UpdateContacts(contacts []chat.ContactView, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if total == c.total {
		return
	}
	c.total = total
	var parts []string
	for _, ct := range contacts {
		if ct.Unread > 0 {
			parts = append(parts, fmt.Sprintf("%s(%d)", ct.Name, ct.Unread))
		}
	}
	msg := fmt.Sprintf("unread: %d", total)
	if len(parts) > 0 {
		msg += " " + strings.Join(parts, ", ")
	}
	if c.color {
		fmt.Fprintf(c.out, "%s[contacts]%s %s\n", ansiSys, ansiReset, msg)
		return
	}
	fmt.Fprintf(c.out, "[contacts] %s\n", msg)
}

func (c *CLIDisplay) ShowNotification(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := n.Timestamp.Format("15:04:05")
	line := fmt.Sprintf("[%s] %s: %s", ts, strings.ToUpper(n.Level), n.Text)
	if n.TempID != "" {
		line += fmt.Sprintf(" (/retry %s)", n.TempID)
	}
	if c.color {
		fmt.Fprintf(c.out, "%s%s%s\n", ansiFail, line, ansiReset)
		return
	}
	fmt.Fprintln(c.out, line)
}

func (c *CLIDisplay) formatLine(l Line) string {
	ts := l.Timestamp.Format("15:04:05")
	body := messageBody(l.Message)
	suffix := stateSuffix(l)
	if c.color {
		nameColor := ansiName
		if l.State == StateFailed {
			nameColor = ansiFail
		}
		return fmt.Sprintf("%s[%s]%s %s%s%s: %s%s", ansiTime, ts, ansiReset, nameColor, l.FromUser, ansiReset, body, suffix)
	}
	return fmt.Sprintf("[%s] %s: %s%s", ts, l.FromUser, body, suffix)
}

func messageBody(m message.Message) string {
	if m.IsFile() && m.File != nil {
		return fmt.Sprintf("[file: %s]", m.File.FileName)
	}
	return m.Text
}

func stateSuffix(l Line) string {
	switch l.State {
	case StatePending:
		if l.IsFile() && l.Progress > 0 {
			return fmt.Sprintf(" (sending %d%%)", l.Progress)
		}
		return " (sending)"
	case StateFailed:
		return fmt.Sprintf(" (failed, /retry %s)", l.TempID)
	}
	return ""
}

// ShouldUseColor determines if ANSI coloring should be enabled for CLI output.
func ShouldUseColor(disable bool) bool {
	if disable {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if runtime.GOOS == "windows" {
		if os.Getenv("WT_SESSION") != "" || os.Getenv("ANSICON") != "" || strings.EqualFold(os.Getenv("ConEmuANSI"), "ON") {
			return true
		}
		return false
	}
	return true
}
