package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"chatzone/internal/chat"
)

// TUIDisplay renders the focused conversation and the contact list using
// tview. Selecting a contact focuses it; the input line accepts the same
// commands as the CLI.
type TUIDisplay struct {
	app      *tview.Application
	messages *tview.TextView
	contacts *tview.List
	status   *tview.TextView
	input    *tview.InputField
	once     sync.Once

	mu    sync.Mutex
	names []string
}

func NewTUIDisplay(submit func(string)) *TUIDisplay {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetRegions(false).
		SetScrollable(true)
	messages.SetBorder(true).SetTitle("Chat")

	contacts := tview.NewList().ShowSecondaryText(true)
	contacts.SetBorder(true).SetTitle("Contacts")

	status := tview.NewTextView().SetDynamicColors(true)

	input := tview.NewInputField().
		SetLabel("> ").
		SetFieldTextColor(tcell.ColorWhite)

	td := &TUIDisplay{
		app:      tview.NewApplication(),
		messages: messages,
		contacts: contacts,
		status:   status,
		input:    input,
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			text := strings.TrimSpace(input.GetText())
			if text != "" {
				go submit(text)
			}
			input.SetText("")
		}
	})
	contacts.SetSelectedFunc(func(i int, _ string, _ string, _ rune) {
		td.mu.Lock()
		var name string
		if i >= 0 && i < len(td.names) {
			name = td.names[i]
		}
		td.mu.Unlock()
		if name != "" {
			go submit("/chat " + name)
		}
		td.app.SetFocus(input)
	})

	chatPane := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, false).
		AddItem(status, 1, 0, false).
		AddItem(input, 3, 0, true)
	layout := tview.NewFlex().
		AddItem(contacts, 30, 0, false).
		AddItem(chatPane, 0, 1, true)

	td.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab {
			if td.app.GetFocus() == input {
				td.app.SetFocus(contacts)
			} else {
				td.app.SetFocus(input)
			}
			return nil
		}
		return ev
	})
	td.app.SetRoot(layout, true).EnableMouse(true)
	return td
}

func (t *TUIDisplay) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	return t.app.Run()
}

func (t *TUIDisplay) Stop() {
	t.once.Do(func() { t.app.Stop() })
}

func (t *TUIDisplay) ShowConversation(peer string, lines []Line) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(tuiLine(l))
		b.WriteByte('\n')
	}
	content := b.String()
	t.app.QueueUpdateDraw(func() {
		t.messages.SetTitle("Chat with " + tview.Escape(peer))
		t.messages.SetText(content)
		t.messages.ScrollToEnd()
	})
}

func tuiLine(l Line) string {
	ts := l.Timestamp.Format("15:04:05")
	body := tview.Escape(messageBody(l.Message))
	name := tview.Escape(l.FromUser)
	switch l.State {
	case StatePending:
		return fmt.Sprintf("[yellow][%s][-] [lightgreen]%s[-]: %s [gray]%s[-]", ts, name, body, tview.Escape(stateSuffix(l)))
	case StateFailed:
		return fmt.Sprintf("[yellow][%s][-] [red]%s[-]: %s [red]%s[-]", ts, name, body, tview.Escape(stateSuffix(l)))
	}
	return fmt.Sprintf("[yellow][%s][-] [lightgreen]%s[-]: %s", ts, name, body)
}

func (t *TUIDisplay) ShowSystem(text string) {
	content := fmt.Sprintf("[green]%s[-]", tview.Escape(text))
	t.app.QueueUpdateDraw(func() {
		t.status.SetText(content)
	})
}

func (t *TUIDisplay) UpdateContacts(contacts []chat.ContactView, total int) {
	names := make([]string, 0, len(contacts))
	for _, c := range contacts {
		names = append(names, c.Name)
	}
	t.mu.Lock()
	t.names = names
	t.mu.Unlock()
	t.app.QueueUpdateDraw(func() {
		t.contacts.SetTitle(fmt.Sprintf("Contacts (%d unread)", total))
		t.contacts.Clear()
		for _, c := range contacts {
			t.contacts.AddItem(contactLabel(c), contactDetail(c), 0, nil)
		}
	})
}

func contactLabel(c chat.ContactView) string {
	dot := "[gray]○[-]"
	if c.Online {
		dot = "[green]●[-]"
	}
	label := fmt.Sprintf("%s %s", dot, tview.Escape(c.Name))
	if c.Unread > 0 {
		label += fmt.Sprintf(" [orange](%d)[-]", c.Unread)
	}
	return label
}

func contactDetail(c chat.ContactView) string {
	if c.Typing {
		return "typing…"
	}
	if c.Preview == nil {
		return ""
	}
	return tview.Escape(c.Preview.Text)
}

func (t *TUIDisplay) ShowNotification(n Notification) {
	content := fmt.Sprintf("[red]%s[-]", tview.Escape(n.Text))
	t.app.QueueUpdateDraw(func() {
		t.status.SetText(content)
	})
}
