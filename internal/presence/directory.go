// Package presence tracks known contacts and which of them are online.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type Contact struct {
	Name      string    `json:"name"`
	Online    bool      `json:"online"`
	Assistant bool      `json:"assistant,omitempty"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}

type entry struct {
	name     string
	online   bool
	lastSeen time.Time
}

// Directory holds contacts keyed case-insensitively. The local user is
// never listed; the assistant is always listed first and online.
type Directory struct {
	self      string
	assistant string
	now       func() time.Time

	mu     sync.RWMutex
	byName map[string]*entry
}

func New(self, assistant string) *Directory {
	return &Directory{
		self:      self,
		assistant: assistant,
		now:       time.Now,
		byName:    make(map[string]*entry),
	}
}

func (d *Directory) skip(name string) bool {
	return name == "" || strings.EqualFold(name, d.self) || strings.EqualFold(name, d.assistant)
}

func (d *Directory) get(name string) *entry {
	key := strings.ToLower(name)
	e, ok := d.byName[key]
	if !ok {
		e = &entry{name: name}
		d.byName[key] = e
	}
	return e
}

// SetUsers replaces the known contact list. Presence of contacts that stay
// listed is kept.
func (d *Directory) SetUsers(names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make(map[string]*entry, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if d.skip(name) {
			continue
		}
		key := strings.ToLower(name)
		if e, ok := d.byName[key]; ok {
			e.name = name
			next[key] = e
			continue
		}
		next[key] = &entry{name: name}
	}
	d.byName = next
}

// MarkOnline records name as online, adding it when unknown.
func (d *Directory) MarkOnline(name string) {
	name = strings.TrimSpace(name)
	if d.skip(name) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.get(name)
	e.online = true
	e.lastSeen = d.now()
}

func (d *Directory) MarkOffline(name string) {
	name = strings.TrimSpace(name)
	if d.skip(name) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.get(name)
	if e.online {
		e.lastSeen = d.now()
	}
	e.online = false
}

// SetOnline applies a full online list: listed users are online, everyone
// else is offline.
func (d *Directory) SetOnline(names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	online := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if d.skip(name) {
			continue
		}
		online[strings.ToLower(name)] = struct{}{}
		e := d.get(name)
		e.online = true
		e.lastSeen = now
	}
	for key, e := range d.byName {
		if _, ok := online[key]; !ok {
			e.online = false
		}
	}
}

// Resolve finds the canonical spelling of a contact name.
func (d *Directory) Resolve(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token != "" && strings.EqualFold(token, d.assistant) {
		return d.assistant, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.byName[strings.ToLower(token)]; ok {
		return e.name, true
	}
	return "", false
}

func (d *Directory) IsOnline(name string) bool {
	if strings.EqualFold(name, d.assistant) {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byName[strings.ToLower(name)]
	return ok && e.online
}

// Snapshot lists the assistant first, then contacts by name.
func (d *Directory) Snapshot() []Contact {
	d.mu.RLock()
	list := make([]Contact, 0, len(d.byName)+1)
	for _, e := range d.byName {
		list = append(list, Contact{Name: e.name, Online: e.online, LastSeen: e.lastSeen})
	}
	d.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return strings.ToLower(list[i].Name) < strings.ToLower(list[j].Name)
	})
	if d.assistant == "" {
		return list
	}
	return append([]Contact{{Name: d.assistant, Online: true, Assistant: true}}, list...)
}

func (d *Directory) Reset() {
	d.mu.Lock()
	d.byName = make(map[string]*entry)
	d.mu.Unlock()
}
