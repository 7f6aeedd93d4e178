package view

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chatter/internal/models"
)

// DefaultTypingExpiry is how long a typist stays displayed without being
// confirmed by a newer update.
const DefaultTypingExpiry = 3 * time.Second

// TypingDisplay is the typing set as shown to the user. Updates from the typing
// stream are authoritative; in addition every entry expires on its own so a
// lost leave signal cannot leave someone typing forever.
type TypingDisplay struct {
	expiry  time.Duration
	changed chan struct{}

	mu      sync.Mutex
	entries map[string]*typingEntry
}

type typingEntry struct {
	typist models.Typist
	timer  *time.Timer
	gen    uint64
}

func NewTypingDisplay(expiry time.Duration) *TypingDisplay {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingDisplay{
		expiry:  expiry,
		changed: make(chan struct{}, 1),
		entries: make(map[string]*typingEntry),
	}
}

// Changed is signalled whenever an entry expires on its own.
func (d *TypingDisplay) Changed() <-chan struct{} { return d.changed }

// Update replaces the displayed set with list and re-arms the expiry of every
// listed typist.
func (d *TypingDisplay) Update(list []models.Typist) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keep := make(map[string]bool, len(list))
	for _, t := range list {
		keep[t.UserID] = true
		if e, ok := d.entries[t.UserID]; ok {
			e.typist = t
			e.timer.Stop()
			e.timer = d.armLocked(t.UserID, e)
			continue
		}
		e := &typingEntry{typist: t}
		e.timer = d.armLocked(t.UserID, e)
		d.entries[t.UserID] = e
	}
	for id, e := range d.entries {
		if !keep[id] {
			e.timer.Stop()
			delete(d.entries, id)
		}
	}
}

func (d *TypingDisplay) armLocked(id string, e *typingEntry) *time.Timer {
	e.gen++
	gen := e.gen
	return time.AfterFunc(d.expiry, func() { d.expire(id, e, gen) })
}

func (d *TypingDisplay) expire(id string, e *typingEntry, gen uint64) {
	d.mu.Lock()
	// Replaced or re-armed since this timer was set.
	if d.entries[id] != e || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.entries, id)
	d.mu.Unlock()

	select {
	case d.changed <- struct{}{}:
	default:
	}
}

// Typists returns the displayed typists ordered by username.
func (d *TypingDisplay) Typists() []models.Typist {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Typist, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.typist)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Label renders the indicator line, or "" when nobody is typing.
func (d *TypingDisplay) Label() string {
	list := d.Typists()
	switch len(list) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", list[0].Username)
	case 2:
		return fmt.Sprintf("%s and %s are typing...", list[0].Username, list[1].Username)
	default:
		return "Several people are typing..."
	}
}

// Close stops every pending expiry.
func (d *TypingDisplay) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, id)
	}
}
