// Package directory keeps the local view of the contact list and each
// contact's presence, fed by a remote directory service and by
// presence-update envelopes from the relay.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duocall/duocall/internal/signaling"
)

var ErrNotFound = errors.New("directory: contact not found")

// Entry is one contact plus its last known presence.
type Entry struct {
	Contact  signaling.Contact
	Online   bool
	LastSeen *time.Time
}

// Service is the remote directory surface. Implementations fetch and
// create contacts; presence flows separately through the relay.
type Service interface {
	Contacts(ctx context.Context) ([]signaling.Contact, error)
	Create(ctx context.Context, c signaling.Contact) (signaling.Contact, error)
}

// Store is the in-memory contact registry. It merges the fetched contact
// list with relay presence and serves ordered snapshots to presentation.
type Store struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

func NewStore(log *slog.Logger) *Store {
	return &Store{
		log:     log,
		entries: make(map[string]*Entry),
	}
}

// Attach subscribes the store to relay presence updates.
func (s *Store) Attach(sub interface {
	Subscribe(signaling.Kind, signaling.Handler)
}) {
	sub.Subscribe(signaling.KindPresence, func(f signaling.Frame) {
		p, err := f.Presence()
		if err != nil {
			s.log.Warn("malformed presence update dropped", "err", err)
			return
		}
		s.ApplyPresence(p)
	})
}

// Replace swaps the whole contact list, keeping presence already learned
// for contacts that survive.
func (s *Store) Replace(contacts []signaling.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*Entry, len(contacts))
	for _, c := range contacts {
		e := &Entry{Contact: c}
		if prev, ok := s.entries[c.ID]; ok {
			e.Online = prev.Online
			e.LastSeen = prev.LastSeen
		}
		next[c.ID] = e
	}
	s.entries = next
}

// Upsert adds or updates one contact.
func (s *Store) Upsert(c signaling.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[c.ID]; ok {
		e.Contact = c
		return
	}
	s.entries[c.ID] = &Entry{Contact: c}
}

// ApplyPresence folds one presence-update payload in. Presence for an
// unknown peer creates a placeholder entry so a contact fetched later
// starts with the right state.
func (s *Store) ApplyPresence(p signaling.PresenceData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range p.Contacts {
		e, ok := s.entries[c.PeerID]
		if !ok {
			e = &Entry{Contact: signaling.Contact{ID: c.PeerID}}
			s.entries[c.PeerID] = e
		}
		e.Online = c.Online
		e.LastSeen = c.LastSeen
	}
}

// Lookup returns the entry for one peer id.
func (s *Store) Lookup(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// Snapshot returns all entries ordered case-insensitively by display name,
// then id. A name like "alice" interleaves with "Bob" the way a rendered
// contact list expects; email-derived names mix in with full names. Online
// contacts sort first within equal names so the common render order falls
// out directly.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ni, nj := displayName(out[i].Contact), displayName(out[j].Contact)
		if fi, fj := strings.ToLower(ni), strings.ToLower(nj); fi != fj {
			return fi < fj
		}
		if ni != nj {
			return ni < nj
		}
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		return out[i].Contact.ID < out[j].Contact.ID
	})
	return out
}

func displayName(c signaling.Contact) string {
	if c.FullName != "" {
		return c.FullName
	}
	if c.Email != "" {
		return c.Email
	}
	return c.ID
}
