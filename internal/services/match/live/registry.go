// Package live tracks the channels subscribed to each match and fans out
// state snapshots to them.
package live

import (
	"context"
	"log"
	"sync"

	"github.com/gridmatch/gridmatch/internal/services/match/domain"
	"github.com/gridmatch/gridmatch/internal/services/match/storage"
)

// Channel is one ordered, reliable delivery path to a connected viewer.
// The registry indexes channels but does not own their lifetime.
type Channel interface {
	SendState(match *domain.Match) error
}

// Registry is the fan-out point for match state broadcasts. Channel sets
// are scoped per match id so independent matches never contend on a
// shared lock, and each match owns a sender goroutine so delivery never
// runs on the mutating caller.
type Registry struct {
	store storage.MatchStore

	mu      sync.Mutex
	entries map[string]*matchEntry
}

// delivery is one queued fan-out. A nil target means every subscriber;
// otherwise only the named channel receives the snapshot (the attach
// catch-up case).
type delivery struct {
	target Channel
}

type matchEntry struct {
	mu       sync.Mutex
	cond     *sync.Cond
	channels map[Channel]struct{}
	pending  []delivery
	closed   bool
}

// NewRegistry creates a registry reading authoritative snapshots from store.
func NewRegistry(store storage.MatchStore) *Registry {
	return &Registry{
		store:   store,
		entries: make(map[string]*matchEntry),
	}
}

func (r *Registry) entry(matchID string) *matchEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[matchID]
	if ok {
		return entry
	}
	entry = &matchEntry{channels: make(map[Channel]struct{})}
	entry.cond = sync.NewCond(&entry.mu)
	r.entries[matchID] = entry
	go r.deliver(matchID, entry)
	return entry
}

// Attach registers channel under matchID and queues a catch-up snapshot for
// that channel alone, so late joiners see state without waiting for the
// next mutation. Registration happens before the snapshot is loaded, so a
// broadcast racing the attach is either queued behind the catch-up or
// already folded into it; the new channel never ends on a stale state.
func (r *Registry) Attach(ctx context.Context, matchID string, channel Channel) error {
	if _, err := r.store.GetMatch(ctx, matchID); err != nil {
		return err
	}

	for {
		entry := r.entry(matchID)
		entry.mu.Lock()
		if entry.closed {
			// Lost a race with the entry being retired; take a fresh one.
			entry.mu.Unlock()
			continue
		}
		entry.channels[channel] = struct{}{}
		entry.pending = append(entry.pending, delivery{target: channel})
		entry.cond.Signal()
		entry.mu.Unlock()
		return nil
	}
}

// Detach removes the registration. It is safe to call multiple times and
// never errors.
func (r *Registry) Detach(matchID string, channel Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[matchID]
	if !ok {
		return
	}

	entry.mu.Lock()
	delete(entry.channels, channel)
	if len(entry.channels) == 0 && len(entry.pending) == 0 {
		entry.closed = true
		entry.cond.Signal()
		delete(r.entries, matchID)
	}
	entry.mu.Unlock()
}

// Broadcast queues a fan-out of the authoritative match state to every
// attached channel and returns immediately; the match's sender goroutine
// loads the snapshot and performs the sends. A send failure detaches that
// channel without blocking delivery to the others and is never raised to
// the caller.
func (r *Registry) Broadcast(_ context.Context, matchID string) {
	r.mu.Lock()
	entry, ok := r.entries[matchID]
	r.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if !entry.closed {
		entry.pending = append(entry.pending, delivery{})
		entry.cond.Signal()
	}
	entry.mu.Unlock()
}

// deliver is the per-match sender loop. Draining the queue on a single
// goroutine keeps successive snapshots ordered per channel, and loading
// the match at send time keeps every delivered state at least as fresh as
// the mutation that queued it. It exits when the entry is retired.
func (r *Registry) deliver(matchID string, entry *matchEntry) {
	for {
		entry.mu.Lock()
		for len(entry.pending) == 0 && !entry.closed {
			entry.cond.Wait()
		}
		if entry.closed {
			entry.mu.Unlock()
			return
		}
		item := entry.pending[0]
		entry.pending = entry.pending[1:]

		var targets []Channel
		if item.target != nil {
			if _, ok := entry.channels[item.target]; ok {
				targets = []Channel{item.target}
			}
		} else {
			targets = make([]Channel, 0, len(entry.channels))
			for channel := range entry.channels {
				targets = append(targets, channel)
			}
		}
		entry.mu.Unlock()

		if len(targets) > 0 {
			match, err := r.store.GetMatch(context.Background(), matchID)
			if err != nil {
				log.Printf("live: load match %s for broadcast: %v", matchID, err)
			} else {
				for _, channel := range targets {
					if err := channel.SendState(match); err != nil {
						log.Printf("live: drop channel on match %s: %v", matchID, err)
						r.Detach(matchID, channel)
					}
				}
			}
		}

		r.retireIfIdle(matchID, entry)
	}
}

// retireIfIdle removes a drained entry with no subscribers so abandoned
// matches do not pin a goroutine.
func (r *Registry) retireIfIdle(matchID string, entry *matchEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.mu.Lock()
	if !entry.closed && len(entry.channels) == 0 && len(entry.pending) == 0 {
		entry.closed = true
		entry.cond.Signal()
		delete(r.entries, matchID)
	}
	entry.mu.Unlock()
}

// Subscribers reports how many channels are attached to matchID.
func (r *Registry) Subscribers(matchID string) int {
	r.mu.Lock()
	entry, ok := r.entries[matchID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.channels)
}
