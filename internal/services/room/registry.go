// Package room owns the pre-match lobby lifecycle: short-code allocation,
// join ordering, fullness detection, and the handoff trigger that asks the
// match service to create a match.
package room

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
)

// State is the room lifecycle state.
type State string

const (
	// StateWaiting means the room still has open seats.
	StateWaiting State = "waiting"
	// StateFull means every seat is taken and the handoff has been triggered.
	StateFull State = "full"
	// StateInProgress means the host force-started the match.
	StateInProgress State = "in_progress"
)

// DefaultCapacity seats a standard two-player match.
const DefaultCapacity = 2

// Room is a lobby grouping players before a match exists. Players are kept
// in join order; the first player is handed the first move by convention.
type Room struct {
	ID        string
	Name      string
	Host      string
	Players   []string
	State     State
	Capacity  int
	CreatedAt time.Time
}

// Handoff receives the match-creation intent when a room becomes ready.
// Implementations must return quickly; delivery happens off the caller's
// request path.
type Handoff struct {
	MatchID      string
	Participants []string
	Starting     string
}

// Registry holds the active rooms. It is an explicitly owned instance with
// its own synchronization, not a process-wide table.
type Registry struct {
	trigger func(Handoff)
	now     func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomRecord
}

// roomRecord tracks a room plus the handoff latch keeping the trigger
// exactly-once per fullness transition.
type roomRecord struct {
	room     Room
	notified bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry that reports ready rooms through trigger.
func NewRegistry(trigger func(Handoff), opts ...Option) *Registry {
	registry := &Registry{
		trigger: trigger,
		now:     time.Now,
		rooms:   make(map[string]*roomRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// CreateRoom allocates a fresh room hosted by creator.
func (r *Registry) CreateRoom(name string, capacity int, creator string) (Room, error) {
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return Room{}, apperrors.New(apperrors.CodeInvalidInput, "creator identity is required")
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 2 {
		return Room{}, apperrors.New(apperrors.CodeInvalidInput, "room capacity must be at least 2")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Room"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record := &roomRecord{
		room: Room{
			ID:        r.newRoomCodeLocked(),
			Name:      name,
			Host:      creator,
			Players:   []string{creator},
			State:     StateWaiting,
			Capacity:  capacity,
			CreatedAt: r.now().UTC(),
		},
	}
	r.rooms[record.room.ID] = record
	return record.room.clone(), nil
}

// JoinRoom appends identity to the room. Re-joining is an idempotent no-op.
// The join that fills the last seat flips the room to full and fires the
// handoff exactly once.
func (r *Registry) JoinRoom(roomID, identity string) (Room, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Room{}, apperrors.New(apperrors.CodeInvalidInput, "identity is required")
	}

	r.mu.Lock()
	record, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return Room{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("room %s not found", roomID))
	}
	if record.room.hasPlayer(identity) {
		room := record.room.clone()
		r.mu.Unlock()
		return room, nil
	}
	if len(record.room.Players) >= record.room.Capacity {
		r.mu.Unlock()
		return Room{}, apperrors.New(apperrors.CodeRoomFull, fmt.Sprintf("room %s is full", roomID))
	}

	record.room.Players = append(record.room.Players, identity)
	var handoff *Handoff
	if len(record.room.Players) >= record.room.Capacity {
		record.room.State = StateFull
		handoff = record.handoffLocked()
	}
	room := record.room.clone()
	r.mu.Unlock()

	if handoff != nil {
		r.fire(*handoff)
	}
	return room, nil
}

// StartGame is the host-only force start. A room already full or in
// progress returns its current state without re-firing the handoff.
func (r *Registry) StartGame(roomID, caller string) (Room, error) {
	r.mu.Lock()
	record, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return Room{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("room %s not found", roomID))
	}
	if strings.TrimSpace(caller) == "" || caller != record.room.Host {
		r.mu.Unlock()
		return Room{}, apperrors.New(apperrors.CodeForbidden, "only the host may start the game")
	}
	if len(record.room.Players) < 2 {
		r.mu.Unlock()
		return Room{}, apperrors.New(apperrors.CodeInsufficientPlayers, "not enough players to start the game")
	}

	// A force start on a part-filled room goes to in_progress; a room that
	// already filled naturally keeps its full state.
	if record.room.State == StateWaiting {
		record.room.State = StateInProgress
	}
	handoff := record.handoffLocked()
	room := record.room.clone()
	r.mu.Unlock()

	if handoff != nil {
		r.fire(*handoff)
	}
	return room, nil
}

// LeaveRoom removes identity. The last player leaving destroys the room;
// otherwise a departed host is replaced by the first remaining player in
// join order and the room drops back to waiting.
func (r *Registry) LeaveRoom(roomID, identity string) (Room, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.rooms[roomID]
	if !ok {
		return Room{}, false, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("room %s not found", roomID))
	}

	record.room.removePlayer(identity)
	if len(record.room.Players) == 0 {
		delete(r.rooms, roomID)
		return Room{}, true, nil
	}

	if !record.room.hasPlayer(record.room.Host) {
		record.room.Host = record.room.Players[0]
	}
	record.room.State = StateWaiting
	record.notified = false
	return record.room.clone(), false, nil
}

// GetRoom returns a snapshot of the room.
func (r *Registry) GetRoom(roomID string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.rooms[roomID]
	if !ok {
		return Room{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("room %s not found", roomID))
	}
	return record.room.clone(), nil
}

// ListRooms returns snapshots of every active room, ordered by id.
func (r *Registry) ListRooms() []Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]Room, 0, len(r.rooms))
	for _, record := range r.rooms {
		rooms = append(rooms, record.room.clone())
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// PendingHandoff returns the handoff payload of a full room so callers can
// re-deliver manually after the automatic attempts were exhausted.
func (r *Registry) PendingHandoff(roomID string) (Handoff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.rooms[roomID]
	if !ok {
		return Handoff{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("room %s not found", roomID))
	}
	if record.room.State == StateWaiting {
		return Handoff{}, apperrors.New(apperrors.CodeInvalidInput, fmt.Sprintf("room %s is not full", roomID))
	}
	return Handoff{
		MatchID:      record.room.ID,
		Participants: append([]string(nil), record.room.Players...),
		Starting:     record.room.Players[0],
	}, nil
}

func (r *Registry) fire(handoff Handoff) {
	if r.trigger != nil {
		r.trigger(handoff)
	}
}

// handoffLocked arms the exactly-once latch and builds the payload; it
// returns nil when the room has already fired.
func (record *roomRecord) handoffLocked() *Handoff {
	if record.notified {
		return nil
	}
	record.notified = true
	return &Handoff{
		MatchID:      record.room.ID,
		Participants: append([]string(nil), record.room.Players...),
		Starting:     record.room.Players[0],
	}
}

// newRoomCodeLocked allocates a 5-digit numeric code unique among active
// rooms. Caller holds r.mu.
func (r *Registry) newRoomCodeLocked() string {
	for {
		code := fmt.Sprintf("%d", rand.IntN(90000)+10000)
		if _, taken := r.rooms[code]; !taken {
			return code
		}
	}
}

func (room *Room) clone() Room {
	cloned := *room
	cloned.Players = append([]string(nil), room.Players...)
	return cloned
}

func (room *Room) hasPlayer(identity string) bool {
	for _, player := range room.Players {
		if player == identity {
			return true
		}
	}
	return false
}

func (room *Room) removePlayer(identity string) {
	for i, player := range room.Players {
		if player == identity {
			room.Players = append(room.Players[:i], room.Players[i+1:]...)
			return
		}
	}
}
