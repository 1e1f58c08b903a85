package room

import (
	"strconv"
	"sync"
	"testing"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
)

type handoffRecorder struct {
	mu    sync.Mutex
	fired []Handoff
}

func (h *handoffRecorder) trigger(handoff Handoff) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, handoff)
}

func (h *handoffRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

func newTestRegistry() (*Registry, *handoffRecorder) {
	recorder := &handoffRecorder{}
	return NewRegistry(recorder.trigger), recorder
}

func TestCreateRoomAllocatesFiveDigitCode(t *testing.T) {
	registry, _ := newTestRegistry()

	room, err := registry.CreateRoom("Lobby", 2, "alice")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if len(room.ID) != 5 {
		t.Fatalf("room code %q, want 5 digits", room.ID)
	}
	if _, err := strconv.Atoi(room.ID); err != nil {
		t.Fatalf("room code %q is not numeric", room.ID)
	}
	if room.Host != "alice" {
		t.Fatalf("host = %q, want alice", room.Host)
	}
	if len(room.Players) != 1 || room.Players[0] != "alice" {
		t.Fatalf("players = %v, want [alice]", room.Players)
	}
	if room.State != StateWaiting {
		t.Fatalf("state = %q, want waiting", room.State)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	registry, _ := newTestRegistry()

	if _, err := registry.CreateRoom("Lobby", 2, "  "); apperrors.CodeOf(err) != apperrors.CodeInvalidInput {
		t.Fatalf("empty creator error = %v, want INVALID_INPUT", err)
	}
	if _, err := registry.CreateRoom("Lobby", 1, "alice"); apperrors.CodeOf(err) != apperrors.CodeInvalidInput {
		t.Fatalf("capacity 1 error = %v, want INVALID_INPUT", err)
	}

	room, err := registry.CreateRoom("", 0, "alice")
	if err != nil {
		t.Fatalf("defaulted create: %v", err)
	}
	if room.Capacity != DefaultCapacity {
		t.Fatalf("capacity = %d, want default %d", room.Capacity, DefaultCapacity)
	}
	if room.Name != "Room" {
		t.Fatalf("name = %q, want default Room", room.Name)
	}
}

func TestJoinRoomFillsRoomAndFiresHandoffOnce(t *testing.T) {
	registry, recorder := newTestRegistry()
	room, err := registry.CreateRoom("Lobby", 2, "alice")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	joined, err := registry.JoinRoom(room.ID, "bob")
	if err != nil {
		t.Fatalf("join room: %v", err)
	}
	if joined.State != StateFull {
		t.Fatalf("state = %q, want full", joined.State)
	}
	if recorder.count() != 1 {
		t.Fatalf("handoff fired %d times, want 1", recorder.count())
	}

	recorder.mu.Lock()
	handoff := recorder.fired[0]
	recorder.mu.Unlock()
	if handoff.MatchID != room.ID {
		t.Fatalf("handoff match id = %q, want room code %q", handoff.MatchID, room.ID)
	}
	if len(handoff.Participants) != 2 || handoff.Participants[0] != "alice" || handoff.Participants[1] != "bob" {
		t.Fatalf("handoff participants = %v, want [alice bob]", handoff.Participants)
	}
	if handoff.Starting != "alice" {
		t.Fatalf("handoff starting = %q, want alice", handoff.Starting)
	}
}

func TestJoinRoomIsIdempotentForMembers(t *testing.T) {
	registry, recorder := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 2, "alice")
	if _, err := registry.JoinRoom(room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}

	rejoined, err := registry.JoinRoom(room.ID, "bob")
	if err != nil {
		t.Fatalf("idempotent join: %v", err)
	}
	if len(rejoined.Players) != 2 {
		t.Fatalf("players = %v, membership must not grow on re-join", rejoined.Players)
	}
	if recorder.count() != 1 {
		t.Fatalf("handoff fired %d times after re-join, want 1", recorder.count())
	}
}

func TestJoinRoomFailures(t *testing.T) {
	registry, _ := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 2, "alice")
	if _, err := registry.JoinRoom(room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}

	if _, err := registry.JoinRoom("00000", "carol"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("unknown room error = %v, want NOT_FOUND", err)
	}
	if _, err := registry.JoinRoom(room.ID, "carol"); apperrors.CodeOf(err) != apperrors.CodeRoomFull {
		t.Fatalf("full room error = %v, want ROOM_FULL", err)
	}
	if _, err := registry.JoinRoom(room.ID, ""); apperrors.CodeOf(err) != apperrors.CodeInvalidInput {
		t.Fatalf("empty identity error = %v, want INVALID_INPUT", err)
	}
}

func TestStartGameHostOnly(t *testing.T) {
	registry, recorder := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 3, "alice")
	if _, err := registry.JoinRoom(room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}

	if _, err := registry.StartGame(room.ID, "bob"); apperrors.CodeOf(err) != apperrors.CodeForbidden {
		t.Fatalf("non-host start error = %v, want FORBIDDEN", err)
	}

	started, err := registry.StartGame(room.ID, "alice")
	if err != nil {
		t.Fatalf("host start: %v", err)
	}
	if started.State != StateInProgress {
		t.Fatalf("state = %q, want in_progress on force start", started.State)
	}
	if recorder.count() != 1 {
		t.Fatalf("handoff fired %d times, want 1", recorder.count())
	}

	// Re-starting a room that already fired is idempotent.
	if _, err := registry.StartGame(room.ID, "alice"); err != nil {
		t.Fatalf("repeat start: %v", err)
	}
	if recorder.count() != 1 {
		t.Fatalf("handoff fired %d times after repeat start, want 1", recorder.count())
	}
}

func TestStartGameOnFilledRoomKeepsFullState(t *testing.T) {
	registry, recorder := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 2, "alice")
	if _, err := registry.JoinRoom(room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}

	started, err := registry.StartGame(room.ID, "alice")
	if err != nil {
		t.Fatalf("host start: %v", err)
	}
	if started.State != StateFull {
		t.Fatalf("state = %q, want full kept after natural fill", started.State)
	}
	if recorder.count() != 1 {
		t.Fatalf("handoff fired %d times, want only the fill's", recorder.count())
	}
}

func TestStartGameRequiresTwoPlayers(t *testing.T) {
	registry, _ := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 2, "alice")

	if _, err := registry.StartGame(room.ID, "alice"); apperrors.CodeOf(err) != apperrors.CodeInsufficientPlayers {
		t.Fatalf("error = %v, want INSUFFICIENT_PLAYERS", err)
	}
}

func TestLeaveRoomReassignsHostAndResetsState(t *testing.T) {
	registry, _ := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 2, "alice")
	if _, err := registry.JoinRoom(room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}

	remaining, deleted, err := registry.LeaveRoom(room.ID, "alice")
	if err != nil {
		t.Fatalf("leave room: %v", err)
	}
	if deleted {
		t.Fatal("room with remaining players must not be destroyed")
	}
	if remaining.Host != "bob" {
		t.Fatalf("host = %q, want reassigned bob", remaining.Host)
	}
	if remaining.State != StateWaiting {
		t.Fatalf("state = %q, want waiting after departure", remaining.State)
	}
}

func TestLeaveRoomDestroysEmptyRoom(t *testing.T) {
	registry, _ := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 2, "alice")

	_, deleted, err := registry.LeaveRoom(room.ID, "alice")
	if err != nil {
		t.Fatalf("leave room: %v", err)
	}
	if !deleted {
		t.Fatal("expected empty room to be destroyed")
	}
	if _, err := registry.GetRoom(room.ID); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("destroyed room lookup error = %v, want NOT_FOUND", err)
	}
}

func TestLeaveThenRefillFiresHandoffAgain(t *testing.T) {
	registry, recorder := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 2, "alice")
	if _, err := registry.JoinRoom(room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}
	if _, _, err := registry.LeaveRoom(room.ID, "bob"); err != nil {
		t.Fatalf("leave room: %v", err)
	}
	if _, err := registry.JoinRoom(room.ID, "carol"); err != nil {
		t.Fatalf("rejoin room: %v", err)
	}

	if recorder.count() != 2 {
		t.Fatalf("handoff fired %d times, want 2 after refill", recorder.count())
	}
}

func TestPendingHandoffRequiresFullRoom(t *testing.T) {
	registry, _ := newTestRegistry()
	room, _ := registry.CreateRoom("Lobby", 2, "alice")

	if _, err := registry.PendingHandoff(room.ID); apperrors.CodeOf(err) != apperrors.CodeInvalidInput {
		t.Fatalf("waiting room error = %v, want INVALID_INPUT", err)
	}

	if _, err := registry.JoinRoom(room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}
	handoff, err := registry.PendingHandoff(room.ID)
	if err != nil {
		t.Fatalf("pending handoff: %v", err)
	}
	if handoff.MatchID != room.ID {
		t.Fatalf("handoff match id = %q, want %q", handoff.MatchID, room.ID)
	}

	if _, err := registry.PendingHandoff("00000"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("unknown room error = %v, want NOT_FOUND", err)
	}
}

func TestListRoomsReturnsSnapshots(t *testing.T) {
	registry, _ := newTestRegistry()
	first, _ := registry.CreateRoom("One", 2, "alice")
	if _, err := registry.CreateRoom("Two", 2, "bob"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	rooms := registry.ListRooms()
	if len(rooms) != 2 {
		t.Fatalf("listed %d rooms, want 2", len(rooms))
	}

	// Mutating a snapshot must not leak into registry state.
	for i := range rooms {
		rooms[i].Players = append(rooms[i].Players, "mallory")
	}
	reloaded, err := registry.GetRoom(first.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if len(reloaded.Players) != 1 {
		t.Fatalf("players = %v, snapshot mutation leaked", reloaded.Players)
	}
}
