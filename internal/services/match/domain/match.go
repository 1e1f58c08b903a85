// Package domain owns the authoritative match state machine: marker
// assignment, move validation, turn arbitration, and terminal detection.
package domain

import (
	"strings"
	"time"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
)

// Marker is one of the two exclusive symbols assigned to participants.
type Marker string

const (
	// MarkerX is assigned to the first participant.
	MarkerX Marker = "X"
	// MarkerO is assigned to the second participant.
	MarkerO Marker = "O"
)

// State is the match lifecycle state.
type State string

const (
	// StateInProgress means moves are still being accepted.
	StateInProgress State = "in_progress"
	// StateFinished is terminal; no further mutation is allowed.
	StateFinished State = "finished"
)

// WinnerDraw is the winner sentinel for a full board with no winning line.
const WinnerDraw = "draw"

// BoardSize is the number of cells on the board.
const BoardSize = 9

// winLines enumerates the eight winning triples: rows, columns, diagonals.
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Match is one authoritative game instance with a fixed participant pair.
// The empty Marker value marks an unoccupied cell.
type Match struct {
	ID           string
	Board        [BoardSize]Marker
	Participants [2]string
	Markers      map[string]Marker
	Turn         string
	State        State
	Winner       string
	CreatedAt    time.Time
}

// New creates a match with markers assigned in participant order and the
// starting turn given to starting, or to the first participant when empty.
func New(id string, participants [2]string, starting string, createdAt time.Time) (*Match, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "match id is required")
	}
	first := strings.TrimSpace(participants[0])
	second := strings.TrimSpace(participants[1])
	if first == "" || second == "" {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "two participants are required")
	}
	if first == second {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "participants must be distinct")
	}

	starting = strings.TrimSpace(starting)
	if starting == "" {
		starting = first
	}
	if starting != first && starting != second {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "starting identity is not a participant")
	}

	return &Match{
		ID:           id,
		Participants: [2]string{first, second},
		Markers: map[string]Marker{
			first:  MarkerX,
			second: MarkerO,
		},
		Turn:      starting,
		State:     StateInProgress,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// IsParticipant reports whether identity is one of the two participants.
func (m *Match) IsParticipant(identity string) bool {
	return identity == m.Participants[0] || identity == m.Participants[1]
}

// ApplyMove writes the caller's marker into position and advances the state
// machine: a completed line finishes the match with the line's owner as
// winner, a full board finishes it as a draw, otherwise the turn flips.
func (m *Match) ApplyMove(caller string, position int) error {
	if m.State != StateInProgress {
		return apperrors.New(apperrors.CodeNotInProgress, "match is not in progress")
	}
	if !m.IsParticipant(caller) {
		return apperrors.New(apperrors.CodeNotAParticipant, "caller is not a participant")
	}
	if m.Turn != caller {
		return apperrors.New(apperrors.CodeNotYourTurn, "not your turn")
	}
	if position < 0 || position >= BoardSize {
		return apperrors.New(apperrors.CodeInvalidPosition, "position must be within 0..8")
	}
	if m.Board[position] != "" {
		return apperrors.New(apperrors.CodeInvalidPosition, "cell is already occupied")
	}

	m.Board[position] = m.Markers[caller]

	// Line detection runs before the full-board check so a winning final
	// move is never misread as a draw.
	if marker, won := m.winningMarker(); won {
		m.State = StateFinished
		m.Winner = m.participantFor(marker)
		m.Turn = ""
		return nil
	}
	if m.boardFull() {
		m.State = StateFinished
		m.Winner = WinnerDraw
		m.Turn = ""
		return nil
	}

	m.Turn = m.opponentOf(caller)
	return nil
}

// SetTurn force-sets the turn without game-logic validation. Both caller and
// target must be participants. This exists only for the privileged debug
// command; the player move path never reaches it.
func (m *Match) SetTurn(caller, target string) error {
	if !m.IsParticipant(caller) {
		return apperrors.New(apperrors.CodeNotAParticipant, "caller is not a participant")
	}
	if !m.IsParticipant(target) {
		return apperrors.New(apperrors.CodeInvalidInput, "target is not a participant")
	}
	m.Turn = target
	return nil
}

// Clone returns an independent copy so callers can hand out snapshots
// without aliasing authoritative state.
func (m *Match) Clone() *Match {
	cloned := *m
	cloned.Markers = make(map[string]Marker, len(m.Markers))
	for identity, marker := range m.Markers {
		cloned.Markers[identity] = marker
	}
	return &cloned
}

// winningMarker returns the marker completing a line, if any. The winner is
// resolved from marker ownership rather than from the acting caller so the
// result stays correct even on paths that bypass turn validation.
func (m *Match) winningMarker() (Marker, bool) {
	for _, line := range winLines {
		first := m.Board[line[0]]
		if first != "" && first == m.Board[line[1]] && first == m.Board[line[2]] {
			return first, true
		}
	}
	return "", false
}

func (m *Match) boardFull() bool {
	for _, cell := range m.Board {
		if cell == "" {
			return false
		}
	}
	return true
}

func (m *Match) participantFor(marker Marker) string {
	for identity, owned := range m.Markers {
		if owned == marker {
			return identity
		}
	}
	return ""
}

func (m *Match) opponentOf(identity string) string {
	if identity == m.Participants[0] {
		return m.Participants[1]
	}
	return m.Participants[0]
}
