// Package sqlite provides the SQLite-backed match store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
	"github.com/gridmatch/gridmatch/internal/platform/storage/sqlitemigrate"
	"github.com/gridmatch/gridmatch/internal/services/match/domain"
	"github.com/gridmatch/gridmatch/internal/services/match/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a SQLite-backed implementation of storage.MatchStore.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite match store at the provided path and applies embedded
// migrations before the store is handed to higher layers.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database.
//
// Close is intentionally nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// matchRow is the flat persisted form of a match. Board, participants and
// markers are stored as JSON columns.
type matchRow struct {
	id           string
	board        string
	participants string
	markers      string
	turn         string
	state        string
	winner       sql.NullString
	createdAt    int64
}

func encodeMatch(match *domain.Match) (matchRow, error) {
	board := make([]*string, domain.BoardSize)
	for i, cell := range match.Board {
		if cell != "" {
			value := string(cell)
			board[i] = &value
		}
	}
	boardJSON, err := json.Marshal(board)
	if err != nil {
		return matchRow{}, fmt.Errorf("encode board: %w", err)
	}

	participantsJSON, err := json.Marshal(match.Participants[:])
	if err != nil {
		return matchRow{}, fmt.Errorf("encode participants: %w", err)
	}

	markersJSON, err := json.Marshal(match.Markers)
	if err != nil {
		return matchRow{}, fmt.Errorf("encode markers: %w", err)
	}

	winner := sql.NullString{}
	if match.Winner != "" {
		winner = sql.NullString{String: match.Winner, Valid: true}
	}

	return matchRow{
		id:           match.ID,
		board:        string(boardJSON),
		participants: string(participantsJSON),
		markers:      string(markersJSON),
		turn:         match.Turn,
		state:        string(match.State),
		winner:       winner,
		createdAt:    toMillis(match.CreatedAt),
	}, nil
}

func decodeMatch(row matchRow) (*domain.Match, error) {
	var board []*string
	if err := json.Unmarshal([]byte(row.board), &board); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}
	if len(board) != domain.BoardSize {
		return nil, fmt.Errorf("decode board: expected %d cells, got %d", domain.BoardSize, len(board))
	}

	var participants []string
	if err := json.Unmarshal([]byte(row.participants), &participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if len(participants) != 2 {
		return nil, fmt.Errorf("decode participants: expected 2, got %d", len(participants))
	}

	var markers map[string]domain.Marker
	if err := json.Unmarshal([]byte(row.markers), &markers); err != nil {
		return nil, fmt.Errorf("decode markers: %w", err)
	}

	match := &domain.Match{
		ID:           row.id,
		Participants: [2]string{participants[0], participants[1]},
		Markers:      markers,
		Turn:         row.turn,
		State:        domain.State(row.state),
		Winner:       row.winner.String,
		CreatedAt:    fromMillis(row.createdAt),
	}
	for i, cell := range board {
		if cell != nil {
			match.Board[i] = domain.Marker(*cell)
		}
	}
	return match, nil
}

// CreateMatch persists a new match, failing with CONFLICT on a duplicate id.
func (s *Store) CreateMatch(ctx context.Context, match *domain.Match) error {
	row, err := encodeMatch(match)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO matches (id, board, participants, markers, turn, state, winner, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.id, row.board, row.participants, row.markers, row.turn, row.state, row.winner, row.createdAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return apperrors.Wrap(apperrors.CodeConflict, fmt.Sprintf("match %s already exists", match.ID), err)
		}
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

// GetMatch loads a match by id, failing with NOT_FOUND when absent.
func (s *Store) GetMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	var row matchRow
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, board, participants, markers, turn, state, winner, created_at
FROM matches WHERE id = ?`, matchID).Scan(
		&row.id, &row.board, &row.participants, &row.markers, &row.turn, &row.state, &row.winner, &row.createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("match %s not found", matchID))
		}
		return nil, fmt.Errorf("select match: %w", err)
	}
	return decodeMatch(row)
}

// SaveMatch overwrites the stored state of an existing match.
func (s *Store) SaveMatch(ctx context.Context, match *domain.Match) error {
	row, err := encodeMatch(match)
	if err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE matches
SET board = ?, participants = ?, markers = ?, turn = ?, state = ?, winner = ?, created_at = ?
WHERE id = ?`,
		row.board, row.participants, row.markers, row.turn, row.state, row.winner, row.createdAt, row.id,
	)
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update match rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("match %s not found", match.ID))
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
