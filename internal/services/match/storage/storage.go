// Package storage defines the persistence contract for match state.
package storage

import (
	"context"

	"github.com/gridmatch/gridmatch/internal/services/match/domain"
)

// MatchStore is the durable home of match state. The stored copy is
// authoritative; in-memory copies are caches invalidated by every
// successful mutation.
type MatchStore interface {
	// CreateMatch persists a new match. It fails with CONFLICT when the
	// match id is already present.
	CreateMatch(ctx context.Context, match *domain.Match) error

	// GetMatch loads a match by id. It fails with NOT_FOUND when absent.
	GetMatch(ctx context.Context, matchID string) (*domain.Match, error)

	// SaveMatch overwrites the stored state of an existing match.
	SaveMatch(ctx context.Context, match *domain.Match) error
}
