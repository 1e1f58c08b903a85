package app

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
	platformid "github.com/gridmatch/gridmatch/internal/platform/id"
	"github.com/gridmatch/gridmatch/internal/services/match/domain"
	"github.com/gridmatch/gridmatch/internal/services/match/live"
	"github.com/gridmatch/gridmatch/internal/services/match/storage"
)

// service is the match service core: it owns the load-mutate-persist cycle
// and queues the live broadcast after every accepted mutation.
type service struct {
	store storage.MatchStore
	live  *live.Registry
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*matchLock
}

// matchLock serializes mutations of one match. Entries are reference
// counted so the lock table only holds matches with an operation in
// flight instead of growing with every match id ever seen.
type matchLock struct {
	mu   sync.Mutex
	refs int
}

func newService(store storage.MatchStore, liveRegistry *live.Registry) *service {
	return &service{
		store: store,
		live:  liveRegistry,
		now:   time.Now,
		locks: make(map[string]*matchLock),
	}
}

// lockMatch acquires the mutation lock for matchID. Distinct matches never
// contend. Every lockMatch must be paired with unlockMatch.
func (s *service) lockMatch(matchID string) *matchLock {
	s.mu.Lock()
	lock, ok := s.locks[matchID]
	if !ok {
		lock = &matchLock{}
		s.locks[matchID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (s *service) unlockMatch(matchID string, lock *matchLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, matchID)
	}
	s.mu.Unlock()
}

// CreateMatch persists a new match. A duplicate id reports CONFLICT along
// with the already-stored match so at-least-once senders can converge on it.
func (s *service) CreateMatch(ctx context.Context, matchID string, participants [2]string, starting string) (*domain.Match, error) {
	if matchID == "" {
		generated, err := platformid.NewID()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnknown, "generate match id", err)
		}
		matchID = generated
	}

	match, err := domain.New(matchID, participants, starting, s.now())
	if err != nil {
		return nil, err
	}

	lock := s.lockMatch(matchID)
	defer s.unlockMatch(matchID, lock)

	if err := s.store.CreateMatch(ctx, match); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeConflict {
			if existing, getErr := s.store.GetMatch(ctx, matchID); getErr == nil {
				return existing, err
			}
		}
		return nil, err
	}

	s.live.Broadcast(ctx, matchID)
	return match, nil
}

// GetMatch loads the authoritative match state.
func (s *service) GetMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	return s.store.GetMatch(ctx, matchID)
}

// ApplyMove runs one move through the state machine and persists the result
// before any subscriber sees it.
func (s *service) ApplyMove(ctx context.Context, matchID, caller string, position int) (*domain.Match, error) {
	return s.mutate(ctx, matchID, func(match *domain.Match) error {
		return match.ApplyMove(caller, position)
	})
}

// SetTurn force-sets the turn, bypassing move validation.
func (s *service) SetTurn(ctx context.Context, matchID, caller, target string) (*domain.Match, error) {
	return s.mutate(ctx, matchID, func(match *domain.Match) error {
		return match.SetTurn(caller, target)
	})
}

// mutate is the shared load-mutate-persist cycle. The per-match lock spans
// load through save so concurrent mutations of one match serialize against
// the stored state instead of racing on stale loads. The broadcast only
// queues delivery; the caller never waits on subscriber sends.
func (s *service) mutate(ctx context.Context, matchID string, apply func(*domain.Match) error) (*domain.Match, error) {
	lock := s.lockMatch(matchID)
	defer s.unlockMatch(matchID, lock)

	match, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if err := apply(match); err != nil {
		return nil, err
	}
	if err := s.store.SaveMatch(ctx, match); err != nil {
		return nil, err
	}

	s.live.Broadcast(ctx, matchID)
	return match, nil
}
