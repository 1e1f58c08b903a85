// Package app wires the match service: the authoritative match API, the
// sqlite-backed store, and the websocket surface streaming state updates.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
	"github.com/gridmatch/gridmatch/internal/platform/timeouts"
	"github.com/gridmatch/gridmatch/internal/services/identity"
	"github.com/gridmatch/gridmatch/internal/services/match/domain"
	"github.com/gridmatch/gridmatch/internal/services/match/live"
	"github.com/gridmatch/gridmatch/internal/services/match/storage"
	"github.com/gridmatch/gridmatch/internal/services/match/storage/sqlite"
)

// Config carries match server dependencies resolved by the caller.
type Config struct {
	// HTTPAddr is the listen address, e.g. ":8003".
	HTTPAddr string
	// DBPath is the sqlite database file backing the match store.
	DBPath string
	// IdentityServiceURL enables remote session introspection when set.
	IdentityServiceURL string
	// JWTSecret enables local token verification when the identity
	// service URL is unset.
	JWTSecret string
	// ReadHeaderTimeout bounds header reads; zero uses the shared default.
	ReadHeaderTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown; zero uses the shared default.
	ShutdownTimeout time.Duration
}

// Server is the match service runtime.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

// NewServer builds a configured match server backed by sqlite.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	dbPath := strings.TrimSpace(config.DBPath)
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	verifier, err := identity.New(config.IdentityServiceURL, config.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("init identity verifier: %w", err)
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open match store: %w", err)
	}

	readHeaderTimeout := config.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = timeouts.ReadHeader
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = timeouts.Shutdown
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(store, verifier),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: shutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// Run creates and serves a match server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init match server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve match: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("match server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("match server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources, including the sqlite store.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("match: close store: %v", err)
		}
	}
}

type handler struct {
	service  *service
	live     *live.Registry
	verifier identity.Verifier
}

// NewHandler creates the match service routes on top of store. Exported so
// tests can mount the surface with in-memory collaborators.
func NewHandler(store storage.MatchStore, verifier identity.Verifier) http.Handler {
	liveRegistry := live.NewRegistry(store)
	h := &handler{
		service:  newService(store, liveRegistry),
		live:     liveRegistry,
		verifier: verifier,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/games", h.createMatch)
	mux.HandleFunc("/games/", h.getMatch)
	mux.HandleFunc("/ws/games/", h.serveWS)
	return mux
}

// matchPayload is the wire form of a match. Board cells are null when
// unoccupied.
type matchPayload struct {
	ID           string            `json:"id"`
	Board        []*string         `json:"board"`
	Participants []string          `json:"participants"`
	Markers      map[string]string `json:"markers"`
	Turn         string            `json:"turn"`
	State        string            `json:"state"`
	Winner       string            `json:"winner,omitempty"`
	CreatedAt    int64             `json:"created_at"`
}

func toMatchPayload(match *domain.Match) matchPayload {
	board := make([]*string, domain.BoardSize)
	for i, cell := range match.Board {
		if cell != "" {
			value := string(cell)
			board[i] = &value
		}
	}
	markers := make(map[string]string, len(match.Markers))
	for identityKey, marker := range match.Markers {
		markers[identityKey] = string(marker)
	}
	return matchPayload{
		ID:           match.ID,
		Board:        board,
		Participants: match.Participants[:],
		Markers:      markers,
		Turn:         match.Turn,
		State:        string(match.State),
		Winner:       match.Winner,
		CreatedAt:    match.CreatedAt.UnixMilli(),
	}
}

type createMatchRequest struct {
	MatchID      string   `json:"match_id"`
	Participants []string `json:"participants"`
	Starting     string   `json:"starting"`
}

// createMatch is the handoff entry point. Duplicate creates respond 409
// with the stored match so at-least-once senders converge instead of
// treating the retry as a failure.
func (h *handler) createMatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req createMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidInput, "invalid request body", err))
		return
	}
	if len(req.Participants) != 2 {
		writeError(w, apperrors.New(apperrors.CodeInvalidInput, "exactly two participants are required"))
		return
	}

	participants := [2]string{req.Participants[0], req.Participants[1]}
	match, err := h.service.CreateMatch(r.Context(), strings.TrimSpace(req.MatchID), participants, req.Starting)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeConflict && match != nil {
			writeJSON(w, http.StatusConflict, toMatchPayload(match))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMatchPayload(match))
}

func (h *handler) getMatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	matchID := strings.TrimPrefix(r.URL.Path, "/games/")
	if matchID == "" || strings.Contains(matchID, "/") {
		writeError(w, apperrors.New(apperrors.CodeInvalidInput, "missing match id"))
		return
	}

	match, err := h.service.GetMatch(r.Context(), matchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatchPayload(match))
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), errorBody{Error: errorDetail{
		Code:    string(code),
		Message: err.Error(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("match: write response: %v", err)
	}
}
