// Package app wires the room service: lobby HTTP surface, identity checks,
// and the handoff notifier that hands full rooms to the match service.
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
	"github.com/gridmatch/gridmatch/internal/services/room"
	"github.com/gridmatch/gridmatch/internal/services/room/notify"
)

// Config carries room server dependencies resolved by the caller.
type Config struct {
	// HTTPAddr is the listen address, e.g. ":8002".
	HTTPAddr string
	// MatchServiceURL is the base URL of the match service receiving
	// create-match handoffs.
	MatchServiceURL string
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

// Server is the room service runtime.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server

	// notifyStop cancels detached handoff deliveries when the server closes.
	notifyStop context.CancelFunc
}

// NewServer builds a configured room server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	matchURL := strings.TrimSpace(config.MatchServiceURL)
	if matchURL == "" {
		return nil, errors.New("match service url is required")
	}
	verifier, err := identity.New(config.IdentityServiceURL, config.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("init identity verifier: %w", err)
	}

	readHeaderTimeout := config.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = timeouts.ReadHeader
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = timeouts.Shutdown
	}

	notifyCtx, notifyStop := context.WithCancel(context.Background())
	notifier := notify.New(matchURL)
	registry := room.NewRegistry(func(handoff room.Handoff) {
		notifier.Go(notifyCtx, handoff)
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(registry, notifier, verifier),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: shutdownTimeout,
		httpServer:      httpServer,
		notifyStop:      notifyStop,
	}, nil
}

// Run creates and serves a room server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init room server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve room: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("room server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("room server listening on %s", s.httpAddr)
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

// Close releases server resources and cancels in-flight handoff retries.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.notifyStop != nil {
		s.notifyStop()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
}

// deliverer is the notifier surface the handler needs for manual retries.
type deliverer interface {
	Deliver(ctx context.Context, handoff room.Handoff) error
}

type handler struct {
	registry *room.Registry
	notifier deliverer
	verifier identity.Verifier
}

// NewHandler creates the room service routes. Exported so tests can mount
// the surface on httptest servers with fake collaborators.
func NewHandler(registry *room.Registry, notifier deliverer, verifier identity.Verifier) http.Handler {
	h := &handler{registry: registry, notifier: notifier, verifier: verifier}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/create-room", h.createRoom)
	mux.HandleFunc("/rooms", h.listRooms)
	mux.HandleFunc("/room/", h.getRoom)
	mux.HandleFunc("/join-room/", h.joinRoom)
	mux.HandleFunc("/start-game/", h.startGame)
	mux.HandleFunc("/leave-room/", h.leaveRoom)
	mux.HandleFunc("/notify-game/", h.notifyGame)
	return mux
}

type roomPayload struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Host      string   `json:"host"`
	Players   []string `json:"players"`
	State     string   `json:"state"`
	Capacity  int      `json:"capacity"`
	CreatedAt int64    `json:"created_at"`
}

func toRoomPayload(r room.Room) roomPayload {
	return roomPayload{
		ID:        r.ID,
		Name:      r.Name,
		Host:      r.Host,
		Players:   r.Players,
		State:     string(r.State),
		Capacity:  r.Capacity,
		CreatedAt: r.CreatedAt.UnixMilli(),
	}
}

type createRoomRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

func (h *handler) createRoom(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req createRoomRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeInvalidInput, "invalid request body", err))
			return
		}
	}

	created, err := h.registry.CreateRoom(req.Name, req.Capacity, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoomPayload(created))
}

func (h *handler) listRooms(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rooms := h.registry.ListRooms()
	payload := make([]roomPayload, 0, len(rooms))
	for _, item := range rooms {
		payload = append(payload, toRoomPayload(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": payload})
}

func (h *handler) getRoom(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	roomID, ok := pathSuffix(w, r, "/room/")
	if !ok {
		return
	}
	found, err := h.registry.GetRoom(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomPayload(found))
}

func (h *handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	roomID, ok := pathSuffix(w, r, "/join-room/")
	if !ok {
		return
	}
	joined, err := h.registry.JoinRoom(roomID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomPayload(joined))
}

func (h *handler) startGame(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	roomID, ok := pathSuffix(w, r, "/start-game/")
	if !ok {
		return
	}
	started, err := h.registry.StartGame(roomID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomPayload(started))
}

func (h *handler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	roomID, ok := pathSuffix(w, r, "/leave-room/")
	if !ok {
		return
	}
	remaining, deleted, err := h.registry.LeaveRoom(roomID, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	if deleted {
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		return
	}
	writeJSON(w, http.StatusOK, toRoomPayload(remaining))
}

// notifyGame re-delivers the create-match handoff of a full room. It exists
// for the case where every automatic attempt failed and an operator or the
// host wants to kick delivery again.
func (h *handler) notifyGame(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	roomID, ok := pathSuffix(w, r, "/notify-game/")
	if !ok {
		return
	}
	handoff, err := h.registry.PendingHandoff(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.notifier.Deliver(r.Context(), handoff); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

// authenticate resolves the caller identity from the bearer token. A
// failure writes the error response and reports false.
func (h *handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, apperrors.New(apperrors.CodeAuthFailed, "missing bearer token"))
		return "", false
	}
	verifyCtx, cancel := context.WithTimeout(r.Context(), timeouts.IdentityVerify)
	defer cancel()

	caller, err := h.verifier.Verify(verifyCtx, token)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	return caller, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// pathSuffix extracts the single path parameter after prefix. Nested paths
// are rejected so /room/123/extra does not silently resolve room "123".
func pathSuffix(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	value := strings.TrimPrefix(r.URL.Path, prefix)
	if value == "" || strings.Contains(value, "/") {
		writeError(w, apperrors.New(apperrors.CodeInvalidInput, "missing room id"))
		return "", false
	}
	return value, true
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
		log.Printf("room: write response: %v", err)
	}
}
