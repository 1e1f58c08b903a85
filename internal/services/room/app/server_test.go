package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
	"github.com/gridmatch/gridmatch/internal/services/room"
)

// fakeVerifier resolves tokens of the form "token-<identity>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	identity, ok := strings.CutPrefix(token, "token-")
	if !ok || identity == "" {
		return "", apperrors.New(apperrors.CodeAuthFailed, "unknown token")
	}
	return identity, nil
}

type fakeDeliverer struct {
	delivered []room.Handoff
	err       error
}

func (f *fakeDeliverer) Deliver(_ context.Context, handoff room.Handoff) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, handoff)
	return nil
}

type testEnv struct {
	srv      *httptest.Server
	registry *room.Registry
	notifier *fakeDeliverer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	notifier := &fakeDeliverer{}
	registry := room.NewRegistry(func(room.Handoff) {})
	srv := httptest.NewServer(NewHandler(registry, notifier, fakeVerifier{}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, registry: registry, notifier: notifier}
}

func (env *testEnv) request(t *testing.T, method, path, identity string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if identity != "" {
		req.Header.Set("Authorization", "Bearer token-"+identity)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeRoom(t *testing.T, resp *http.Response) roomPayload {
	t.Helper()
	var payload roomPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode room payload: %v", err)
	}
	return payload
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload errorBody
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload.Error.Code
}

func TestUpEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateRoomEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/create-room", "alice", map[string]any{"name": "Lobby"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	created := decodeRoom(t, resp)
	if created.Host != "alice" {
		t.Fatalf("host = %q, want alice", created.Host)
	}
	if len(created.ID) != 5 {
		t.Fatalf("room code %q, want 5 digits", created.ID)
	}
	if created.State != string(room.StateWaiting) {
		t.Fatalf("state = %q, want waiting", created.State)
	}
}

func TestCreateRoomRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/create-room", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(apperrors.CodeAuthFailed) {
		t.Fatalf("error code = %q, want AUTH_FAILED", code)
	}
}

func TestJoinRoomEndpoint(t *testing.T) {
	env := newTestEnv(t)
	created := decodeRoom(t, env.request(t, http.MethodPost, "/create-room", "alice", nil))

	resp := env.request(t, http.MethodPost, "/join-room/"+created.ID, "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	joined := decodeRoom(t, resp)
	if joined.State != string(room.StateFull) {
		t.Fatalf("state = %q, want full", joined.State)
	}

	resp = env.request(t, http.MethodPost, "/join-room/"+created.ID, "carol", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("full room status = %d, want 400", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(apperrors.CodeRoomFull) {
		t.Fatalf("error code = %q, want ROOM_FULL", code)
	}
}

func TestJoinUnknownRoomIs404(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/join-room/00000", "bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(apperrors.CodeNotFound) {
		t.Fatalf("error code = %q, want NOT_FOUND", code)
	}
}

func TestStartGameEndpoint(t *testing.T) {
	env := newTestEnv(t)
	created := decodeRoom(t, env.request(t, http.MethodPost, "/create-room", "alice", map[string]any{"capacity": 3}))
	env.request(t, http.MethodPost, "/join-room/"+created.ID, "bob", nil)

	resp := env.request(t, http.MethodPost, "/start-game/"+created.ID, "bob", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-host status = %d, want 403", resp.StatusCode)
	}

	resp = env.request(t, http.MethodPost, "/start-game/"+created.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("host status = %d, want 200", resp.StatusCode)
	}
	started := decodeRoom(t, resp)
	if started.State != string(room.StateInProgress) {
		t.Fatalf("state = %q, want in_progress on force start", started.State)
	}
}

func TestLeaveRoomEndpoint(t *testing.T) {
	env := newTestEnv(t)
	created := decodeRoom(t, env.request(t, http.MethodPost, "/create-room", "alice", nil))
	env.request(t, http.MethodPost, "/join-room/"+created.ID, "bob", nil)

	resp := env.request(t, http.MethodPost, "/leave-room/"+created.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	remaining := decodeRoom(t, resp)
	if remaining.Host != "bob" {
		t.Fatalf("host = %q, want reassigned bob", remaining.Host)
	}

	resp = env.request(t, http.MethodPost, "/leave-room/"+created.ID, "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("last leave status = %d, want 200", resp.StatusCode)
	}
	var deletedPayload struct {
		Deleted bool `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&deletedPayload); err != nil {
		t.Fatalf("decode delete payload: %v", err)
	}
	if !deletedPayload.Deleted {
		t.Fatal("expected room destruction to be reported")
	}
}

func TestListAndGetRoomEndpoints(t *testing.T) {
	env := newTestEnv(t)
	created := decodeRoom(t, env.request(t, http.MethodPost, "/create-room", "alice", nil))

	resp := env.request(t, http.MethodGet, "/rooms", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	var listPayload struct {
		Rooms []roomPayload `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listPayload); err != nil {
		t.Fatalf("decode list payload: %v", err)
	}
	if len(listPayload.Rooms) != 1 || listPayload.Rooms[0].ID != created.ID {
		t.Fatalf("rooms = %v, want the created room", listPayload.Rooms)
	}

	resp = env.request(t, http.MethodGet, "/room/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if got := decodeRoom(t, resp); got.ID != created.ID {
		t.Fatalf("room id = %q, want %q", got.ID, created.ID)
	}
}

func TestNotifyGameEndpoint(t *testing.T) {
	env := newTestEnv(t)
	created := decodeRoom(t, env.request(t, http.MethodPost, "/create-room", "alice", nil))

	// A waiting room has nothing to deliver.
	resp := env.request(t, http.MethodPost, "/notify-game/"+created.ID, "alice", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("waiting room status = %d, want 400", resp.StatusCode)
	}

	env.request(t, http.MethodPost, "/join-room/"+created.ID, "bob", nil)
	resp = env.request(t, http.MethodPost, "/notify-game/"+created.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(env.notifier.delivered) != 1 {
		t.Fatalf("notifier saw %d deliveries, want 1", len(env.notifier.delivered))
	}
	if env.notifier.delivered[0].MatchID != created.ID {
		t.Fatalf("delivered match id = %q, want %q", env.notifier.delivered[0].MatchID, created.ID)
	}
}

func TestNotifyGameExhaustionIs502(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = apperrors.New(apperrors.CodeUpstreamUnavailable, "match service unreachable")
	created := decodeRoom(t, env.request(t, http.MethodPost, "/create-room", "alice", nil))
	env.request(t, http.MethodPost, "/join-room/"+created.ID, "bob", nil)

	resp := env.request(t, http.MethodPost, "/notify-game/"+created.ID, "alice", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(apperrors.CodeUpstreamUnavailable) {
		t.Fatalf("error code = %q, want UPSTREAM_UNAVAILABLE", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/create-room", "/join-room/12345", "/start-game/12345", "/leave-room/12345"} {
		resp := env.request(t, http.MethodGet, path, "alice", nil)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s status = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestNewServerValidation(t *testing.T) {
	cases := []struct {
		name   string
		config Config
	}{
		{"missing http addr", Config{MatchServiceURL: "http://localhost:8003", JWTSecret: "s"}},
		{"missing match url", Config{HTTPAddr: ":0", JWTSecret: "s"}},
		{"missing identity config", Config{HTTPAddr: ":0", MatchServiceURL: "http://localhost:8003"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewServer(tc.config); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestServerRunsAndShutsDown(t *testing.T) {
	server, err := NewServer(Config{
		HTTPAddr:        "127.0.0.1:0",
		MatchServiceURL: "http://localhost:8003",
		JWTSecret:       "dev_jwt_secret",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx)
	}()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
