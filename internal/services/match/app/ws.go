package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
	"github.com/gridmatch/gridmatch/internal/platform/timeouts"
	"github.com/gridmatch/gridmatch/internal/services/match/domain"
)

const maxDecodeErrorsPerConn = 3

// wsCommand is a client-to-server frame. The optional token overrides the
// connection token for that single command.
type wsCommand struct {
	Cmd      string `json:"cmd"`
	Position *int   `json:"position,omitempty"`
	Player   string `json:"player,omitempty"`
	Token    string `json:"token,omitempty"`
}

type wsStateFrame struct {
	Type  string       `json:"type"`
	Match matchPayload `json:"match"`
}

type wsErrorFrame struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type wsPongFrame struct {
	Type string `json:"type"`
}

// wsChannel is one websocket subscriber. The write mutex keeps concurrent
// broadcast and command-response writes from interleaving frames.
type wsChannel struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn, encoder: json.NewEncoder(conn)}
}

// SendState implements live.Channel.
func (c *wsChannel) SendState(match *domain.Match) error {
	return c.write(wsStateFrame{Type: "state", Match: toMatchPayload(match)})
}

func (c *wsChannel) write(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A bounded write turns a peer that stopped draining into a send
	// error, which detaches the channel.
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeouts.LiveSend))
	return c.encoder.Encode(frame)
}

func (c *wsChannel) writeError(err error) {
	code := apperrors.CodeOf(err)
	_ = c.write(wsErrorFrame{
		Type:   "error",
		Code:   string(code),
		Detail: err.Error(),
	})
}

// serveWS upgrades /ws/games/{id} and runs the frame loop until the client
// disconnects.
func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	matchID := strings.TrimPrefix(r.URL.Path, "/ws/games/")
	if matchID == "" || strings.Contains(matchID, "/") {
		http.Error(w, "missing match id", http.StatusBadRequest)
		return
	}

	websocket.Handler(func(conn *websocket.Conn) {
		h.handleWSConn(conn, matchID)
	}).ServeHTTP(w, r)
}

func (h *handler) handleWSConn(conn *websocket.Conn, matchID string) {
	defer func() {
		_ = conn.Close()
	}()

	channel := newWSChannel(conn)

	// The query token authenticates the connection as a whole; individual
	// commands may carry their own token, which takes precedence.
	connToken := ""
	if request := conn.Request(); request != nil {
		connToken = strings.TrimSpace(request.URL.Query().Get("token"))
	}

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	if err := h.live.Attach(ctx, matchID, channel); err != nil {
		channel.writeError(err)
		return
	}
	defer h.live.Detach(matchID, channel)

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var cmd wsCommand
		if err := decoder.Decode(&cmd); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			channel.writeError(apperrors.New(apperrors.CodeInvalidInput, "invalid command payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch cmd.Cmd {
		case "ping":
			if err := channel.write(wsPongFrame{Type: "pong"}); err != nil {
				log.Printf("match: write pong on match %s: %v", matchID, err)
				return
			}
		case "move":
			h.handleMoveCommand(ctx, channel, matchID, connToken, cmd)
		case "setTurn":
			h.handleSetTurnCommand(ctx, channel, matchID, connToken, cmd)
		default:
			channel.writeError(apperrors.New(apperrors.CodeInvalidInput, "unsupported command"))
		}
	}
}

func (h *handler) handleMoveCommand(ctx context.Context, channel *wsChannel, matchID, connToken string, cmd wsCommand) {
	caller, err := h.resolveIdentity(ctx, connToken, cmd.Token)
	if err != nil {
		channel.writeError(err)
		return
	}
	if cmd.Position == nil {
		channel.writeError(apperrors.New(apperrors.CodeInvalidPosition, "position is required"))
		return
	}

	// The mutation broadcasts to every subscriber, this channel included,
	// so no direct response is written on success.
	if _, err := h.service.ApplyMove(ctx, matchID, caller, *cmd.Position); err != nil {
		channel.writeError(err)
	}
}

func (h *handler) handleSetTurnCommand(ctx context.Context, channel *wsChannel, matchID, connToken string, cmd wsCommand) {
	caller, err := h.resolveIdentity(ctx, connToken, cmd.Token)
	if err != nil {
		channel.writeError(err)
		return
	}
	target := strings.TrimSpace(cmd.Player)
	if target == "" {
		channel.writeError(apperrors.New(apperrors.CodeInvalidInput, "player is required"))
		return
	}

	if _, err := h.service.SetTurn(ctx, matchID, caller, target); err != nil {
		channel.writeError(err)
	}
}

// resolveIdentity verifies the command token, falling back to the
// connection token when the command carries none.
func (h *handler) resolveIdentity(ctx context.Context, connToken, cmdToken string) (string, error) {
	token := strings.TrimSpace(cmdToken)
	if token == "" {
		token = connToken
	}
	if token == "" {
		return "", apperrors.New(apperrors.CodeAuthFailed, "missing token")
	}

	verifyCtx, cancel := context.WithTimeout(ctx, timeouts.IdentityVerify)
	defer cancel()
	return h.verifier.Verify(verifyCtx, token)
}
