// Package identity resolves opaque tokens to the identities that own them.
//
// The identity service itself is an external collaborator; this package
// implements only its client side, plus a local JWT verification mode for
// deployments that share the token signing secret instead of an
// introspection endpoint.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
	"github.com/gridmatch/gridmatch/internal/platform/timeouts"
)

// Verifier resolves a token to the owning identity. Every non-success is
// reported as an AUTH_FAILED domain error so callers can map it uniformly.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// New picks a verifier from configuration: an introspection base URL wins
// over a shared JWT secret.
func New(baseURL, jwtSecret string) (Verifier, error) {
	baseURL = strings.TrimSpace(baseURL)
	jwtSecret = strings.TrimSpace(jwtSecret)
	switch {
	case baseURL != "":
		return NewHTTPVerifier(baseURL), nil
	case jwtSecret != "":
		return NewJWTVerifier([]byte(jwtSecret)), nil
	default:
		return nil, fmt.Errorf("identity verifier requires a base URL or a JWT secret")
	}
}

// HTTPVerifier validates tokens against the identity service's
// validate-session endpoint.
type HTTPVerifier struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPVerifier creates a verifier calling the identity service at baseURL.
func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: timeouts.IdentityVerify,
		},
	}
}

type validateSessionResponse struct {
	Username string `json:"username"`
}

// Verify resolves token via the identity service. The call is bounded by a
// short timeout so a slow identity service cannot stall a match.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeAuthFailed, "missing token")
	}

	verifyCtx, cancel := context.WithTimeout(ctx, timeouts.IdentityVerify)
	defer cancel()

	req, err := http.NewRequestWithContext(verifyCtx, http.MethodPost, v.baseURL+"/validate-session", nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeAuthFailed, "build validate-session request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeAuthFailed, "call identity service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.New(apperrors.CodeAuthFailed, fmt.Sprintf("identity service status %d", resp.StatusCode))
	}

	var payload validateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", apperrors.Wrap(apperrors.CodeAuthFailed, "decode validate-session response", err)
	}

	username := strings.TrimSpace(payload.Username)
	if username == "" {
		return "", apperrors.New(apperrors.CodeAuthFailed, "identity service returned empty identity")
	}
	return username, nil
}
