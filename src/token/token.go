package token

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	ClientID    = "503557087041683458"
	RedirectURI = "https://login.premid.app"
)

var Scopes = []string{"identify", "activities.write"}

var (
	ErrUnauthorized = errors.New("authorization rejected")
	ErrNoCode       = errors.New("authorization response carries no code")
	ErrNoToken      = errors.New("token exchange returned no access token")
)

const tokenFile = "access.txt"

// ProbeFunc asserts that a persisted access token still authorizes. A
// nil error accepts the token; anything else forces a fresh exchange.
type ProbeFunc func(ctx context.Context, accessToken string) error

// Manager owns the single cached bearer token used by the headless
// session API. GetToken is single-flight: concurrent callers share one
// PKCE exchange and observe the same resulting token.
type Manager struct {
	mu          sync.Mutex
	accessToken string

	authToken      string
	dir            string
	probe          ProbeFunc
	ifUnauthorized error
	httpClient     *http.Client
	apiBaseURL     string
	log            *slog.Logger
}

type ManagerArguments struct {
	// AuthToken is the user-level credential presented to the authorize
	// endpoint. It is not the bearer token this manager produces.
	AuthToken string
	// Dir is where the access token file is persisted.
	Dir   string
	Probe ProbeFunc
	// IfUnauthorized is returned (wrapped) when the authorize step is
	// rejected, so callers can tell "credentials revoked" apart from a
	// generic failure. Defaults to ErrUnauthorized.
	IfUnauthorized error
	HTTPClient     *http.Client
	// APIBaseURL overrides https://discord.com in tests.
	APIBaseURL string
	Logger     *slog.Logger
}

func NewManager(args ManagerArguments) *Manager {
	if args.HTTPClient == nil {
		args.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if args.APIBaseURL == "" {
		args.APIBaseURL = "https://discord.com"
	}
	if args.IfUnauthorized == nil {
		args.IfUnauthorized = ErrUnauthorized
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Manager{
		authToken:      args.AuthToken,
		dir:            args.Dir,
		probe:          args.Probe,
		ifUnauthorized: args.IfUnauthorized,
		httpClient:     args.HTTPClient,
		apiBaseURL:     args.APIBaseURL,
		log:            args.Logger,
	}
}

// GetToken returns the cached bearer token, loading and probing the
// persisted one first, and running the full PKCE exchange only when
// neither is usable.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken != "" {
		return m.accessToken, nil
	}
	if persisted, err := m.load(); err == nil {
		if err := m.probe(ctx, persisted); err == nil {
			m.accessToken = persisted
			return persisted, nil
		}
		m.log.Warn("persisted token failed liveness probe, discarding")
	}
	fresh, err := m.exchange(ctx)
	if err != nil {
		return "", err
	}
	m.accessToken = fresh
	if err := m.persist(fresh); err != nil {
		m.log.Warn("failed to persist access token", "error", err)
	}
	return fresh, nil
}

// Clear evicts the in-memory token and deletes the persisted file. It
// does not revoke the token server-side.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
	err := os.Remove(filepath.Join(m.dir, tokenFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manager) load() (string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, tokenFile))
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", errors.New("empty token file")
	}
	return tok, nil
}

func (m *Manager) persist(accessToken string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, tokenFile), []byte(accessToken), 0o600)
}

// exchange runs the PKCE authorization-code flow: authorize with a
// SHA-256 code challenge, pull the code out of the redirect location,
// then trade code plus verifier for an access token.
func (m *Manager) exchange(ctx context.Context) (string, error) {
	verifier, err := randomString(128)
	if err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	challenge := codeChallenge(verifier)

	authorizeURL := fmt.Sprintf("%s/api/v9/oauth2/authorize?%s", m.apiBaseURL, url.Values{
		"client_id":             {ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {RedirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {strings.Join(Scopes, " ")},
		"state":                 {"undefined"},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authorizeURL,
		bytes.NewReader([]byte(`{"authorize":true}`)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", m.authToken)

	res, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize request failed: %w", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("authorize rejected with %d %s: %w", res.StatusCode, body, m.ifUnauthorized)
	}

	var redirect struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(body, &redirect); err != nil {
		return "", fmt.Errorf("malformed authorize response: %w", err)
	}
	loc, err := url.Parse(redirect.Location)
	if err != nil {
		return "", fmt.Errorf("malformed redirect location: %w", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		return "", ErrNoCode
	}

	form := url.Values{
		"client_id":     {ClientID},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {RedirectURI},
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost,
		m.apiBaseURL+"/api/v10/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err = m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer res.Body.Close()
	var grant struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(res.Body).Decode(&grant); err != nil {
		return "", fmt.Errorf("malformed token response: %w", err)
	}
	if grant.AccessToken == "" {
		return "", ErrNoToken
	}
	return grant.AccessToken, nil
}

const possible = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomString(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range raw {
		out[i] = possible[int(b)%len(possible)]
	}
	return string(out), nil
}

func codeChallenge(verifier string) string {
	hashed := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hashed[:])
}
