package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hendrywilliam/chime/src/rest"
	"github.com/hendrywilliam/chime/src/structs"
	"github.com/hendrywilliam/chime/src/token"
)

// APIError carries the status code and raw body of a rejected call.
// After one of these the session handle must not be assumed valid.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api responded %d: %s", e.StatusCode, e.Body)
}

// TokenSource supplies the bearer token for session calls. Satisfied by
// *token.Manager.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Client drives the headless-session presence transport: a server-side
// resource representing the broadcast presence, no standing socket.
//
// Client holds no lock of its own. Ordering between a racing
// NewActivity and DeleteSession is the caller's responsibility; the
// intended pattern is a single logical caller per playback event.
type Client struct {
	rest       *rest.Client
	tokens     TokenSource
	authToken  string
	apiBaseURL string
	handle     string
	log        *slog.Logger
}

type ClientArguments struct {
	// AuthToken is the user-level credential, used only for the
	// identity lookup. Session calls use the TokenSource bearer.
	AuthToken string
	Tokens    TokenSource
	REST      *rest.Client
	// APIBaseURL overrides https://discord.com in tests.
	APIBaseURL string
	Logger     *slog.Logger
}

func NewClient(args ClientArguments) *Client {
	if args.REST == nil {
		args.REST = rest.NewClient(nil)
	}
	if args.APIBaseURL == "" {
		args.APIBaseURL = "https://discord.com"
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Client{
		rest:       args.REST,
		tokens:     args.Tokens,
		authToken:  args.AuthToken,
		apiBaseURL: args.APIBaseURL,
		log:        args.Logger,
	}
}

// NewActivity creates or updates the headless session. A nil activity
// is equivalent to DeleteSession. On success the returned session
// handle replaces any prior one.
func (c *Client) NewActivity(ctx context.Context, activity *structs.SessionActivity) error {
	if activity == nil {
		return c.DeleteSession(ctx)
	}
	access, err := c.tokens.GetToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(structs.Session{
		Activities: []structs.SessionActivity{*activity},
		Token:      c.handle,
	})
	if err != nil {
		return err
	}
	res, err := c.rest.Post(ctx, c.apiBaseURL+"/api/v10/users/@me/headless-sessions",
		bytes.NewReader(payload), bearer(access))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &APIError{StatusCode: res.StatusCode, Body: string(body)}
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("malformed session response: %w", err)
	}
	c.handle = out.Token
	c.log.Debug("headless session updated")
	return nil
}

// DeleteSession tears down the active session. A no-op when no handle
// is held. The handle is cleared before the call goes out, so it never
// survives a failed or ambiguous delete.
func (c *Client) DeleteSession(ctx context.Context) error {
	if c.handle == "" {
		return nil
	}
	handle := c.handle
	c.handle = ""
	access, err := c.tokens.GetToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"token": handle})
	if err != nil {
		return err
	}
	res, err := c.rest.Post(ctx, c.apiBaseURL+"/api/v10/users/@me/headless-sessions/delete",
		bytes.NewReader(payload), bearer(access))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(res.Body)
		return &APIError{StatusCode: res.StatusCode, Body: string(body)}
	}
	c.log.Debug("headless session deleted")
	return nil
}

// GetUserDetails resolves the authenticated account without opening a
// session, through the oauth2 authorize page.
func (c *Client) GetUserDetails(ctx context.Context) (*structs.User, error) {
	url := fmt.Sprintf("%s/api/v9/oauth2/authorize?client_id=%s", c.apiBaseURL, token.ClientID)
	res, err := c.rest.Get(ctx, url, nil, &rest.Options{
		Headers: map[string]string{"Authorization": c.authToken},
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &APIError{StatusCode: res.StatusCode, Body: string(body)}
	}
	var out struct {
		User structs.User `json:"user"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("malformed authorize response: %w", err)
	}
	return &out.User, nil
}

// LivenessProbe builds a token.ProbeFunc that asserts an access token
// still authorizes, by heading the current-user endpoint with it.
func LivenessProbe(restc *rest.Client, apiBaseURL string) token.ProbeFunc {
	if restc == nil {
		restc = rest.NewClient(nil)
	}
	if apiBaseURL == "" {
		apiBaseURL = "https://discord.com"
	}
	return func(ctx context.Context, accessToken string) error {
		res, err := restc.Head(ctx, apiBaseURL+"/api/v10/users/@me", bearer(accessToken))
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return &APIError{StatusCode: res.StatusCode, Body: http.StatusText(res.StatusCode)}
		}
		return nil
	}
}

func bearer(accessToken string) *rest.Options {
	return &rest.Options{
		Headers: map[string]string{"Authorization": "Bearer " + accessToken},
	}
}
