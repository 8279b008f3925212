package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/theLastOfCats/audiosync/internal/model"
)

// APIError represents a non-2xx response from the sync server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sync server error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("sync server error (%d)", e.Status)
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

type apiErrorPayload struct {
	Error string `json:"error"`
}

// Remote is the server surface the coordinator needs.
type Remote interface {
	LibraryChanges(ctx context.Context, since *int64) (*model.LibraryChanges, error)
	UserChanges(ctx context.Context, since *int64) (*model.UserChanges, error)
	PushPlaythrough(ctx context.Context, batch model.PlaythroughBatch) (model.PushResult, error)
	PutPlayerState(ctx context.Context, state model.PlayerState) error
}

// Client talks to one sync server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ Remote = (*Client)(nil)

func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    normalized,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// NormalizeBaseURL trims the server URL and ensures it has a scheme. The
// normalized form is also the key every local row is scoped by.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("server url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("server url must include scheme and host (https://...)")
	}
	return strings.TrimRight(value, "/"), nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Login exchanges credentials for a bearer token. Unknown emails are
// registered by the server.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	req := map[string]string{"email": email, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("server returned an empty token")
	}
	c.token = resp.Token
	return resp.Token, nil
}

func (c *Client) LibraryChanges(ctx context.Context, since *int64) (*model.LibraryChanges, error) {
	var resp model.LibraryChanges
	if err := c.doJSON(ctx, http.MethodGet, "/sync/library", sinceQuery(since), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UserChanges(ctx context.Context, since *int64) (*model.UserChanges, error) {
	var resp model.UserChanges
	if err := c.doJSON(ctx, http.MethodGet, "/sync/user", sinceQuery(since), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) PushPlaythrough(ctx context.Context, batch model.PlaythroughBatch) (model.PushResult, error) {
	var resp model.PushResult
	if err := c.doJSON(ctx, http.MethodPost, "/sync/playthroughs", nil, batch, &resp); err != nil {
		return model.PushResult{}, err
	}
	return resp, nil
}

// PutPlayerState feeds the server's pre-playthrough position endpoint.
func (c *Client) PutPlayerState(ctx context.Context, state model.PlayerState) error {
	return c.doJSON(ctx, http.MethodPut, "/player-state", nil, state, nil)
}

// MediaURL is where the audio of a media item is served.
func (c *Client) MediaURL(mediaID string) string {
	return c.baseURL + "/media/" + url.PathEscape(mediaID) + "/audio"
}

// Token is the bearer token requests are sent with.
func (c *Client) Token() string { return c.token }

func sinceQuery(since *int64) url.Values {
	if since == nil {
		return nil
	}
	q := url.Values{}
	q.Set("since", strconv.FormatInt(*since, 10))
	return q
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload apiErrorPayload
		if err := json.Unmarshal(respData, &payload); err == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(respData))
		}
		return apiErr
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	return json.Unmarshal(respData, respBody)
}

// SessionFromToken reads the user id out of a server token without verifying
// it. The server verifies; the client only needs to know whose rows are whose.
func SessionFromToken(serverURL, token string) (model.Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return model.Session{}, fmt.Errorf("failed to parse token: %w", err)
	}
	raw, ok := claims["user_id"]
	if !ok {
		return model.Session{}, fmt.Errorf("token has no user_id claim")
	}
	uid, ok := raw.(float64)
	if !ok {
		return model.Session{}, fmt.Errorf("token user_id claim is %T, want number", raw)
	}
	normalized, err := NormalizeBaseURL(serverURL)
	if err != nil {
		return model.Session{}, err
	}
	return model.Session{ServerURL: normalized, Token: token, UserID: int64(uid)}, nil
}
