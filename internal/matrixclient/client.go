// Package matrixclient is a small Client-Server API client covering what
// the room repository backend needs: login, whoami, room creation, alias
// resolution and state reads and writes.
package matrixclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/lalith-99/hghs/internal/matrix"
	"go.uber.org/zap"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

type Config struct {
	// HomeserverURL is the base URL, e.g. "https://matrix.example.org".
	HomeserverURL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to one homeserver. After Login (or SetAccessToken) every
// request is authenticated. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.RWMutex
	accessToken string
	userID      string
	deviceID    string
}

func New(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("matrixclient: HomeserverURL is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrixclient: invalid HomeserverURL %q: %w", cfg.HomeserverURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.HomeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// SetAccessToken uses an existing token instead of logging in.
func (c *Client) SetAccessToken(userID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.accessToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Login authenticates with a password and keeps the returned token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("matrixclient: username and password are required for login")
	}
	request := LoginRequest{
		Type: matrix.LoginTypePassword,
		Identifier: &UserIdentifier{
			Type: matrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: "hghs repository",
	}

	var response LoginResponse
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/login", false, request, &response); err != nil {
		return nil, fmt.Errorf("matrixclient: login failed: %w", err)
	}

	c.mu.Lock()
	c.accessToken = response.AccessToken
	c.userID = response.UserID
	c.deviceID = response.DeviceID
	c.mu.Unlock()

	c.logger.Info("logged in to homeserver",
		zap.String("user_id", response.UserID),
		zap.String("device_id", response.DeviceID),
	)
	return &response, nil
}

// WhoAmI also records the returned identity on the client.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	var response WhoAmIResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", true, nil, &response); err != nil {
		return nil, fmt.Errorf("matrixclient: whoami failed: %w", err)
	}
	c.mu.Lock()
	c.userID = response.UserID
	if response.DeviceID != "" {
		c.deviceID = response.DeviceID
	}
	c.mu.Unlock()
	return &response, nil
}

func (c *Client) CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error) {
	var response CreateRoomResponse
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", true, request, &response); err != nil {
		return nil, fmt.Errorf("matrixclient: create room failed: %w", err)
	}
	c.logger.Info("created room",
		zap.String("room_id", response.RoomID),
		zap.String("alias", request.RoomAliasName),
	)
	return &response, nil
}

// ResolveAlias returns a *matrix.Error with M_NOT_FOUND for unknown aliases.
func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias)
	var response ResolveAliasResponse
	if err := c.do(ctx, http.MethodGet, path, true, nil, &response); err != nil {
		return "", fmt.Errorf("matrixclient: resolve alias %q failed: %w", alias, err)
	}
	return response.RoomID, nil
}

// GetStateEvent returns the content of one state event, or a *matrix.Error
// with M_NOT_FOUND.
func (c *Client) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	var content json.RawMessage
	if err := c.do(ctx, http.MethodGet, statePath(roomID, eventType, stateKey), true, nil, &content); err != nil {
		return nil, fmt.Errorf("matrixclient: get state %s/%s in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return content, nil
}

// SendStateEvent writes a state event and returns its event ID.
func (c *Client) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error) {
	var response SendEventResponse
	if err := c.do(ctx, http.MethodPut, statePath(roomID, eventType, stateKey), true, content, &response); err != nil {
		return "", fmt.Errorf("matrixclient: send state %s/%s to %q failed: %w", eventType, stateKey, roomID, err)
	}
	return response.EventID, nil
}

// GetRoomState returns every current state event of a room.
func (c *Client) GetRoomState(ctx context.Context, roomID string) ([]StateEvent, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", url.PathEscape(roomID))
	var events []StateEvent
	if err := c.do(ctx, http.MethodGet, path, true, nil, &events); err != nil {
		return nil, fmt.Errorf("matrixclient: get room state for %q failed: %w", roomID, err)
	}
	return events, nil
}

func statePath(roomID, eventType, stateKey string) string {
	return fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventType),
		url.PathEscape(stateKey),
	)
}

// do sends one request. Non-2xx responses with a Matrix error body are
// returned as *matrix.Error; anything else as a plain error.
func (c *Client) do(ctx context.Context, method, path string, authenticated bool, requestBody, responseBody any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		token := c.token()
		if token == "" {
			return fmt.Errorf("%s %s: not logged in", method, path)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var matrixErr matrix.Error
		if jsonErr := json.Unmarshal(body, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
			return fmt.Errorf("unexpected %d response from %s %s: %s", response.StatusCode, method, path, string(body))
		}
		matrixErr.Status = response.StatusCode
		c.logger.Debug("homeserver returned error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("errcode", string(matrixErr.Code)),
		)
		return &matrixErr
	}

	if responseBody == nil {
		return nil
	}
	if err := json.Unmarshal(body, responseBody); err != nil {
		return fmt.Errorf("parse response from %s %s: %w", method, path, err)
	}
	return nil
}
