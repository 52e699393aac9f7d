// Package remote talks to the sync server over HTTP and the realtime websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxErrorBody       = 4 << 10
	defaultDialTimeout = 10 * time.Second
)

// Credentials identify the calling device.
type Credentials struct {
	DeviceID    string
	DeviceToken string
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	AppVersion string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

type Client struct {
	baseURL    *url.URL
	appVersion string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: defaultDialTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    parsed,
		appVersion: cfg.AppVersion,
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
	}, nil
}

// Bootstrap registers the device or confirms an existing registration.
func (c *Client) Bootstrap(ctx context.Context, credentials Credentials) (wire.BootstrapResponse, error) {
	request := wire.BootstrapRequest{
		DeviceID:    credentials.DeviceID,
		DeviceToken: credentials.DeviceToken,
		AppVersion:  c.appVersion,
	}
	var response wire.BootstrapResponse
	err := c.do(ctx, http.MethodPost, "/v1/bootstrap", nil, credentials, request, &response)
	return response, err
}

func (c *Client) Push(ctx context.Context, credentials Credentials, request wire.PushRequest) (wire.PushResponse, error) {
	var response wire.PushResponse
	err := c.do(ctx, http.MethodPost, "/v1/sync/push", nil, credentials, request, &response)
	return response, err
}

func (c *Client) Pull(ctx context.Context, credentials Credentials, sinceMs int64) (wire.PullResponse, error) {
	query := url.Values{"sinceMs": []string{strconv.FormatInt(sinceMs, 10)}}
	var response wire.PullResponse
	err := c.do(ctx, http.MethodGet, "/v1/sync/pull", query, credentials, nil, &response)
	return response, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, credentials Credentials, body, out interface{}) error {
	target := c.endpoint(path)
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("remote: build %s: %w", path, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	setCredentials(request.Header, credentials)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return &TransportError{Path: path, Err: err}
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		statusErr := &StatusError{Path: path, StatusCode: response.StatusCode, Body: strings.TrimSpace(string(text))}
		c.logger.Debug("api request failed", zap.String("path", path), zap.Int("status", response.StatusCode))
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &TransportError{Path: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) endpoint(path string) *url.URL {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	return &target
}

func setCredentials(header http.Header, credentials Credentials) {
	if credentials.DeviceID != "" {
		header.Set(wire.HeaderDeviceID, credentials.DeviceID)
	}
	if credentials.DeviceToken != "" {
		header.Set("Authorization", "Bearer "+credentials.DeviceToken)
	}
}
