package boardsync

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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayboard/internal/workitem"
)

var (
	ErrConflict       = errors.New("version conflict")
	ErrAuthExpired    = errors.New("session expired")
	ErrNoRefreshToken = errors.New("no refresh token configured")
)

// HTTPError is the structured failure every Transport call reports. The
// resolver only looks at StatusCode and Code.
type HTTPError struct {
	StatusCode     int
	Code           string
	Message        string
	CurrentVersion int64
	Messages       []string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrAuthExpired:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

type Event struct {
	EventID   string         `json:"eventId"`
	Type      string         `json:"type"`
	TeamID    string         `json:"teamId"`
	ItemID    string         `json:"itemId"`
	Version   int64          `json:"version"`
	Timestamp string         `json:"timestamp,omitempty"`
	Item      *workitem.Item `json:"item,omitempty"`
}

type EventFeed struct {
	Events     []Event `json:"events"`
	NextCursor *string `json:"nextCursor"`
}

type ItemList struct {
	Items []workitem.Item `json:"items"`
}

type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

// Transport is the request surface the mutation client depends on.
type Transport interface {
	Get(ctx context.Context, path string) (workitem.Item, error)
	Post(ctx context.Context, path string, body workitem.Delta, idempotencyKey string) (workitem.Item, error)
	Patch(ctx context.Context, path string, delta workitem.Delta, baseVersion int64, idempotencyKey string) (workitem.Item, error)
	Delete(ctx context.Context, path string, baseVersion int64) error
	RefreshToken(ctx context.Context) (string, error)
}

func ItemsPath(teamID string) string {
	return fmt.Sprintf("/v1/teams/%s/items", url.PathEscape(teamID))
}

func ItemPath(teamID, itemID string) string {
	return ItemsPath(teamID) + "/" + url.PathEscape(itemID)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu           sync.RWMutex
	token        string
	refreshToken string
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) SetRefreshToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshToken = strings.TrimSpace(token)
}

func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Get(ctx context.Context, path string) (workitem.Item, error) {
	var out workitem.Item
	err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out, true)
	return out, err
}

func (c *HTTPClient) ListItems(ctx context.Context, teamID string) ([]workitem.Item, error) {
	var out ItemList
	if err := c.doJSON(ctx, http.MethodGet, ItemsPath(teamID), nil, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPClient) ListEvents(ctx context.Context, teamID, cursor string, limit int) (EventFeed, error) {
	q := url.Values{}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out EventFeed
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/teams/%s/events?%s", url.PathEscape(teamID), q.Encode()), nil, nil, &out, true)
	return out, err
}

func (c *HTTPClient) Post(ctx context.Context, path string, body workitem.Delta, idempotencyKey string) (workitem.Item, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var out workitem.Item
	err := c.doJSON(ctx, http.MethodPost, path, headers, body, &out, false)
	return out, err
}

func (c *HTTPClient) Patch(ctx context.Context, path string, delta workitem.Delta, baseVersion int64, idempotencyKey string) (workitem.Item, error) {
	headers := map[string]string{
		"If-Match": strconv.FormatInt(baseVersion, 10),
	}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var out workitem.Item
	err := c.doJSON(ctx, http.MethodPatch, path, headers, delta, &out, false)
	return out, err
}

func (c *HTTPClient) Delete(ctx context.Context, path string, baseVersion int64) error {
	headers := map[string]string{
		"If-Match": strconv.FormatInt(baseVersion, 10),
	}
	return c.doJSON(ctx, http.MethodDelete, path, headers, nil, nil, false)
}

// RefreshToken exchanges the refresh token for a new access token and keeps
// both for subsequent requests.
func (c *HTTPClient) RefreshToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()
	if refresh == "" {
		return "", ErrNoRefreshToken
	}
	var out TokenResponse
	body := map[string]string{"refreshToken": refresh}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/refresh", nil, body, &out, false); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", fmt.Errorf("refresh response missing access token")
	}
	c.mu.Lock()
	c.token = out.AccessToken
	if out.RefreshToken != "" {
		c.refreshToken = out.RefreshToken
	}
	c.mu.Unlock()
	return out.AccessToken, nil
}

// doJSON sends one request. Only reads set retry; writes are attempted once
// and the mutation client decides whether to send them again.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
	retry bool,
) error {
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.Token())
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code           string   `json:"code"`
			Message        string   `json:"message"`
			CurrentVersion int64    `json:"currentVersion"`
			Messages       []string `json:"messages"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode:     resp.StatusCode,
			Code:           errPayload.Code,
			Message:        errPayload.Message,
			CurrentVersion: errPayload.CurrentVersion,
			Messages:       errPayload.Messages,
		}
	}
}

func correlationID() string {
	return "board_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
