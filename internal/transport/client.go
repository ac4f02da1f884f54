// Package transport implements the signed HTTP client for the real-time
// agent platform. All calls share a common signature scheme:
// Signature = md5(AppId + SignatureNonce + ServerSecret + Timestamp),
// with the common parameters carried in the query string.
package transport

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/voxalabs/voxroom/internal/config"
)

// ErrAPIFailure indicates the platform answered with a non-zero code.
var ErrAPIFailure = errors.New("platform api failure")

// APIError carries the platform's error code and message.
type APIError struct {
	Action    string
	Code      int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api %s failed: code %d: %s (request %s)", e.Action, e.Code, e.Message, e.RequestID)
}

func (e *APIError) Unwrap() error { return ErrAPIFailure }

// apiResponse is the platform's common response envelope.
type apiResponse struct {
	Code      int             `json:"Code"`
	Message   string          `json:"Message"`
	RequestID string          `json:"RequestId"`
	Data      json.RawMessage `json:"Data"`
}

// Client signs and sends platform API requests.
type Client struct {
	cfg        config.PlatformConfig
	httpClient *http.Client
	logger     *slog.Logger
	errLog     *errorLog
}

// NewClient creates a platform client. The error log path is optional;
// when set, every non-zero platform response is appended there as JSONL.
func NewClient(cfg config.PlatformConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		errLog:     newErrorLog(cfg.ErrorLogPath, logger),
	}
}

func signature(appID int64, nonce, secret string, timestamp int64) string {
	sum := md5.Sum(fmt.Appendf(nil, "%d%s%s%d", appID, nonce, secret, timestamp))
	return hex.EncodeToString(sum[:])
}

func newNonce() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails if the OS entropy source is broken
		return ulid.Make().String()[:16]
	}
	return hex.EncodeToString(b[:])
}

// signedURL builds the request URL with the common parameters. extra
// values, if any, are merged into the query (GET-style calls).
func (c *Client) signedURL(baseURL, action string, extra url.Values) string {
	nonce := newNonce()
	timestamp := time.Now().Unix()

	q := url.Values{}
	q.Set("Action", action)
	q.Set("AppId", fmt.Sprintf("%d", c.cfg.AppID))
	q.Set("SignatureNonce", nonce)
	q.Set("Timestamp", fmt.Sprintf("%d", timestamp))
	q.Set("Signature", signature(c.cfg.AppID, nonce, c.cfg.ServerSecret, timestamp))
	q.Set("SignatureVersion", "2.0")
	for key, vals := range extra {
		for _, v := range vals {
			q.Add(key, v)
		}
	}
	return baseURL + "?" + q.Encode()
}

// call posts params as a JSON body to the agent API.
func (c *Client) call(ctx context.Context, action string, params any) (*apiResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", action, err)
	}

	reqURL := c.signedURL(c.cfg.AgentAPIURL, action, nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, action, body)
}

// callGet sends params in the query string. Some RTC endpoints only
// accept GET with query parameters.
func (c *Client) callGet(ctx context.Context, baseURL, action string, params url.Values) (*apiResponse, error) {
	reqURL := c.signedURL(baseURL, action, params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	return c.do(req, action, nil)
}

func (c *Client) do(req *http.Request, action string, params []byte) (*apiResponse, error) {
	localID := ulid.Make().String()
	c.logger.Debug("platform api request", "action", action, "local_id", localID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform api %s: %w", action, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close platform response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platform api %s: status %d: %s", action, resp.StatusCode, string(data))
	}

	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", action, err)
	}

	if parsed.Code != 0 {
		apiErr := &APIError{Action: action, Code: parsed.Code, Message: parsed.Message, RequestID: parsed.RequestID}
		c.logger.Error("platform api error",
			"action", action,
			"code", parsed.Code,
			"message", parsed.Message,
			"request_id", parsed.RequestID,
			"local_id", localID,
			"advice", adviceFor(parsed.Code))
		c.errLog.record(action, parsed.Code, parsed.Message, parsed.RequestID, params)
		return &parsed, apiErr
	}

	c.logger.Debug("platform api ok", "action", action, "request_id", parsed.RequestID, "local_id", localID)
	return &parsed, nil
}

// adviceFor maps known platform error codes to operator guidance.
func adviceFor(code int) string {
	switch code {
	case 410000003:
		return "payload parameter missing or malformed, check LLM Url/Vendor/Model fields"
	case 410000018:
		return "QPS limit hit, retry later or reduce concurrency"
	case 410000001:
		return "platform internal error, keep the RequestId for support"
	default:
		return "unknown error code, consult the platform documentation"
	}
}
