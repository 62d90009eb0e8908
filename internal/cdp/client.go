package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

var ErrWaitTimeout = errors.New("timed out waiting for page condition")

// Client is one DevTools connection to the browser endpoint. Pages opened through it
// share the connection and are addressed by their flattened session id.
type Client struct {
	conn      *websocket.Conn
	idCounter int64
	mu        sync.Mutex
	broken    atomic.Bool
}

type versionResponse struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type envelope struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	defaultSelectorTimeout = 12 * time.Second
	defaultCallTimeout     = 20 * time.Second
	pollInterval           = 150 * time.Millisecond
)

func Dial(ctx context.Context, baseURL string) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = "http://127.0.0.1:9222"
	}
	trimmed = strings.TrimSuffix(trimmed, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trimmed+"/json/version", nil)
	if err != nil {
		return nil, fmt.Errorf("build version request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query cdp version endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp version endpoint returned status %d", resp.StatusCode)
	}

	var version versionResponse
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, fmt.Errorf("decode cdp version response: %w", err)
	}
	if strings.TrimSpace(version.WebSocketDebuggerURL) == "" {
		return nil, fmt.Errorf("no browser websocket found")
	}

	conn, _, err := websocket.Dial(ctx, version.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial cdp websocket: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	return &Client{conn: conn}, nil
}

// Broken reports whether the connection failed. A broken client cannot be reused.
func (c *Client) Broken() bool {
	return c.broken.Load()
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

// NewPage opens a tab at targetURL and attaches a flattened session to it.
func (c *Client) NewPage(ctx context.Context, targetURL string) (*Page, error) {
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := c.Call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"}, &created); err != nil {
		return nil, err
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached); err != nil {
		_ = c.Call(context.Background(), "", "Target.closeTarget", map[string]any{"targetId": created.TargetID}, nil)
		return nil, err
	}

	page := &Page{client: c, targetID: created.TargetID, sessionID: attached.SessionID}
	if strings.TrimSpace(targetURL) != "" {
		if err := page.Navigate(ctx, targetURL); err != nil {
			_ = page.Close(context.Background())
			return nil, err
		}
	}
	return page, nil
}

func (c *Client) Call(ctx context.Context, sessionID, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.idCounter++
	requestID := c.idCounter

	payload := map[string]any{
		"id":     requestID,
		"method": method,
	}
	if params != nil {
		payload["params"] = params
	}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// A canceled read closes the websocket, so in-flight calls are bounded by the call
	// timeout only and never by the caller's context.
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCallTimeout)
	defer cancel()
	if err := c.conn.Write(ioCtx, websocket.MessageText, mustMarshal(payload)); err != nil {
		c.broken.Store(true)
		return fmt.Errorf("write cdp request: %w", err)
	}

	for {
		_, message, err := c.conn.Read(ioCtx)
		if err != nil {
			c.broken.Store(true)
			return fmt.Errorf("read cdp response: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}

		if env.ID != requestID {
			continue
		}

		if env.Error != nil {
			return fmt.Errorf("cdp %s failed (%d): %s", method, env.Error.Code, env.Error.Message)
		}

		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	}
}

func mustMarshal(value any) []byte {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return raw
}
