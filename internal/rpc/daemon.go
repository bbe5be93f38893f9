// Package rpc provides the market feed collaborators: coin daemons for
// network difficulty and a price API for exchange rates.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/defpool/defpool-server/internal/util"
)

// DefaultDifficultyMethod is used when a target does not name one.
const DefaultDifficultyMethod = "getdifficulty"

// DaemonClient talks JSON-RPC to a coin daemon
type DaemonClient struct {
	url       string
	client    *http.Client
	requestID uint64

	// Health tracking
	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	failCount int
}

// NewDaemonClient creates a new daemon RPC client
func NewDaemonClient(url string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      uint64        `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call makes an RPC call
func (c *DaemonClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	body, err := json.Marshal(RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && len(respBody) == 0 {
		c.recordFailure()
		return nil, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}

	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

func (c *DaemonClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

func (c *DaemonClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount == 3 {
		util.Warnf("Daemon %s marked unhealthy after %d failures", c.url, c.failCount)
	}
	if c.failCount >= 3 {
		c.healthy = false
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the daemon is healthy
func (c *DaemonClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// GetDifficulty returns the current network difficulty. Daemons answer
// either with a bare number or with an info object carrying a difficulty
// field, so both shapes are accepted.
func (c *DaemonClient) GetDifficulty(ctx context.Context, method string) (float64, error) {
	if method == "" {
		method = DefaultDifficultyMethod
	}

	result, err := c.call(ctx, method)
	if err != nil {
		return 0, err
	}
	return parseDifficulty(result)
}

func parseDifficulty(raw json.RawMessage) (float64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return numberToDifficulty(n)
	}

	var obj struct {
		Difficulty json.Number `json:"difficulty"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, fmt.Errorf("unexpected difficulty result %s", truncate(raw))
	}
	if obj.Difficulty == "" {
		return 0, fmt.Errorf("difficulty missing from result %s", truncate(raw))
	}
	return numberToDifficulty(obj.Difficulty)
}

func numberToDifficulty(n json.Number) (float64, error) {
	d, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid difficulty %q: %w", n, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive difficulty %v", d)
	}
	return d, nil
}

func truncate(raw []byte) string {
	if len(raw) > 64 {
		return string(raw[:64]) + "..."
	}
	return string(raw)
}
