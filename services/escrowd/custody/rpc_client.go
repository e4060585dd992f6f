package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RPCClient is a thin JSON-RPC client for the custody service.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient builds a client with an instrumented transport.
func NewRPCClient(baseURL, authToken string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// RPCError is returned when custody answered with a JSON-RPC error object.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("custody rpc %s error %d: %s", e.Method, e.Code, e.Message)
}

type provisionResult struct {
	Address string `json:"address"`
}

type releaseResult struct {
	TxHash string `json:"txHash"`
}

// Provision deploys or reuses a settlement address for the contract.
func (c *RPCClient) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	var result provisionResult
	if err := c.call(ctx, "custody_provisionAddress", []any{req}, &result); err != nil {
		return "", err
	}
	addr := strings.TrimSpace(result.Address)
	if addr == "" {
		return "", errors.New("custody rpc returned empty settlement address")
	}
	return addr, nil
}

// Release asks custody to pay out a milestone and returns the settlement
// proof it reports.
func (c *RPCClient) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = req.MilestoneID.String()
	}
	var result releaseResult
	if err := c.call(ctx, "custody_release", []any{req}, &result); err != nil {
		return "", err
	}
	proof := strings.TrimSpace(result.TxHash)
	if proof == "" {
		return "", errors.New("custody rpc returned empty release proof")
	}
	return proof, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	if c.baseURL == "" {
		return errors.New("custody rpc endpoint not configured")
	}
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("custody rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode custody rpc %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("custody rpc %s returned empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}
