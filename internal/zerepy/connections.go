package zerepy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zerepy/matriarch/internal/agent"
	"github.com/zerepy/matriarch/internal/llm"
)

// Errors returned by connections.
var (
	ErrUnknownConnection = errors.New("zerepy: unknown connection")
	ErrUnknownAction     = errors.New("zerepy: unknown action")
	ErrBadParams         = errors.New("zerepy: bad action params")
)

// Connection is one configured integration on an agent: a model
// provider, a blockchain network, or a social platform. Actions are
// dispatched by name with positional params.
type Connection interface {
	Name() string
	PerformAction(ctx context.Context, action string, params []any) (any, error)
	// Actions lists the action names this connection accepts.
	Actions() []string
}

func stringParam(params []any, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("%w: missing param %d", ErrBadParams, i)
	}
	s, ok := params[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: param %d must be a string", ErrBadParams, i)
	}
	return s, nil
}

func optionalStringParam(params []any, i int) string {
	if i >= len(params) {
		return ""
	}
	s, _ := params[i].(string)
	return s
}

// --- Model provider connections ---

// providerConnection exposes a chat model as an agent connection.
// Actions: generate-text(prompt, systemPrompt?) and check-model().
type providerConnection struct {
	name   string
	model  string
	client llm.Client
}

func (c *providerConnection) Name() string { return c.name }

func (c *providerConnection) Actions() []string {
	return []string{"generate-text", "check-model"}
}

func (c *providerConnection) PerformAction(ctx context.Context, action string, params []any) (any, error) {
	switch action {
	case "generate-text":
		prompt, err := stringParam(params, 0)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Chat(ctx, llm.ChatRequest{
			Model:    c.model,
			System:   optionalStringParam(params, 1),
			Messages: []llm.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return nil, err
		}
		return resp.Content, nil
	case "check-model":
		return c.model, nil
	default:
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownAction, action, c.name)
	}
}

// --- Blockchain network connection ---

// networkConnection talks JSON-RPC to a chain node. Actions: chain-id(),
// block-number(), get-balance(address).
type networkConnection struct {
	cfg        agent.NetworkConfig
	httpClient *http.Client
}

func newNetworkConnection(cfg agent.NetworkConfig) *networkConnection {
	return &networkConnection{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *networkConnection) Name() string { return c.cfg.Name }

func (c *networkConnection) Actions() []string {
	return []string{"chain-id", "block-number", "get-balance"}
}

func (c *networkConnection) PerformAction(ctx context.Context, action string, params []any) (any, error) {
	switch action {
	case "chain-id":
		return c.rpc(ctx, "eth_chainId", nil)
	case "block-number":
		return c.rpc(ctx, "eth_blockNumber", nil)
	case "get-balance":
		addr, err := stringParam(params, 0)
		if err != nil {
			return nil, err
		}
		return c.rpc(ctx, "eth_getBalance", []any{addr, "latest"})
	default:
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownAction, action, c.cfg.Name)
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends a JSON-RPC request to the configured node and returns the
// decoded result.
func (c *networkConnection) rpc(ctx context.Context, method string, params []any) (any, error) {
	if c.cfg.RPC == "" {
		return nil, fmt.Errorf("zerepy: network %s has no rpc url", c.cfg.Name)
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPC, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zerepy: rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("zerepy: invalid JSON-RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("zerepy: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("zerepy: unmarshal rpc result: %w", err)
	}
	return result, nil
}

// --- Social platform connections ---

// socialConnection drafts platform content through the agent's model
// provider. Posting with platform credentials is outside the server;
// results carry the drafted content for the operator or a downstream
// poster to use.
type socialConnection struct {
	name     string
	persona  string
	provider *providerConnection
}

func (c *socialConnection) Name() string { return c.name }

func (c *socialConnection) Actions() []string {
	return []string{"post-tweet", "reply-to-tweet", "post-cast", "reply-to-cast", "send-message"}
}

func (c *socialConnection) PerformAction(ctx context.Context, action string, params []any) (any, error) {
	switch action {
	case "post-tweet", "post-cast", "send-message":
		return c.draft(ctx, action, optionalStringParam(params, 0))
	case "reply-to-tweet", "reply-to-cast":
		target, err := stringParam(params, 0)
		if err != nil {
			return nil, err
		}
		return c.draft(ctx, action, target)
	default:
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownAction, action, c.name)
	}
}

func (c *socialConnection) draft(ctx context.Context, action, subject string) (any, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("%w: %s cannot draft content", ErrNoProvider, c.name)
	}
	prompt := fmt.Sprintf("Write a short %s post.", c.name)
	if subject != "" {
		prompt = fmt.Sprintf("Write a short %s post about: %s", c.name, subject)
	}
	text, err := c.provider.PerformAction(ctx, "generate-text", []any{prompt, c.persona})
	if err != nil {
		return nil, err
	}
	slog.Info("zerepy: drafted content",
		slog.String("platform", c.name),
		slog.String("action", action),
	)
	return map[string]any{"platform": c.name, "action": action, "text": text}, nil
}

// --- Generic passthrough ---

// genericConnection backs config entries with no dedicated integration.
// It accepts no actions but keeps the entry addressable.
type genericConnection struct {
	name string
}

func (c *genericConnection) Name() string { return c.name }

func (c *genericConnection) Actions() []string { return nil }

func (c *genericConnection) PerformAction(_ context.Context, action string, _ []any) (any, error) {
	return nil, fmt.Errorf("%w: %s on %s", ErrUnknownAction, action, c.name)
}
