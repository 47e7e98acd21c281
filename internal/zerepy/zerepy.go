// Package zerepy implements the runtime side of an agent: its
// configured integration connections, one-shot action dispatch, and
// the single behavior-loop pass the controller drives.
package zerepy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zerepy/matriarch/internal/agent"
	"github.com/zerepy/matriarch/internal/llm"
)

// ErrNoProvider is returned when an agent needs a model provider
// connection but has none configured.
var ErrNoProvider = errors.New("zerepy: no model provider configured")

// Factory builds agent handles from stored configurations. It satisfies
// the handle factory the lifecycle service needs.
type Factory struct {
	// OpenAIAPIURL and AnthropicAPIURL override the hosted endpoints,
	// mainly for tests. API keys come from the environment.
	OpenAIAPIURL    string
	AnthropicAPIURL string
}

// NewHandle builds a runtime agent from its stored configuration.
func (f *Factory) NewHandle(cfg agent.Config) (agent.Handle, error) {
	return newAgent(cfg, f)
}

// Agent is one loaded agent: its config and live connections. It is
// safe for concurrent use; the rng behind task selection is guarded.
type Agent struct {
	cfg      agent.Config
	conns    map[string]Connection
	provider *providerConnection

	mu  sync.Mutex
	rng *rand.Rand
}

func newAgent(cfg agent.Config, f *Factory) (*Agent, error) {
	a := &Agent{
		cfg:   cfg,
		conns: make(map[string]Connection, len(cfg.Connections)),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	// Provider connections first so social connections can borrow one.
	for _, cc := range cfg.Connections {
		switch c := cc.(type) {
		case agent.OpenAIConfig:
			p := &providerConnection{
				name:   c.Name,
				model:  c.Model,
				client: llm.NewOpenAIClient(f.OpenAIAPIURL, os.Getenv("OPENAI_API_KEY"), c.Model),
			}
			a.conns[c.Name] = p
			if a.provider == nil {
				a.provider = p
			}
		case agent.AnthropicConfig:
			p := &providerConnection{
				name:   c.Name,
				model:  c.Model,
				client: llm.NewAnthropicClient(f.AnthropicAPIURL, os.Getenv("ANTHROPIC_API_KEY"), c.Model),
			}
			a.conns[c.Name] = p
			if a.provider == nil {
				a.provider = p
			}
		}
	}

	persona := a.persona()
	for _, cc := range cfg.Connections {
		switch c := cc.(type) {
		case agent.TwitterConfig, agent.DiscordConfig, agent.FarcasterConfig:
			name := c.ConnectionName()
			a.conns[name] = &socialConnection{name: name, persona: persona, provider: a.provider}
		case agent.NetworkConfig:
			a.conns[c.Name] = newNetworkConnection(c)
		case agent.GenericConfig:
			a.conns[c.Name] = &genericConnection{name: c.Name}
		}
	}

	return a, nil
}

// persona flattens the agent's identity lists into a system prompt.
func (a *Agent) persona() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", a.cfg.Name)
	if len(a.cfg.Bio) > 0 {
		b.WriteString("\n" + strings.Join(a.cfg.Bio, "\n"))
	}
	if len(a.cfg.Traits) > 0 {
		b.WriteString("\nTraits: " + strings.Join(a.cfg.Traits, ", "))
	}
	if len(a.cfg.Examples) > 0 {
		b.WriteString("\nExample posts:\n" + strings.Join(a.cfg.Examples, "\n"))
	}
	return b.String()
}

// Name returns the agent's configured display name.
func (a *Agent) Name() string { return a.cfg.Name }

// PerformAction dispatches a one-shot action to the named connection.
func (a *Agent) PerformAction(ctx context.Context, connection, action string, params []any) (any, error) {
	conn, ok := a.conns[connection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connection)
	}
	return conn.PerformAction(ctx, action, params)
}

// Actions enumerates the action names each connection accepts.
func (a *Agent) Actions() map[string][]string {
	out := make(map[string][]string, len(a.conns))
	for name, conn := range a.conns {
		out[name] = conn.Actions()
	}
	return out
}

// taskTargets maps loop task names to the connection kind and action
// that execute them.
var taskTargets = map[string]struct {
	connection string
	action     string
}{
	"post-tweet":     {agent.ConnTwitter, "post-tweet"},
	"reply-to-tweet": {agent.ConnTwitter, "reply-to-tweet"},
	"post-cast":      {agent.ConnFarcaster, "post-cast"},
	"reply-to-cast":  {agent.ConnFarcaster, "reply-to-cast"},
	"send-message":   {agent.ConnDiscord, "send-message"},
}

// RunLoopIteration performs one autonomous pass: draw a task from the
// weighted list and execute it on its connection. An empty or
// all-zero-weight task list is a quiet no-op.
func (a *Agent) RunLoopIteration(ctx context.Context) error {
	a.mu.Lock()
	task, ok := pickTask(a.rng, a.cfg.Tasks, a.cfg.UseTimeBasedWeights, a.cfg.TimeBasedMultipliers, time.Now())
	a.mu.Unlock()
	if !ok {
		slog.Debug("zerepy: no runnable tasks", slog.String("agent", a.cfg.Name))
		return nil
	}

	target, known := taskTargets[task.Name]
	if !known {
		slog.Debug("zerepy: skipping task with no integration",
			slog.String("agent", a.cfg.Name),
			slog.String("task", task.Name),
		)
		return nil
	}
	conn, ok := a.conns[target.connection]
	if !ok {
		return fmt.Errorf("zerepy: task %q needs connection %s", task.Name, target.connection)
	}

	slog.Info("zerepy: running task",
		slog.String("agent", a.cfg.Name),
		slog.String("task", task.Name),
	)
	if _, err := conn.PerformAction(ctx, target.action, nil); err != nil {
		return fmt.Errorf("zerepy: task %q: %w", task.Name, err)
	}
	return nil
}
