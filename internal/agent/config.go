package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Normalize returns the canonical lookup key for an agent name:
// lowercase with spaces replaced by underscores. "My Agent" and
// "my_agent" resolve to the same key.
func Normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}

// Task is one weighted entry in an agent's task list.
type Task struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// TimeBasedMultipliers adjust task weights by time of day when
// use_time_based_weights is set.
type TimeBasedMultipliers struct {
	TweetNightMultiplier    float64 `json:"tweet_night_multiplier"`
	EngagementDayMultiplier float64 `json:"engagement_day_multiplier"`
}

// Config is the value describing one agent: identity, personality
// lists, per-integration connection entries, and the weighted task list
// driving the behavior loop.
type Config struct {
	Name                 string               `json:"name"`
	Bio                  []string             `json:"bio"`
	Traits               []string             `json:"traits"`
	Examples             []string             `json:"examples"`
	ExampleAccounts      []string             `json:"example_accounts"`
	LoopDelay            int32                `json:"loop_delay"`
	UseTimeBasedWeights  bool                 `json:"use_time_based_weights"`
	TimeBasedMultipliers TimeBasedMultipliers `json:"time_based_multipliers"`
	Connections          ConnectionConfigs    `json:"config"`
	Tasks                []Task               `json:"tasks"`
}

// Update carries a partial agent update; nil fields are left unchanged.
type Update struct {
	Bio                  *[]string             `json:"bio"`
	Traits               *[]string             `json:"traits"`
	Examples             *[]string             `json:"examples"`
	ExampleAccounts      *[]string             `json:"example_accounts"`
	LoopDelay            *int32                `json:"loop_delay"`
	UseTimeBasedWeights  *bool                 `json:"use_time_based_weights"`
	TimeBasedMultipliers *TimeBasedMultipliers `json:"time_based_multipliers"`
	Connections          *ConnectionConfigs    `json:"config"`
	Tasks                *[]Task               `json:"tasks"`
}

// Merge applies the non-nil fields of u on top of c and returns the result.
func (c Config) Merge(u Update) Config {
	if u.Bio != nil {
		c.Bio = *u.Bio
	}
	if u.Traits != nil {
		c.Traits = *u.Traits
	}
	if u.Examples != nil {
		c.Examples = *u.Examples
	}
	if u.ExampleAccounts != nil {
		c.ExampleAccounts = *u.ExampleAccounts
	}
	if u.LoopDelay != nil {
		c.LoopDelay = *u.LoopDelay
	}
	if u.UseTimeBasedWeights != nil {
		c.UseTimeBasedWeights = *u.UseTimeBasedWeights
	}
	if u.TimeBasedMultipliers != nil {
		c.TimeBasedMultipliers = *u.TimeBasedMultipliers
	}
	if u.Connections != nil {
		c.Connections = u.Connections.Dedupe()
	}
	if u.Tasks != nil {
		c.Tasks = *u.Tasks
	}
	return c
}

// Validate checks the parts of a config the server enforces.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	for _, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("%w: task name is required", ErrValidation)
		}
		if t.Weight <= 0 {
			return fmt.Errorf("%w: task %q weight must be positive", ErrValidation, t.Name)
		}
	}
	return nil
}

// --- Integration connection entries (tagged union keyed by name) ---

// Integration names with dedicated config shapes.
const (
	ConnTwitter   = "twitter"
	ConnDiscord   = "discord"
	ConnFarcaster = "farcaster"
	ConnOpenAI    = "openai"
	ConnAnthropic = "anthropic"
)

// ConnectionConfig is one per-integration configuration entry. Entries
// are keyed by integration name within an agent; lookups and dispatch
// use the name, never the concrete type.
type ConnectionConfig interface {
	ConnectionName() string
}

// TwitterConfig configures the twitter integration.
type TwitterConfig struct {
	Name                 string `json:"name"`
	TimelineReadCount    int    `json:"timeline_read_count"`
	OwnTweetRepliesCount int    `json:"own_tweet_replies_count"`
	TweetInterval        int    `json:"tweet_interval"`
}

func (c TwitterConfig) ConnectionName() string { return c.Name }

// DiscordConfig configures the discord integration.
type DiscordConfig struct {
	Name             string `json:"name"`
	MessageReadCount int    `json:"message_read_count"`
	MessageEmojiName string `json:"message_emoji_name"`
	ServerID         string `json:"server_id"`
}

func (c DiscordConfig) ConnectionName() string { return c.Name }

// FarcasterConfig configures the farcaster integration.
type FarcasterConfig struct {
	Name              string `json:"name"`
	TimelineReadCount int    `json:"timeline_read_count"`
	CastInterval      int    `json:"cast_interval"`
}

func (c FarcasterConfig) ConnectionName() string { return c.Name }

// OpenAIConfig configures the openai model integration.
type OpenAIConfig struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

func (c OpenAIConfig) ConnectionName() string { return c.Name }

// AnthropicConfig configures the anthropic model integration.
type AnthropicConfig struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

func (c AnthropicConfig) ConnectionName() string { return c.Name }

// NetworkConfig configures a blockchain network integration. The entry
// is named after the network itself ("ethereum", "sonic", ...).
type NetworkConfig struct {
	Name       string `json:"name"`
	Network    string `json:"network,omitempty"`
	RPC        string `json:"rpc,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

func (c NetworkConfig) ConnectionName() string { return c.Name }

// GenericConfig holds an integration entry with no dedicated shape.
type GenericConfig struct {
	Name  string
	Attrs map[string]any
}

func (c GenericConfig) ConnectionName() string { return c.Name }

// MarshalJSON flattens the attrs alongside the name discriminator.
func (c GenericConfig) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Attrs)+1)
	for k, v := range c.Attrs {
		m[k] = v
	}
	m["name"] = c.Name
	return json.Marshal(m)
}

// UnmarshalJSON captures all fields except name into attrs.
func (c *GenericConfig) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.Name, _ = m["name"].(string)
	delete(m, "name")
	c.Attrs = m
	return nil
}

// ConnectionConfigs is an agent's list of integration entries.
type ConnectionConfigs []ConnectionConfig

// UnmarshalJSON decodes each entry into its variant based on the name
// discriminator. Unknown names with rpc or private_key fields decode as
// NetworkConfig; everything else falls back to GenericConfig.
func (l *ConnectionConfigs) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ConnectionConfigs, 0, len(raws))
	for _, raw := range raws {
		item, err := decodeConnectionConfig(raw)
		if err != nil {
			return err
		}
		out = append(out, item)
	}
	*l = out
	return nil
}

func decodeConnectionConfig(raw json.RawMessage) (ConnectionConfig, error) {
	var head struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("agent: decode connection config: %w", err)
	}
	if head.Name == "" {
		return nil, fmt.Errorf("%w: connection config missing name", ErrValidation)
	}

	switch head.Name {
	case ConnTwitter:
		var c TwitterConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ConnDiscord:
		var c DiscordConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ConnFarcaster:
		var c FarcasterConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ConnOpenAI:
		var c OpenAIConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ConnAnthropic:
		var c AnthropicConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("agent: decode connection config: %w", err)
	}
	if _, rpc := probe["rpc"]; rpc {
		var c NetworkConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	}
	if _, pk := probe["private_key"]; pk {
		var c NetworkConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	}

	var g GenericConfig
	if err := g.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns the entry with the given integration name, if present.
func (l ConnectionConfigs) Get(name string) (ConnectionConfig, bool) {
	for _, c := range l {
		if c.ConnectionName() == name {
			return c, true
		}
	}
	return nil, false
}

// Dedupe collapses duplicate integration names, last write wins. The
// surviving entry keeps the position of the first occurrence.
func (l ConnectionConfigs) Dedupe() ConnectionConfigs {
	out := make(ConnectionConfigs, 0, len(l))
	index := make(map[string]int, len(l))
	for _, c := range l {
		name := c.ConnectionName()
		if i, seen := index[name]; seen {
			out[i] = c
			continue
		}
		index[name] = len(out)
		out = append(out, c)
	}
	return out
}

// Sanitized returns a copy safe for API responses: network entries
// never expose their private key.
func (l ConnectionConfigs) Sanitized() ConnectionConfigs {
	out := make(ConnectionConfigs, len(l))
	for i, c := range l {
		if n, ok := c.(NetworkConfig); ok {
			n.PrivateKey = ""
			out[i] = n
			continue
		}
		out[i] = c
	}
	return out
}
