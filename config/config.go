// Package config loads the bots.yaml file plus environment variables into
// the typed structures the runtime consumes. Validation is fatal at startup:
// a bot with missing credentials, an unknown cog name, or an unknown topic
// kind never reaches a session.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perplexistential/twitch-creamery/cogs"
	"github.com/perplexistential/twitch-creamery/subs"
	"github.com/perplexistential/twitch-creamery/twitchapi"
)

// DefaultAuthPort is used when neither the bot entry nor DEFAULT_AUTH_PORT
// names a callback port.
const DefaultAuthPort = 18951

// Config is the full runtime configuration.
type Config struct {
	Bots []BotConfig

	HTTPAddr string        // health/status/metrics listener
	TokenDir string        // file token store directory (when no DB is used)
	Stagger  time.Duration // delay between session startups
}

// BotConfig is one bot identity with its immutable scope set and declared
// topics.
type BotConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	Scopes       []string // expanded, deduplicated
	Channels     []string
	Topics       []subs.Topic
	AuthPort     int
	Prefix       string
	Cogs         map[string]map[string]any
}

type yamlTopic struct {
	Kind    string `yaml:"kind"`
	Channel string `yaml:"channel"`
	Target  string `yaml:"target"`
}

type yamlBot struct {
	Scopes   []string                  `yaml:"scopes"`
	Channels []string                  `yaml:"channels"`
	Topics   []yamlTopic               `yaml:"topics"`
	AuthPort int                       `yaml:"auth_port"`
	Prefix   string                    `yaml:"prefix"`
	Cogs     map[string]map[string]any `yaml:"cogs"`
}

type yamlFile struct {
	Bots map[string]yamlBot `yaml:"bots"`
}

// Load reads the bots file (CONFIG_FILENAME or the given path) and fills in
// credentials and defaults from the environment. Client credentials follow
// the <NAME>_CLIENT_ID / <NAME>_CLIENT_SECRET convention.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILENAME")
	}
	if path == "" {
		path = "bots.yaml"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f yamlFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(f.Bots) == 0 {
		return nil, fmt.Errorf("config: %s declares no bots", path)
	}

	defaultPort := DefaultAuthPort
	if v := os.Getenv("DEFAULT_AUTH_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid DEFAULT_AUTH_PORT: %w", err)
		}
		defaultPort = p
	}
	defaultPrefix := os.Getenv("DEFAULT_PREFIX")
	if defaultPrefix == "" {
		defaultPrefix = "!"
	}

	cfg := &Config{
		HTTPAddr: os.Getenv("HTTP_ADDR"),
		TokenDir: os.Getenv("TOKEN_DIR"),
		Stagger:  2 * time.Second,
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.TokenDir == "" {
		cfg.TokenDir = "tokens"
	}
	if v := os.Getenv("BOT_STAGGER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid BOT_STAGGER: %w", err)
		}
		cfg.Stagger = d
	}

	// Deterministic order: sessions start (and stagger) in name order.
	names := make([]string, 0, len(f.Bots))
	for name := range f.Bots {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		yb := f.Bots[name]
		envKey := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		bc := BotConfig{
			Name:         name,
			ClientID:     os.Getenv(envKey + "_CLIENT_ID"),
			ClientSecret: os.Getenv(envKey + "_CLIENT_SECRET"),
			Scopes:       twitchapi.ExpandScopes(yb.Scopes),
			Channels:     yb.Channels,
			AuthPort:     yb.AuthPort,
			Prefix:       yb.Prefix,
			Cogs:         yb.Cogs,
		}
		if bc.AuthPort == 0 {
			bc.AuthPort = defaultPort
		}
		if bc.Prefix == "" {
			bc.Prefix = defaultPrefix
		}
		// Every configured channel is a chat topic; explicit topics follow.
		for _, ch := range yb.Channels {
			bc.Topics = append(bc.Topics, subs.Topic{Kind: subs.KindChatChannel, Channel: ch})
		}
		for _, yt := range yb.Topics {
			kind, err := subs.ParseKind(yt.Kind)
			if err != nil {
				return nil, fmt.Errorf("config: bot %s: %w", name, err)
			}
			bc.Topics = append(bc.Topics, subs.Topic{Kind: kind, Channel: yt.Channel, Target: yt.Target})
		}
		cfg.Bots = append(cfg.Bots, bc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. It is called by Load but kept
// exported for constructed configs in tests.
func (c *Config) Validate() error {
	if len(c.Bots) == 0 {
		return fmt.Errorf("config: no bots configured")
	}
	seen := make(map[string]bool, len(c.Bots))
	for _, b := range c.Bots {
		if b.Name == "" {
			return fmt.Errorf("config: bot with empty name")
		}
		if seen[b.Name] {
			return fmt.Errorf("config: duplicate bot name %q", b.Name)
		}
		seen[b.Name] = true
		if b.ClientID == "" || b.ClientSecret == "" {
			envKey := strings.ToUpper(strings.ReplaceAll(b.Name, "-", "_"))
			return fmt.Errorf("config: bot %s: missing %s_CLIENT_ID / %s_CLIENT_SECRET", b.Name, envKey, envKey)
		}
		if b.AuthPort <= 0 || b.AuthPort > 65535 {
			return fmt.Errorf("config: bot %s: invalid auth port %d", b.Name, b.AuthPort)
		}
		// A missing feature module is a configuration error, not a silent
		// skip at runtime.
		for cog := range b.Cogs {
			if !cogs.Known(cog) {
				return fmt.Errorf("config: bot %s: unknown cog %q (known: %s)", b.Name, cog, strings.Join(cogs.Names(), ", "))
			}
		}
		for _, t := range b.Topics {
			if t.Channel == "" && t.Kind != subs.KindWhispers {
				return fmt.Errorf("config: bot %s: topic %s has no channel", b.Name, t.Kind)
			}
		}
	}
	return nil
}
