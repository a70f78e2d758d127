// Package config loads the JSON settings that wire MCP servers and the
// agent together. Environment references like ${OPENAI_API_KEY} are
// expanded before parsing so secrets can stay out of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/host"
)

// Timeouts applied to server entries that leave them unset.
const (
	defaultRequestTimeoutSeconds   = 30
	defaultHandshakeTimeoutSeconds = 30
)

// Agent knobs applied when the settings file omits them.
const (
	defaultModel          = "gpt-4o"
	defaultMaxTurns       = 100
	defaultMaxToolPreview = 25
)

// Settings is the root of the settings file.
type Settings struct {
	// Servers lists every MCP server the application knows about,
	// enabled or not.
	Servers []ServerSettings `json:"servers"`

	// Agent holds the knobs of the agentic loop and the LLM endpoint.
	Agent AgentSettings `json:"agent"`
}

// ServerSettings describes one MCP server entry.
type ServerSettings struct {
	// ID names the server. It must be unique within the settings file and
	// doubles as the server name reported by the host.
	ID string `json:"id"`

	// Enabled is the global connect flag. A per-conversation override may
	// flip it either way.
	Enabled bool `json:"enabled"`

	// Transport forces a wire transport. When empty it is inferred: a
	// command means stdio, a ws:// or wss:// URL means websocket, and any
	// other URL means streamable HTTP with SSE fallback.
	Transport string `json:"transport,omitempty"`

	// URL is the endpoint of an HTTP-family or websocket server.
	URL string `json:"url,omitempty"`

	// Command starts the server as a subprocess speaking stdio. Args and
	// Env only apply to subprocess servers.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// Headers are sent on every HTTP request and websocket handshake.
	Headers map[string]string `json:"headers,omitempty"`

	// Protocols are the websocket subprotocols offered during the
	// handshake.
	Protocols []string `json:"protocols,omitempty"`

	// ProxyURL routes HTTP-family requests through a CORS proxy endpoint.
	ProxyURL string `json:"proxyUrl,omitempty"`

	// RequestTimeoutSeconds bounds every protocol request on this server.
	// Defaults to 30.
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds,omitempty"`

	// HandshakeTimeoutSeconds bounds the websocket handshake. Defaults
	// to 30.
	HandshakeTimeoutSeconds int `json:"handshakeTimeoutSeconds,omitempty"`
}

// AgentSettings holds the knobs of the agentic loop.
type AgentSettings struct {
	// Model is the model name sent on every completion request. Defaults
	// to gpt-4o.
	Model string `json:"model,omitempty"`

	// BaseURL points at an OpenAI-compatible endpoint. Empty means the
	// client library default.
	BaseURL string `json:"baseUrl,omitempty"`

	// APIKey authenticates against the endpoint. ${VAR} references are
	// expanded from the environment by Load.
	APIKey string `json:"apiKey,omitempty"`

	// MaxTurns caps the number of completion rounds in a single run.
	// Defaults to 100.
	MaxTurns int `json:"maxTurns,omitempty"`

	// MaxToolPreviewLines caps the tail of a tool result shown in the
	// visible output. Defaults to 25.
	MaxToolPreviewLines int `json:"maxToolPreviewLines,omitempty"`

	// FilterReasoningAfterFirstTurn drops reasoning deltas from the
	// visible stream on every turn after the first.
	FilterReasoningAfterFirstTurn bool `json:"filterReasoningAfterFirstTurn,omitempty"`
}

// Default returns settings with every knob at its default and no servers.
func Default() *Settings {
	return &Settings{
		Agent: AgentSettings{
			Model:               defaultModel,
			MaxTurns:            defaultMaxTurns,
			MaxToolPreviewLines: defaultMaxToolPreview,
		},
	}
}

// Load reads the settings file at path, expands environment references in
// it, and parses it.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes JSON settings, applies defaults, and validates the result.
func Parse(data []byte) (*Settings, error) {
	settings := Default()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	settings.applyDefaults()
	if err := settings.validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Settings) applyDefaults() {
	if s.Agent.Model == "" {
		s.Agent.Model = defaultModel
	}
	if s.Agent.MaxTurns <= 0 {
		s.Agent.MaxTurns = defaultMaxTurns
	}
	if s.Agent.MaxToolPreviewLines <= 0 {
		s.Agent.MaxToolPreviewLines = defaultMaxToolPreview
	}
	for i := range s.Servers {
		server := &s.Servers[i]
		if server.RequestTimeoutSeconds <= 0 {
			server.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
		}
		if server.HandshakeTimeoutSeconds <= 0 {
			server.HandshakeTimeoutSeconds = defaultHandshakeTimeoutSeconds
		}
	}
}

func (s *Settings) validate() error {
	seen := make(map[string]struct{}, len(s.Servers))
	for i, server := range s.Servers {
		if server.ID == "" {
			return fmt.Errorf("server entry %d: id is required", i)
		}
		if _, ok := seen[server.ID]; ok {
			return fmt.Errorf("duplicate server id %q", server.ID)
		}
		seen[server.ID] = struct{}{}
		if server.URL == "" && server.Command == "" {
			return fmt.Errorf("server %s: a url or command is required", server.ID)
		}
	}
	return nil
}

// EnabledServers resolves which servers to connect and converts them to
// host configurations. overrides maps server ids to a per-conversation
// enabled flag that takes precedence over the global one; ids absent from
// the map keep the global flag.
func (s *Settings) EnabledServers(overrides map[string]bool) []host.ServerConfig {
	var configs []host.ServerConfig
	for _, server := range s.Servers {
		enabled := server.Enabled
		if override, ok := overrides[server.ID]; ok {
			enabled = override
		}
		if !enabled {
			continue
		}
		configs = append(configs, server.hostConfig())
	}
	return configs
}

func (s ServerSettings) hostConfig() host.ServerConfig {
	return host.ServerConfig{
		Name:             s.ID,
		Transport:        host.TransportKind(s.Transport),
		URL:              s.URL,
		Command:          s.Command,
		Args:             s.Args,
		Env:              s.Env,
		Headers:          s.Headers,
		Protocols:        s.Protocols,
		ProxyURL:         s.ProxyURL,
		RequestTimeout:   time.Duration(s.RequestTimeoutSeconds) * time.Second,
		HandshakeTimeout: time.Duration(s.HandshakeTimeoutSeconds) * time.Second,
	}
}
