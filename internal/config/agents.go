package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// LLMConfig is the completion endpoint for one agent persona.
type LLMConfig struct {
	Vendor string `json:"vendor"`
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

// SilencePhrases are per-level fallback lines for proactive speech.
type SilencePhrases struct {
	Short  string `json:"short"`
	Medium string `json:"medium"`
	Long   string `json:"long"`
}

// InteractionConfig holds canned interaction content for a persona.
type InteractionConfig struct {
	Welcome string         `json:"welcome"`
	Silence SilencePhrases `json:"silence"`
}

// MemoryAgentConfig points at the session-based memory-evolution app.
type MemoryAgentConfig struct {
	AppID  string `json:"app_id"`
	APIKey string `json:"api_key"`
	URL    string `json:"url"`
}

// AgentConfig describes one voice persona: its LLM endpoint, canned
// interaction content, and the optional memory-evolution app binding.
type AgentConfig struct {
	ID              string             `json:"id"`
	PlatformAgentID string             `json:"platform_agent_id"`
	Name            string             `json:"name"`
	LLM             LLMConfig          `json:"llm"`
	Interaction     *InteractionConfig `json:"interaction,omitempty"`
	MemoryAgent     *MemoryAgentConfig `json:"memory_agent,omitempty"`
}

// AgentRegistry loads persona configs from CONFIG_DIR/agents/*.json.
// Files are re-read on every lookup so edits take effect without restart.
type AgentRegistry struct {
	dir string
}

// NewAgentRegistry creates a registry rooted at configDir/agents.
func NewAgentRegistry(configDir string) *AgentRegistry {
	return &AgentRegistry{dir: filepath.Join(configDir, "agents")}
}

// LoadAll returns every valid persona config, sorted by ID.
func (r *AgentRegistry) LoadAll() []AgentConfig {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		slog.Warn("agents directory not readable", "dir", r.dir, "error", err)
		return nil
	}

	var agents []AgentConfig
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("failed to read agent config", "path", path, "error", err)
			continue
		}
		var cfg AgentConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Error("failed to parse agent config", "path", path, "error", err)
			continue
		}
		if cfg.ID == "" || cfg.Name == "" {
			slog.Warn("agent config missing id or name, skipping", "path", path)
			continue
		}
		agents = append(agents, cfg)
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Get returns the persona config with the given ID.
func (r *AgentRegistry) Get(agentID string) (*AgentConfig, error) {
	for _, agent := range r.LoadAll() {
		if agent.ID == agentID {
			return &agent, nil
		}
	}
	return nil, fmt.Errorf("agent %q not configured", agentID)
}
