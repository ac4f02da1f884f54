// Package memory evolves per-user agent memory from conversation
// transcripts via a session-based memory agent, and hot-updates the
// live agent instance with the refreshed profile.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/voxalabs/voxroom/internal/config"
	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/llm"
	"github.com/voxalabs/voxroom/internal/prompt"
	"github.com/voxalabs/voxroom/internal/store"
	"github.com/voxalabs/voxroom/internal/transport"
)

// ErrNotConfigured means the agent has no memory-agent binding.
var ErrNotConfigured = errors.New("agent not configured for memory evolution")

const evolveInstruction = `
[Task]
Analyze the dialogue history and update the User Profile and Relationship Evolution.
Output JSON format with 'memory' (user profile) and 'relationship_evolution'.

[Focus Areas]
- Basic Info: Name, Age, Gender, **LOCATION (City/Region)**
- Preferences: Food, Drink, Hobbies, Dislikes
- Relationship: Current status, dynamic changes

[Current Memory State]
%s

[New Dialogue]
%s
`

// SessionCompleter is the session-based LLM call the manager depends on.
type SessionCompleter interface {
	CompleteSession(ctx context.Context, ep llm.SessionEndpoint, prompt, sessionID string) (string, string, error)
}

// Manager runs memory evolution rounds.
type Manager struct {
	repo     store.Repository
	llm      SessionCompleter
	control  transport.AgentControl
	composer *prompt.Composer
	registry *config.AgentRegistry
	logger   *slog.Logger
}

// NewManager creates a memory manager.
func NewManager(repo store.Repository, completer SessionCompleter, control transport.AgentControl, composer *prompt.Composer, registry *config.AgentRegistry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:     repo,
		llm:      completer,
		control:  control,
		composer: composer,
		registry: registry,
		logger:   logger,
	}
}

// EvolveResult reports one evolution round.
type EvolveResult struct {
	SessionID    string `json:"sessionId"`
	Updated      bool   `json:"updated"`
	TargetUser   string `json:"targetUser,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// Evolve feeds new transcript lines to the memory agent and persists
// what it learned. The profile (targetUser) is deep-merged so facts
// accumulate across rounds; the relationship line is replaced outright.
// When anything changed and an instance ID is known, the live agent's
// system prompt is hot-updated.
func (m *Manager) Evolve(ctx context.Context, agentID, instanceID, userID, transcript, sessionID string) (*EvolveResult, error) {
	agentCfg, err := m.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if agentCfg.MemoryAgent == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, agentID)
	}
	ep := llm.SessionEndpoint{
		URL:    agentCfg.MemoryAgent.URL,
		AppID:  agentCfg.MemoryAgent.AppID,
		APIKey: agentCfg.MemoryAgent.APIKey,
	}

	// the first round of a session seeds the memory agent with what we
	// already know about this user
	initialMemory := "{}"
	if sessionID == "" && userID != "" {
		if current, memErr := m.repo.GetUserMemory(ctx, userID, agentID); memErr == nil && current != nil && current.TargetUser != "" {
			initialMemory = current.TargetUser
		}
	}

	instruction := fmt.Sprintf(evolveInstruction, initialMemory, transcript)
	answer, newSessionID, err := m.llm.CompleteSession(ctx, ep, instruction, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory agent call: %w", err)
	}

	profile, relationship := parseEvolutionOutput(answer)
	result := &EvolveResult{SessionID: newSessionID}

	if (profile == nil && relationship == "") || userID == "" {
		return result, nil
	}

	mem, err := m.repo.GetUserMemory(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("load user memory: %w", err)
	}
	if mem == nil {
		mem = &domain.UserMemory{UserID: userID, AgentID: agentID}
	}

	if profile != nil {
		current := map[string]any{}
		if mem.TargetUser != "" {
			if jsonErr := json.Unmarshal([]byte(mem.TargetUser), &current); jsonErr != nil {
				m.logger.Warn("existing profile is not JSON, starting fresh", "user_id", userID, "error", jsonErr)
				current = map[string]any{}
			}
		}
		merged := deepMerge(current, profile)
		encoded, jsonErr := json.MarshalIndent(merged, "", "  ")
		if jsonErr != nil {
			return nil, fmt.Errorf("encode merged profile: %w", jsonErr)
		}
		mem.TargetUser = string(encoded)
	}
	if relationship != "" {
		mem.RelationshipEvolution = relationship
	}

	if err := m.repo.UpsertUserMemory(ctx, mem); err != nil {
		return nil, fmt.Errorf("save user memory: %w", err)
	}
	m.logger.Info("user memory evolved", "user_id", userID, "agent_id", agentID)

	result.Updated = true
	result.TargetUser = mem.TargetUser
	result.Relationship = mem.RelationshipEvolution

	if instanceID != "" {
		if err := m.hotUpdateAgent(ctx, agentCfg, instanceID, mem); err != nil {
			m.logger.Error("failed to hot-update agent after evolution", "instance_id", instanceID, "error", err)
		}
	}

	return result, nil
}

// hotUpdateAgent recomposes the chat prompt with the fresh memory and
// pushes it to the running instance.
func (m *Manager) hotUpdateAgent(ctx context.Context, agentCfg *config.AgentConfig, instanceID string, mem *domain.UserMemory) error {
	systemPrompt, err := m.composer.Compose(agentCfg.ID, domain.SceneChat, prompt.Vars{
		"TARGET_USER":            mem.TargetUser,
		"RELATIONSHIP_EVOLUTION": mem.RelationshipEvolution,
	})
	if err != nil {
		return err
	}
	return m.control.UpdateAgentInstance(ctx, instanceID, transport.LLMUpdate{
		Vendor:       agentCfg.LLM.Vendor,
		URL:          agentCfg.LLM.URL,
		APIKey:       agentCfg.LLM.APIKey,
		Model:        agentCfg.LLM.Model,
		SystemPrompt: systemPrompt,
	})
}

// deepMerge merges src into dst recursively. Nested objects merge key
// by key; scalars and arrays from src replace dst's values. Neither
// input is mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	fencedRe     = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
)

// parseEvolutionOutput normalizes the memory agent's answer. The model
// nests fields inconsistently: relationship_evolution sometimes hides
// inside memory, and memory sometimes wraps another memory object.
func parseEvolutionOutput(text string) (map[string]any, string) {
	candidate := text
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	} else if m := fencedRe.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, ""
	}

	profileAny := parsed["memory"]
	if profileAny == nil {
		profileAny = parsed["user_profile"]
	}
	relationship := stringify(parsed["relationship_evolution"])
	if relationship == "" {
		relationship = stringify(parsed["relationship"])
	}

	profile, _ := profileAny.(map[string]any)
	if profile != nil {
		if nested, ok := profile["relationship_evolution"]; ok {
			if relationship == "" {
				relationship = stringify(nested)
			}
			delete(profile, "relationship_evolution")
		}
		if inner, ok := profile["memory"].(map[string]any); ok {
			profile = inner
		}
	}

	return profile, strings.TrimSpace(relationship)
}

func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
