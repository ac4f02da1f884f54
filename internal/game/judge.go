package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/voxalabs/voxroom/internal/config"
	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/llm"
	"github.com/voxalabs/voxroom/internal/store"
	"github.com/voxalabs/voxroom/internal/transport"
)

// ErrNoActiveGame means analysis was requested for a room without a
// running turtle soup session.
var ErrNoActiveGame = errors.New("no active turtle soup game")

// ErrBadJudgeOutput means the judge LLM returned something that is not
// parseable JSON even after stripping code fences.
var ErrBadJudgeOutput = errors.New("invalid JSON from judge")

const (
	defaultJudgeURL   = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	defaultJudgeModel = "qwen-plus"

	judgeUserMessage = "请根据上述规则和上下文，对用户的最新输入进行判定，并输出 JSON。"
)

// Completer is the LLM call the judge depends on.
type Completer interface {
	Complete(ctx context.Context, ep llm.Endpoint, system, user string, temperature float64) (string, error)
}

// Judge scores turtle soup play. Each analysis asks an LLM to rate the
// player's latest input against the puzzle's key points, then merges
// the verdict into the session.
type Judge struct {
	repo         store.Repository
	completer    Completer
	control      transport.AgentControl
	registry     *config.AgentRegistry
	templatePath string
	logger       *slog.Logger
}

// NewJudge creates a judge. configDir is the root asset directory.
func NewJudge(repo store.Repository, completer Completer, control transport.AgentControl, registry *config.AgentRegistry, configDir string, logger *slog.Logger) *Judge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{
		repo:         repo,
		completer:    completer,
		control:      control,
		registry:     registry,
		templatePath: filepath.Join(configDir, "prompts", "games", "turtle_soup_judge.xml"),
		logger:       logger,
	}
}

// Analyze judges the player's latest input. Progress and hit key points
// are merged into the session (progress replaces, kips union and never
// shrink), the verdict is cached for the silence ladder, and an urgent
// high-priority hint is spoken immediately then cleared.
func (j *Judge) Analyze(ctx context.Context, roomID, instanceID, agentID, userInput string, history []domain.HistoryItem) (*domain.JudgeResult, error) {
	session, err := j.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !session.IsPlaying() || session.GameType != domain.GameTurtleSoup || session.Content.TurtleSoup == nil {
		return nil, ErrNoActiveGame
	}

	agentCfg, err := j.registry.Get(agentID)
	if err != nil {
		return nil, fmt.Errorf("judge agent config: %w", err)
	}
	ep := llm.Endpoint{
		URL:    agentCfg.LLM.URL,
		APIKey: agentCfg.LLM.APIKey,
		Model:  agentCfg.LLM.Model,
	}
	if ep.URL == "" {
		ep.URL = defaultJudgeURL
	}
	if ep.Model == "" {
		ep.Model = defaultJudgeModel
	}

	system, err := j.judgePrompt(session.Content.TurtleSoup, userInput, history, session.KipsHit)
	if err != nil {
		return nil, err
	}

	// Low temperature: scoring is a logic task, not a creative one.
	raw, err := j.completer.Complete(ctx, ep, system, judgeUserMessage, 0.1)
	if err != nil {
		return nil, fmt.Errorf("judge completion: %w", err)
	}

	result, err := parseJudgeOutput(raw)
	if err != nil {
		j.logger.Error("failed to parse judge output", "room_id", roomID, "raw", raw)
		return nil, err
	}

	stateChanged := false
	patch := store.SessionPatch{LastAnalysis: result}

	if result.ProgressScore != session.ProgressScore {
		patch.ProgressScore = &result.ProgressScore
		stateChanged = true
	}
	if len(result.KipsHit) > 0 {
		merged := domain.MergeKips(session.KipsHit, result.KipsHit)
		if len(merged) != len(session.KipsHit) {
			patch.KipsHit = merged
			stateChanged = true
		}
	}

	if err := j.repo.UpdateGameSession(ctx, roomID, patch); err != nil {
		return nil, fmt.Errorf("persist judge verdict: %w", err)
	}

	if stateChanged {
		j.pushGameState(ctx, roomID)
	}

	if result.NeedsHint && result.HintUrgency == domain.UrgencyHigh && result.HintContent != "" {
		j.logger.Info("injecting urgent hint", "room_id", roomID)
		if err := j.control.SendAgentTTS(ctx, instanceID, result.HintContent, transport.SpeakOptions{}); err != nil {
			j.logger.Error("failed to inject urgent hint", "room_id", roomID, "error", err)
		}
		// clear so the silence ladder does not replay it
		cleared := *result
		cleared.NeedsHint = false
		cleared.HintContent = ""
		if err := j.repo.UpdateGameSession(ctx, roomID, store.SessionPatch{LastAnalysis: &cleared}); err != nil {
			return nil, fmt.Errorf("clear urgent hint: %w", err)
		}
	}

	return result, nil
}

func (j *Judge) judgePrompt(puzzle *domain.TurtleSoupContent, userInput string, history []domain.HistoryItem, kipsHit []int) (string, error) {
	data, err := os.ReadFile(j.templatePath)
	if err != nil {
		return "", fmt.Errorf("load judge template: %w", err)
	}

	puzzleJSON, err := json.Marshal(puzzle)
	if err != nil {
		return "", fmt.Errorf("encode puzzle: %w", err)
	}
	if kipsHit == nil {
		kipsHit = []int{}
	}
	kipsJSON, err := json.Marshal(kipsHit)
	if err != nil {
		return "", fmt.Errorf("encode kips: %w", err)
	}

	lines := make([]string, 0, len(history)+1)
	for _, item := range history {
		lines = append(lines, item.Role+": "+item.Content)
	}
	if userInput != "" {
		lines = append(lines, "user: "+userInput)
	}

	return strings.NewReplacer(
		"{{PUZZLE_JSON}}", string(puzzleJSON),
		"{{CONVERSATION_HISTORY}}", strings.Join(lines, "\n"),
		"{{KIPS_HIT}}", string(kipsJSON),
	).Replace(string(data)), nil
}

// gameStatePayload is the room broadcast shape the frontend expects.
// Only dynamic fields are sent; static puzzle data ships at game start.
type gameStatePayload struct {
	Cmd  int `json:"cmd"`
	Data struct {
		Type     string `json:"type"`
		GameType string `json:"gameType"`
		Payload  struct {
			Progress int   `json:"progress"`
			KipsHit  []int `json:"kips_hit"`
		} `json:"payload"`
	} `json:"data"`
}

// pushGameState broadcasts the latest progress to the room. Failures
// are logged, never fatal: the next state change re-broadcasts anyway.
func (j *Judge) pushGameState(ctx context.Context, roomID string) {
	session, err := j.repo.GetGameSession(ctx, roomID)
	if err != nil || session == nil || session.Content.TurtleSoup == nil {
		return
	}

	payload := gameStatePayload{Cmd: 1002}
	payload.Data.Type = "game_state_update"
	payload.Data.GameType = string(domain.GameTurtleSoup)
	payload.Data.Payload.Progress = session.ProgressScore
	payload.Data.Payload.KipsHit = session.KipsHit
	if payload.Data.Payload.KipsHit == nil {
		payload.Data.Payload.KipsHit = []int{}
	}

	content, err := json.Marshal(payload)
	if err != nil {
		j.logger.Error("failed to encode game state payload", "error", err)
		return
	}
	if err := j.control.SendRoomBroadcast(ctx, roomID, "server_judge", "Server Judge", string(content)); err != nil {
		j.logger.Error("failed to push game state", "room_id", roomID, "error", err)
		return
	}
	j.logger.Debug("pushed game state", "room_id", roomID, "progress", session.ProgressScore)
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	fencedRe     = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
	bareJSONRe   = regexp.MustCompile(`(?s)\{.*\}`)
)

// parseJudgeOutput extracts the verdict JSON. Models wrap output in
// code fences or pad it with prose more often than not.
func parseJudgeOutput(text string) (*domain.JudgeResult, error) {
	candidate := text
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	} else if m := fencedRe.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	} else if m := bareJSONRe.FindString(text); m != "" {
		candidate = m
	}

	var result domain.JudgeResult
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJudgeOutput, err)
	}
	return &result, nil
}
