// Package dispatcher routes actions detected in agent conversations
// (start a game, pause it, run a task) to the engine, and keeps the
// live agent instance's system prompt in sync with the room state.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxalabs/voxroom/internal/config"
	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/game"
	"github.com/voxalabs/voxroom/internal/prompt"
	"github.com/voxalabs/voxroom/internal/store"
	"github.com/voxalabs/voxroom/internal/transport"
)

// gameAliases maps natural-language game names the agent emits to
// canonical game types.
var gameAliases = map[string]domain.GameType{
	"海龟汤": domain.GameTurtleSoup,
	"猜谜":  domain.GameRiddle,
	"成语接龙": domain.GameIdiomChain,
}

// Request is one detected action to dispatch.
type Request struct {
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	InstanceID string         `json:"instanceId"`
	RoomID     string         `json:"roomId"`
	AgentID    string         `json:"agentId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
}

// Result reports the dispatch outcome. Data carries game display
// payloads the frontend renders directly.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// GameModeSetter lets the dispatcher tell the silence ladder whether
// the room is in game mode.
type GameModeSetter interface {
	SetGameMode(roomID string, gameType domain.GameType)
}

// Dispatcher executes actions and enforces the prompt-refresh contract:
// every game action ends with the agent instance's system prompt
// rebuilt from the current room state.
type Dispatcher struct {
	engine   *game.Engine
	composer *prompt.Composer
	registry *config.AgentRegistry
	control  transport.AgentControl
	repo     store.Repository
	modes    GameModeSetter
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(engine *game.Engine, composer *prompt.Composer, registry *config.AgentRegistry, control transport.AgentControl, repo store.Repository, modes GameModeSetter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:   engine,
		composer: composer,
		registry: registry,
		control:  control,
		repo:     repo,
		modes:    modes,
		logger:   logger,
	}
}

// Dispatch routes one action. Failures never surface raw to the user:
// the agent is told to apologize in persona and the error is returned
// in the result for the caller's logs.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	d.logger.Info("dispatching action", "action", req.Action, "room_id", req.RoomID)

	var (
		message string
		data    any
		err     error
	)

	switch req.Action {
	case "NEWS":
		message = newsBrief(paramString(req.Params, "type"))
		err = d.sendResultToAgent(ctx, req.InstanceID, message, transport.SpeakOptions{})

	case "GAME":
		data, err = d.handleGameStart(ctx, req)

	case "GAME_PAUSE":
		err = d.executeGameAction(ctx, req, transport.SpeakOptions{}, func() (string, error) {
			msg, pauseErr := d.engine.Pause(ctx, req.RoomID)
			return systemMessage(msg), pauseErr
		})

	case "GAME_RESUME":
		err = d.executeGameAction(ctx, req, transport.SpeakOptions{}, func() (string, error) {
			msg, resumeErr := d.engine.Resume(ctx, req.RoomID)
			return systemMessage(msg), resumeErr
		})

	case "GAME_END":
		// High/Interrupt flushes queued hints so the reveal is spoken now
		opts := transport.SpeakOptions{Priority: transport.PriorityHigh, SamePriorityOption: transport.OptionInterrupt}
		err = d.executeGameAction(ctx, req, opts, func() (string, error) {
			msg, endErr := d.engine.End(ctx, req.RoomID)
			return systemMessage(msg), endErr
		})

	case "TASK":
		data, err = d.handleTask(ctx, req)

	default:
		d.logger.Warn("unknown action", "action", req.Action)
		return Result{Success: false, Message: "Unknown action"}
	}

	if err != nil {
		d.logger.Error("dispatch failed", "action", req.Action, "room_id", req.RoomID, "error", err)
		d.apologize(ctx, req.InstanceID, err)
		return Result{Success: false, Message: err.Error()}
	}

	return Result{Success: true, Message: message, Data: data}
}

// handleGameStart resolves aliases, starts the round, speaks the intro
// via TTS (best effort), and refreshes the prompt.
func (d *Dispatcher) handleGameStart(ctx context.Context, req Request) (any, error) {
	raw := strings.TrimSpace(paramString(req.Params, "gameType"))
	gameType := domain.GameType(raw)
	if alias, ok := gameAliases[raw]; ok {
		gameType = alias
	}

	var started *game.StartResult
	err := d.executeGameAction(ctx, req, transport.SpeakOptions{}, func() (string, error) {
		result, startErr := d.engine.Start(ctx, req.RoomID, gameType)
		if startErr != nil {
			return "", startErr
		}
		started = result

		// read the intro verbatim: the game prompt forbids the fast
		// agent from improvising rules, and a TTS failure must not
		// block the game data from reaching the frontend
		if ttsErr := d.control.SendAgentTTS(ctx, req.InstanceID, result.Intro, transport.SpeakOptions{}); ttsErr != nil {
			d.logger.Error("failed to speak game intro", "room_id", req.RoomID, "error", ttsErr)
		}
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// handleTask runs a background task and reports its result through the
// agent in persona.
func (d *Dispatcher) handleTask(ctx context.Context, req Request) (any, error) {
	taskType := paramString(req.Params, "taskType")
	if taskType == "" {
		taskType = paramString(req.Params, "type")
	}

	switch taskType {
	case "weather":
		location := paramString(req.Params, "location")
		if location == "" {
			location = "北京"
		}
		brief := fmt.Sprintf("[系统消息 - 任务完成]\n已查询[%s]天气，请根据你掌握的常识描述当季典型天气，并提醒用户以当地实时预报为准。\n\n请用以上内容回复用户，使用自然的口语化表达。", location)
		if err := d.sendResultToAgent(ctx, req.InstanceID, brief, transport.SpeakOptions{}); err != nil {
			return nil, err
		}
		return map[string]any{"taskType": taskType, "location": location}, nil
	default:
		return nil, fmt.Errorf("unknown task type: %s", taskType)
	}
}

// executeGameAction wraps a game operation with the mandatory prompt
// refresh so the LLM always knows the current rules and phase.
func (d *Dispatcher) executeGameAction(ctx context.Context, req Request, opts transport.SpeakOptions, logic func() (string, error)) error {
	message, err := logic()
	if err != nil {
		return err
	}

	if message != "" {
		if err := d.sendResultToAgent(ctx, req.InstanceID, message, opts); err != nil {
			return err
		}
	}

	return d.refreshAgentPrompt(ctx, req)
}

// refreshAgentPrompt rebuilds the agent's system prompt from the
// current game state and user memory, and syncs the silence ladder's
// game mode.
func (d *Dispatcher) refreshAgentPrompt(ctx context.Context, req Request) error {
	gameType, err := d.engine.CurrentGameType(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("resolve game state: %w", err)
	}

	if d.modes != nil {
		d.modes.SetGameMode(req.RoomID, gameType)
	}

	scene := domain.SceneChat
	overrides := prompt.Vars{}
	if gameType != "" {
		scene = domain.SceneGame
		overrides["GAME_TYPE"] = string(gameType)
		gameVars, varsErr := d.engine.PromptVariables(ctx, req.RoomID)
		if varsErr != nil {
			return fmt.Errorf("game prompt variables: %w", varsErr)
		}
		for k, v := range gameVars {
			overrides[k] = v
		}
	} else {
		block, blockErr := d.engine.StatePromptBlock(ctx, req.RoomID)
		if blockErr != nil {
			return fmt.Errorf("game state block: %w", blockErr)
		}
		overrides["GAME_STATE"] = block
	}

	if req.UserID != "" {
		if mem, memErr := d.repo.GetUserMemory(ctx, req.UserID, d.agentID(req)); memErr == nil && mem != nil {
			overrides["TARGET_USER"] = mem.TargetUser
			overrides["RELATIONSHIP_EVOLUTION"] = mem.RelationshipEvolution
		}
	}

	agentID := d.agentID(req)
	systemPrompt, err := d.composer.Compose(agentID, scene, overrides)
	if err != nil {
		return fmt.Errorf("compose system prompt: %w", err)
	}

	agentCfg, err := d.registry.Get(agentID)
	if err != nil {
		return fmt.Errorf("agent config: %w", err)
	}

	d.logger.Info("refreshing agent prompt", "instance_id", req.InstanceID, "scene", scene)
	return d.control.UpdateAgentInstance(ctx, req.InstanceID, transport.LLMUpdate{
		Vendor:       agentCfg.LLM.Vendor,
		URL:          agentCfg.LLM.URL,
		APIKey:       agentCfg.LLM.APIKey,
		Model:        agentCfg.LLM.Model,
		SystemPrompt: systemPrompt,
	})
}

func (d *Dispatcher) sendResultToAgent(ctx context.Context, instanceID, content string, opts transport.SpeakOptions) error {
	d.logger.Debug("sending result to agent", "instance_id", instanceID)
	return d.control.SendAgentLLM(ctx, instanceID, content, opts)
}

// apologize tells the agent to break the bad news gently. Best effort:
// if even this fails the error is only logged.
func (d *Dispatcher) apologize(ctx context.Context, instanceID string, cause error) {
	text := fmt.Sprintf("[系统指令] 后台任务执行遇到问题（原因：%s）。请用委婉、抱歉的语气告知用户刚才的请求没能完成，并建议换个话题。", cause.Error())
	if err := d.control.SendAgentLLM(ctx, instanceID, text, transport.SpeakOptions{}); err != nil {
		d.logger.Error("failed to deliver apology", "instance_id", instanceID, "error", err)
	}
}

func (d *Dispatcher) agentID(req Request) string {
	if req.AgentID != "" {
		return req.AgentID
	}
	if agents := d.registry.LoadAll(); len(agents) > 0 {
		return agents[0].ID
	}
	return ""
}

func systemMessage(msg string) string {
	return "[系统消息]\n" + msg
}

func newsBrief(topic string) string {
	if topic == "" {
		topic = "综合"
	}
	return fmt.Sprintf("[系统消息 - 新闻查询完成]\n已为你整理今日[%s]热点：\n1. AI 技术持续突破，多智能体架构成趋势。\n2. 科技巨头发布新一代芯片。\n3. ...\n\n请用自然语言向用户播报以上内容。", topic)
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
