package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voxalabs/voxroom/internal/config"
	"github.com/voxalabs/voxroom/internal/convlog"
	"github.com/voxalabs/voxroom/internal/dispatcher"
	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/game"
	"github.com/voxalabs/voxroom/internal/memory"
	"github.com/voxalabs/voxroom/internal/prompt"
	"github.com/voxalabs/voxroom/internal/store"
	"github.com/voxalabs/voxroom/internal/transport"
)

// ActionDispatcher routes detected conversation actions.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) dispatcher.Result
}

// Judge scores turtle soup input against the active puzzle.
type Judge interface {
	Analyze(ctx context.Context, roomID, instanceID, agentID, userInput string, history []domain.HistoryItem) (*domain.JudgeResult, error)
}

// HintEngine exposes the game engine operations talk-first needs.
type HintEngine interface {
	Session(ctx context.Context, roomID string) (*domain.GameSession, error)
	HintStrategy(ctx context.Context, roomID string, level domain.SilenceLevel) (string, error)
}

// Evolver runs a memory evolution round.
type Evolver interface {
	Evolve(ctx context.Context, agentID, instanceID, userID, transcript, sessionID string) (*memory.EvolveResult, error)
}

// AgentHandler serves the agent orchestration endpoints.
type AgentHandler struct {
	repo     store.Repository
	dispatch ActionDispatcher
	judge    Judge
	engine   HintEngine
	composer *prompt.Composer
	registry *config.AgentRegistry
	control  transport.AgentControl
	evolver  Evolver
	convLog  convlog.Logger
	logger   *slog.Logger
}

// NewAgentHandler creates the handler. convLog may be convlog.Nop.
func NewAgentHandler(
	repo store.Repository,
	dispatch ActionDispatcher,
	judge Judge,
	engine HintEngine,
	composer *prompt.Composer,
	registry *config.AgentRegistry,
	control transport.AgentControl,
	evolver Evolver,
	convLog convlog.Logger,
	logger *slog.Logger,
) *AgentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if convLog == nil {
		convLog = convlog.Nop{}
	}
	return &AgentHandler{
		repo:     repo,
		dispatch: dispatch,
		judge:    judge,
		engine:   engine,
		composer: composer,
		registry: registry,
		control:  control,
		evolver:  evolver,
		convLog:  convLog,
		logger:   logger,
	}
}

// RegisterRoutes registers the agent API routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/dispatch", h.Dispatch)
		r.Post("/game/analyze", h.Analyze)
		r.Post("/agent/talk-first", h.TalkFirst)
		r.Post("/agent/evolve", h.Evolve)
		r.Get("/agents", h.ListAgents)
		r.Get("/health", h.Health)
	})
}

// Dispatch executes one detected action.
func (h *AgentHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.Request
	if err := decode(w, r, &req); err != nil {
		return
	}
	if req.Action == "" || req.RoomID == "" || req.InstanceID == "" {
		Error(w, http.StatusBadRequest, "action, roomId and instanceId are required")
		return
	}

	result := h.dispatch.Dispatch(r.Context(), req)
	h.convLog.Log(convlog.Event{
		RoomID:    req.RoomID,
		AgentID:   req.AgentID,
		Role:      "system",
		EventType: "action_dispatch",
		Content:   req.Action,
		Detail:    result,
	})
	JSON(w, http.StatusOK, result)
}

type analyzeRequest struct {
	RoomID     string               `json:"roomId"`
	InstanceID string               `json:"instanceId"`
	AgentID    string               `json:"agentId"`
	UserInput  string               `json:"userInput"`
	History    []domain.HistoryItem `json:"history,omitempty"`
}

// Analyze judges the player's latest turtle soup input. When the client
// sends no history the stored session history is used.
func (h *AgentHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	if req.RoomID == "" || req.UserInput == "" {
		Error(w, http.StatusBadRequest, "roomId and userInput are required")
		return
	}

	history := req.History
	if len(history) == 0 {
		session, err := h.engine.Session(r.Context(), req.RoomID)
		if err == nil && session != nil {
			history = session.History
		}
	}

	verdict, err := h.judge.Analyze(r.Context(), req.RoomID, req.InstanceID, req.AgentID, req.UserInput, history)
	if err != nil {
		if errors.Is(err, game.ErrNoActiveGame) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("analysis failed", "room_id", req.RoomID, "error", err)
		Error(w, http.StatusBadGateway, "analysis failed")
		return
	}

	h.convLog.Log(convlog.Event{
		RoomID:    req.RoomID,
		AgentID:   req.AgentID,
		Role:      "judge",
		EventType: "judge_verdict",
		Content:   req.UserInput,
		Detail:    verdict,
	})
	JSON(w, http.StatusOK, verdict)
}

type talkFirstRequest struct {
	RoomID     string `json:"roomId"`
	InstanceID string `json:"instanceId"`
	AgentID    string `json:"agentId"`
	UserID     string `json:"userId,omitempty"`
	Scene      string `json:"scene"`
	Level      string `json:"level"`
}

type talkFirstResponse struct {
	Spoke bool   `json:"spoke"`
	Route string `json:"route,omitempty"` // tts | llm
	Text  string `json:"text,omitempty"`
}

// TalkFirst makes the agent speak proactively after a silence level
// fires. Game rooms get a hint at medium and long levels; everything
// else renders the persona's proactive template. A "[TTS]" prefix reads
// the text verbatim, otherwise the text steers the agent's LLM.
func (h *AgentHandler) TalkFirst(w http.ResponseWriter, r *http.Request) {
	var req talkFirstRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	if req.InstanceID == "" || req.AgentID == "" {
		Error(w, http.StatusBadRequest, "instanceId and agentId are required")
		return
	}

	scene := domain.SceneType(req.Scene)
	if scene == "" {
		scene = domain.SceneChat
	}

	text := ""
	if scene == domain.SceneGame && (req.Level == string(domain.SilenceMedium) || req.Level == string(domain.SilenceLong)) {
		hint, err := h.engine.HintStrategy(r.Context(), req.RoomID, domain.SilenceLevel(req.Level))
		if err != nil {
			h.logger.Error("hint strategy failed", "room_id", req.RoomID, "error", err)
		} else {
			text = hint
		}
	}
	if text == "" {
		overrides := prompt.Vars{}
		if req.UserID != "" {
			if mem, err := h.repo.GetUserMemory(r.Context(), req.UserID, req.AgentID); err == nil && mem != nil {
				overrides["TARGET_USER"] = mem.TargetUser
				overrides["RELATIONSHIP_EVOLUTION"] = mem.RelationshipEvolution
			}
		}
		text = h.composer.ProactivePrompt(req.AgentID, scene, req.Level, overrides)
	}
	if text == "" {
		JSON(w, http.StatusOK, talkFirstResponse{Spoke: false})
		return
	}

	resp := talkFirstResponse{Spoke: true, Text: text}
	var err error
	if spoken, ok := strings.CutPrefix(text, "[TTS]"); ok {
		resp.Route = "tts"
		resp.Text = spoken
		err = h.control.SendAgentTTS(r.Context(), req.InstanceID, spoken, transport.SpeakOptions{})
	} else {
		resp.Route = "llm"
		err = h.control.SendAgentLLM(r.Context(), req.InstanceID, text, transport.SpeakOptions{})
	}
	if err != nil {
		h.logger.Error("proactive speech failed", "room_id", req.RoomID, "error", err)
		Error(w, http.StatusBadGateway, "proactive speech failed")
		return
	}

	h.convLog.Log(convlog.Event{
		RoomID:    req.RoomID,
		AgentID:   req.AgentID,
		Role:      "system",
		EventType: "proactive_" + req.Level,
		Content:   resp.Text,
	})
	JSON(w, http.StatusOK, resp)
}

type evolveRequest struct {
	AgentID    string `json:"agentId"`
	InstanceID string `json:"instanceId,omitempty"`
	UserID     string `json:"userId"`
	Transcript string `json:"transcript"`
	SessionID  string `json:"sessionId,omitempty"`
}

// Evolve runs one memory evolution round over new transcript lines.
func (h *AgentHandler) Evolve(w http.ResponseWriter, r *http.Request) {
	var req evolveRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	if req.AgentID == "" || req.Transcript == "" {
		Error(w, http.StatusBadRequest, "agentId and transcript are required")
		return
	}

	result, err := h.evolver.Evolve(r.Context(), req.AgentID, req.InstanceID, req.UserID, req.Transcript, req.SessionID)
	if err != nil {
		if errors.Is(err, memory.ErrNotConfigured) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("memory evolution failed", "agent_id", req.AgentID, "error", err)
		Error(w, http.StatusBadGateway, "memory evolution failed")
		return
	}
	JSON(w, http.StatusOK, result)
}

// agentView is the public shape of a persona config. Endpoint keys and
// memory app credentials never leave the server.
type agentView struct {
	ID              string `json:"id"`
	PlatformAgentID string `json:"platform_agent_id,omitempty"`
	Name            string `json:"name"`
}

// ListAgents lists configured personas.
func (h *AgentHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.LoadAll()
	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, agentView{
			ID:              agent.ID,
			PlatformAgentID: agent.PlatformAgentID,
			Name:            agent.Name,
		})
	}
	JSON(w, http.StatusOK, map[string]any{"agents": views})
}

// Health reports process and database health.
func (h *AgentHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
