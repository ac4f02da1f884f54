package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

type fakeRepo struct {
	memories map[string]*domain.UserMemory
	pingErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{memories: make(map[string]*domain.UserMemory)}
}

func (f *fakeRepo) GetGameSession(context.Context, string) (*domain.GameSession, error) {
	return nil, nil
}

func (f *fakeRepo) CreateGameSession(context.Context, string, domain.GameType) (*domain.GameSession, error) {
	return nil, nil
}

func (f *fakeRepo) UpdateGameSession(context.Context, string, store.SessionPatch) error { return nil }
func (f *fakeRepo) DeleteGameSession(context.Context, string) error                     { return nil }

func (f *fakeRepo) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) GetUserMemory(_ context.Context, userID, agentID string) (*domain.UserMemory, error) {
	mem, ok := f.memories[userID+"/"+agentID]
	if !ok {
		return nil, nil
	}
	copied := *mem
	return &copied, nil
}

func (f *fakeRepo) UpsertUserMemory(_ context.Context, mem *domain.UserMemory) error {
	copied := *mem
	f.memories[mem.UserID+"/"+mem.AgentID] = &copied
	return nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error               { return nil }

type fakeDispatcher struct {
	got    dispatcher.Request
	result dispatcher.Result
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatcher.Request) dispatcher.Result {
	f.got = req
	return f.result
}

type fakeJudge struct {
	gotInput   string
	gotHistory []domain.HistoryItem
	verdict    *domain.JudgeResult
	err        error
}

func (f *fakeJudge) Analyze(_ context.Context, _, _, _, userInput string, history []domain.HistoryItem) (*domain.JudgeResult, error) {
	f.gotInput = userInput
	f.gotHistory = history
	return f.verdict, f.err
}

type fakeEngine struct {
	session  *domain.GameSession
	hint     string
	gotLevel domain.SilenceLevel
}

func (f *fakeEngine) Session(context.Context, string) (*domain.GameSession, error) {
	return f.session, nil
}

func (f *fakeEngine) HintStrategy(_ context.Context, _ string, level domain.SilenceLevel) (string, error) {
	f.gotLevel = level
	return f.hint, nil
}

type fakeEvolver struct {
	result *memory.EvolveResult
	err    error
}

func (f *fakeEvolver) Evolve(context.Context, string, string, string, string, string) (*memory.EvolveResult, error) {
	return f.result, f.err
}

type speakCall struct {
	text string
	opts transport.SpeakOptions
}

type fakeControl struct {
	ttsCalls []speakCall
	llmCalls []speakCall
}

func (f *fakeControl) SendAgentTTS(_ context.Context, _, text string, opts transport.SpeakOptions) error {
	f.ttsCalls = append(f.ttsCalls, speakCall{text, opts})
	return nil
}

func (f *fakeControl) SendAgentLLM(_ context.Context, _, text string, opts transport.SpeakOptions) error {
	f.llmCalls = append(f.llmCalls, speakCall{text, opts})
	return nil
}

func (f *fakeControl) UpdateAgentInstance(context.Context, string, transport.LLMUpdate) error {
	return nil
}

func (f *fakeControl) ResetAgentContext(context.Context, string) error   { return nil }
func (f *fakeControl) DeleteAgentInstance(context.Context, string) error { return nil }
func (f *fakeControl) SendRoomBroadcast(context.Context, string, string, string, string) error {
	return nil
}

type handlerDeps struct {
	repo     *fakeRepo
	dispatch *fakeDispatcher
	judge    *fakeJudge
	engine   *fakeEngine
	evolver  *fakeEvolver
	control  *fakeControl
}

func newTestRouter(t *testing.T, deps *handlerDeps) chi.Router {
	t.Helper()
	dir := t.TempDir()

	agentPath := filepath.Join(dir, "agents", "luna.json")
	if err := os.MkdirAll(filepath.Dir(agentPath), 0o755); err != nil {
		t.Fatal(err)
	}
	agentJSON := `{"id":"luna","name":"Luna","platform_agent_id":"pa-1","llm":{"vendor":"CustomLLM","url":"https://example.test/v1","api_key":"secret-key","model":"m"}}`
	if err := os.WriteFile(agentPath, []byte(agentJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	h := NewAgentHandler(
		deps.repo,
		deps.dispatch,
		deps.judge,
		deps.engine,
		prompt.NewComposer(dir, nil),
		config.NewAgentRegistry(dir),
		deps.control,
		deps.evolver,
		convlog.Nop{},
		nil,
	)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func defaultDeps() *handlerDeps {
	return &handlerDeps{
		repo:     newFakeRepo(),
		dispatch: &fakeDispatcher{result: dispatcher.Result{Success: true}},
		judge:    &fakeJudge{verdict: &domain.JudgeResult{ProgressScore: 40}},
		engine:   &fakeEngine{},
		evolver:  &fakeEvolver{result: &memory.EvolveResult{SessionID: "sess-1"}},
		control:  &fakeControl{},
	}
}

func postJSON(t *testing.T, r chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDispatchValidatesRequiredFields(t *testing.T) {
	r := newTestRouter(t, defaultDeps())

	w := postJSON(t, r, "/api/dispatch", map[string]string{"action": "GAME"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDispatchRoutesRequest(t *testing.T) {
	deps := defaultDeps()
	deps.dispatch.result = dispatcher.Result{Success: true, Message: "ok"}
	r := newTestRouter(t, deps)

	w := postJSON(t, r, "/api/dispatch", map[string]any{
		"action":     "GAME",
		"roomId":     "room-1",
		"instanceId": "inst-1",
		"params":     map[string]string{"gameType": "海龟汤"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if deps.dispatch.got.Action != "GAME" || deps.dispatch.got.Params["gameType"] != "海龟汤" {
		t.Errorf("request not forwarded: %+v", deps.dispatch.got)
	}

	var result dispatcher.Result
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Message != "ok" {
		t.Errorf("result = %+v", result)
	}
}

func TestAnalyzeWithoutActiveGameConflicts(t *testing.T) {
	deps := defaultDeps()
	deps.judge.err = game.ErrNoActiveGame
	deps.judge.verdict = nil
	r := newTestRouter(t, deps)

	w := postJSON(t, r, "/api/game/analyze", map[string]string{
		"roomId": "room-1", "userInput": "他口渴吗？",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestAnalyzeFallsBackToStoredHistory(t *testing.T) {
	deps := defaultDeps()
	deps.engine.session = &domain.GameSession{
		RoomID: "room-1",
		History: []domain.HistoryItem{
			{Role: "user", Content: "他自杀了吗？"},
		},
	}
	r := newTestRouter(t, deps)

	w := postJSON(t, r, "/api/game/analyze", map[string]string{
		"roomId": "room-1", "userInput": "他口渴吗？",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(deps.judge.gotHistory) != 1 || deps.judge.gotHistory[0].Content != "他自杀了吗？" {
		t.Errorf("stored history not used: %+v", deps.judge.gotHistory)
	}
}

func TestTalkFirstGameHintRoutesToTTS(t *testing.T) {
	deps := defaultDeps()
	deps.engine.hint = "[TTS]注意枪其实是道具。"
	r := newTestRouter(t, deps)

	w := postJSON(t, r, "/api/agent/talk-first", map[string]string{
		"roomId": "room-1", "instanceId": "inst-1", "agentId": "luna",
		"scene": "game", "level": "medium",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if deps.engine.gotLevel != domain.SilenceMedium {
		t.Errorf("level = %s, want medium", deps.engine.gotLevel)
	}
	if len(deps.control.ttsCalls) != 1 || deps.control.ttsCalls[0].text != "注意枪其实是道具。" {
		t.Errorf("TTS not routed: %+v", deps.control.ttsCalls)
	}
	if len(deps.control.llmCalls) != 0 {
		t.Errorf("unexpected LLM traffic: %+v", deps.control.llmCalls)
	}

	var resp talkFirstResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Spoke || resp.Route != "tts" {
		t.Errorf("response = %+v", resp)
	}
}

func TestTalkFirstChatUsesProactiveTemplate(t *testing.T) {
	deps := defaultDeps()
	r := newTestRouter(t, deps)

	w := postJSON(t, r, "/api/agent/talk-first", map[string]string{
		"instanceId": "inst-1", "agentId": "luna",
		"scene": "chat", "level": "medium",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(deps.control.llmCalls) != 1 {
		t.Fatalf("expected one LLM call, got %+v", deps.control.llmCalls)
	}
	if !strings.Contains(deps.control.llmCalls[0].text, "主动关心") {
		t.Errorf("template not rendered: %q", deps.control.llmCalls[0].text)
	}
}

func TestTalkFirstStaysQuietWithoutTemplate(t *testing.T) {
	deps := defaultDeps()
	r := newTestRouter(t, deps)

	// the default proactive config has no short-level line for chat
	w := postJSON(t, r, "/api/agent/talk-first", map[string]string{
		"instanceId": "inst-1", "agentId": "luna",
		"scene": "chat", "level": "short",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp talkFirstResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Spoke {
		t.Errorf("expected silence, got %+v", resp)
	}
	if len(deps.control.ttsCalls)+len(deps.control.llmCalls) != 0 {
		t.Error("no agent traffic expected")
	}
}

func TestEvolveNotConfiguredConflicts(t *testing.T) {
	deps := defaultDeps()
	deps.evolver.err = memory.ErrNotConfigured
	deps.evolver.result = nil
	r := newTestRouter(t, deps)

	w := postJSON(t, r, "/api/agent/evolve", map[string]string{
		"agentId": "luna", "transcript": "user: 你好",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestListAgentsHidesCredentials(t *testing.T) {
	r := newTestRouter(t, defaultDeps())

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "luna") || !strings.Contains(body, "pa-1") {
		t.Errorf("agent listing incomplete: %s", body)
	}
	if strings.Contains(body, "secret-key") {
		t.Errorf("credentials leaked: %s", body)
	}
}

func TestHealthReflectsDatabase(t *testing.T) {
	deps := defaultDeps()
	r := newTestRouter(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", w.Code)
	}

	deps.repo.pingErr = context.DeadlineExceeded
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", w.Code)
	}
}
