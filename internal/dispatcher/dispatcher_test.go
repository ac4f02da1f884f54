package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxalabs/voxroom/internal/config"
	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/game"
	"github.com/voxalabs/voxroom/internal/prompt"
	"github.com/voxalabs/voxroom/internal/store"
	"github.com/voxalabs/voxroom/internal/transport"
)

type fakeRepo struct {
	sessions map[string]*domain.GameSession
	memories map[string]*domain.UserMemory
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]*domain.GameSession),
		memories: make(map[string]*domain.UserMemory),
	}
}

func (f *fakeRepo) GetGameSession(_ context.Context, roomID string) (*domain.GameSession, error) {
	session, ok := f.sessions[roomID]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (f *fakeRepo) CreateGameSession(_ context.Context, roomID string, gameType domain.GameType) (*domain.GameSession, error) {
	session := &domain.GameSession{
		RoomID:    roomID,
		GameType:  gameType,
		Status:    domain.StatusIdle,
		History:   []domain.HistoryItem{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.sessions[roomID] = session
	return session, nil
}

func (f *fakeRepo) UpdateGameSession(_ context.Context, roomID string, patch store.SessionPatch) error {
	session, ok := f.sessions[roomID]
	if !ok {
		return errors.New("no session")
	}
	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.GameID != nil {
		session.GameID = *patch.GameID
	}
	if patch.KipsHit != nil {
		session.KipsHit = patch.KipsHit
	}
	if patch.ProgressScore != nil {
		session.ProgressScore = *patch.ProgressScore
	}
	if patch.LastAnalysis != nil {
		session.LastAnalysis = patch.LastAnalysis
	}
	if patch.Content != nil {
		session.Content = *patch.Content
	}
	if patch.HintCount != nil {
		session.HintCount = *patch.HintCount
	}
	session.History = append(session.History, patch.AppendHistory...)
	session.UpdatedAt = time.Now()
	return nil
}

func (f *fakeRepo) DeleteGameSession(_ context.Context, roomID string) error {
	delete(f.sessions, roomID)
	return nil
}

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

func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

type llmCall struct {
	instanceID string
	text       string
	opts       transport.SpeakOptions
}

type fakeControl struct {
	ttsCalls []llmCall
	llmCalls []llmCall
	updates  []transport.LLMUpdate
	ttsErr   error
}

func (f *fakeControl) SendAgentTTS(_ context.Context, instanceID, text string, opts transport.SpeakOptions) error {
	f.ttsCalls = append(f.ttsCalls, llmCall{instanceID, text, opts})
	return f.ttsErr
}

func (f *fakeControl) SendAgentLLM(_ context.Context, instanceID, text string, opts transport.SpeakOptions) error {
	f.llmCalls = append(f.llmCalls, llmCall{instanceID, text, opts})
	return nil
}

func (f *fakeControl) UpdateAgentInstance(_ context.Context, _ string, update transport.LLMUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeControl) ResetAgentContext(context.Context, string) error   { return nil }
func (f *fakeControl) DeleteAgentInstance(context.Context, string) error { return nil }
func (f *fakeControl) SendRoomBroadcast(context.Context, string, string, string, string) error {
	return nil
}

type fakeModes struct {
	calls []domain.GameType
}

func (f *fakeModes) SetGameMode(_ string, gameType domain.GameType) {
	f.calls = append(f.calls, gameType)
}

// writeConfigDir lays out question banks, prompt templates, and one
// persona config.
func writeConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"games/turtle_soup.json":              `[{"id":"ts-1","title":"雾夜","content":"一个男人走进酒吧","answer":"他是司机","key_points":["他口渴"],"hints":[]}]`,
		"games/riddle.json":                   `[{"id":"r-1","question":"什么东西越洗越脏","answer":"水"}]`,
		"games/idiom_chain.json":              `[{"id":"i-1","content":"一马当先","pinyin":"yi ma dang xian"}]`,
		"prompts/games/turtle_soup.xml":       "题目:{{TITLE}}",
		"prompts/games/turtle_soup_fast.xml":  "主持海龟汤 题目:{{TITLE}} 汤底:{{ANSWER}}",
		"prompts/agents/luna/core.xml":        "<persona>场景:{{SCENE_TYPE}} 用户:{{TARGET_USER}} 状态:{{GAME_STATE}}</persona>",
		"agents/luna.json":                    `{"id":"luna","name":"Luna","llm":{"vendor":"CustomLLM","url":"https://example.test/v1","api_key":"k","model":"m"}}`,
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestDispatcher(t *testing.T, repo *fakeRepo, control *fakeControl) (*Dispatcher, *fakeModes) {
	t.Helper()
	dir := writeConfigDir(t)
	modes := &fakeModes{}
	d := New(
		game.NewEngine(repo, dir, nil),
		prompt.NewComposer(dir, nil),
		config.NewAgentRegistry(dir),
		control,
		repo,
		modes,
		nil,
	)
	return d, modes
}

func baseRequest(action string) Request {
	return Request{
		Action:     action,
		InstanceID: "inst-1",
		RoomID:     "room-1",
		AgentID:    "luna",
	}
}

func TestUnknownActionFailsWithoutApology(t *testing.T) {
	control := &fakeControl{}
	d, _ := newTestDispatcher(t, newFakeRepo(), control)

	result := d.Dispatch(context.Background(), baseRequest("DANCE"))
	if result.Success {
		t.Error("unknown action must not succeed")
	}
	if result.Message != "Unknown action" {
		t.Errorf("message = %q", result.Message)
	}
	if len(control.llmCalls) != 0 {
		t.Errorf("no agent traffic expected, got %d calls", len(control.llmCalls))
	}
}

func TestGameStartResolvesAliasAndRefreshesPrompt(t *testing.T) {
	repo := newFakeRepo()
	control := &fakeControl{}
	d, modes := newTestDispatcher(t, repo, control)

	req := baseRequest("GAME")
	req.Params = map[string]any{"gameType": "海龟汤"}

	result := d.Dispatch(context.Background(), req)
	if !result.Success {
		t.Fatalf("dispatch failed: %s", result.Message)
	}

	started, ok := result.Data.(*game.StartResult)
	if !ok || started.ID != "ts-1" {
		t.Fatalf("unexpected data: %+v", result.Data)
	}

	// the intro is spoken verbatim
	if len(control.ttsCalls) != 1 || !strings.Contains(control.ttsCalls[0].text, "游戏开始") {
		t.Errorf("intro not spoken: %+v", control.ttsCalls)
	}

	// mandatory prompt refresh with the game template
	if len(control.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(control.updates))
	}
	update := control.updates[0]
	if !strings.Contains(update.SystemPrompt, "主持海龟汤") || !strings.Contains(update.SystemPrompt, "他是司机") {
		t.Errorf("prompt missing game template: %q", update.SystemPrompt)
	}
	if update.Model != "m" || update.Vendor != "CustomLLM" {
		t.Errorf("LLM binding not carried: %+v", update)
	}

	if len(modes.calls) != 1 || modes.calls[0] != domain.GameTurtleSoup {
		t.Errorf("game mode not synced: %v", modes.calls)
	}
}

func TestGameStartSurvivesIntroTTSFailure(t *testing.T) {
	repo := newFakeRepo()
	control := &fakeControl{ttsErr: errors.New("tts down")}
	d, _ := newTestDispatcher(t, repo, control)

	req := baseRequest("GAME")
	req.Params = map[string]any{"gameType": "turtle_soup"}

	result := d.Dispatch(context.Background(), req)
	if !result.Success {
		t.Fatalf("TTS failure must not block the start: %s", result.Message)
	}
	if result.Data == nil {
		t.Error("game data missing")
	}
}

func TestGameStartWhileRunningApologizes(t *testing.T) {
	repo := newFakeRepo()
	control := &fakeControl{}
	d, _ := newTestDispatcher(t, repo, control)

	req := baseRequest("GAME")
	req.Params = map[string]any{"gameType": "turtle_soup"}
	if result := d.Dispatch(context.Background(), req); !result.Success {
		t.Fatalf("first start failed: %s", result.Message)
	}

	result := d.Dispatch(context.Background(), req)
	if result.Success {
		t.Fatal("second start must fail")
	}

	last := control.llmCalls[len(control.llmCalls)-1]
	if !strings.Contains(last.text, "[系统指令]") || !strings.Contains(last.text, "尚未结束") {
		t.Errorf("apology missing or raw: %q", last.text)
	}
}

func TestGameEndFlushesWithHighPriority(t *testing.T) {
	repo := newFakeRepo()
	control := &fakeControl{}
	d, modes := newTestDispatcher(t, repo, control)

	req := baseRequest("GAME")
	req.Params = map[string]any{"gameType": "turtle_soup"}
	if result := d.Dispatch(context.Background(), req); !result.Success {
		t.Fatalf("start failed: %s", result.Message)
	}

	result := d.Dispatch(context.Background(), baseRequest("GAME_END"))
	if !result.Success {
		t.Fatalf("end failed: %s", result.Message)
	}

	last := control.llmCalls[len(control.llmCalls)-1]
	if !strings.HasPrefix(last.text, "[系统消息]\n") || !strings.Contains(last.text, "他是司机") {
		t.Errorf("end message = %q", last.text)
	}
	if last.opts.Priority != transport.PriorityHigh || last.opts.SamePriorityOption != transport.OptionInterrupt {
		t.Errorf("end speech options = %+v, want High/Interrupt", last.opts)
	}

	// back to chat: game mode cleared, prompt recomposed without the game
	if modes.calls[len(modes.calls)-1] != "" {
		t.Errorf("game mode not cleared: %v", modes.calls)
	}
	lastUpdate := control.updates[len(control.updates)-1]
	if !strings.Contains(lastUpdate.SystemPrompt, "场景:闲聊") {
		t.Errorf("prompt not back to chat: %q", lastUpdate.SystemPrompt)
	}
}

func TestPauseAndResumeSendSystemMessages(t *testing.T) {
	repo := newFakeRepo()
	control := &fakeControl{}
	d, _ := newTestDispatcher(t, repo, control)

	req := baseRequest("GAME")
	req.Params = map[string]any{"gameType": "turtle_soup"}
	if result := d.Dispatch(context.Background(), req); !result.Success {
		t.Fatalf("start failed: %s", result.Message)
	}

	if result := d.Dispatch(context.Background(), baseRequest("GAME_PAUSE")); !result.Success {
		t.Fatalf("pause failed: %s", result.Message)
	}
	pauseMsg := control.llmCalls[len(control.llmCalls)-1].text
	if !strings.Contains(pauseMsg, "游戏已暂停") {
		t.Errorf("pause message = %q", pauseMsg)
	}

	if result := d.Dispatch(context.Background(), baseRequest("GAME_RESUME")); !result.Success {
		t.Fatalf("resume failed: %s", result.Message)
	}
	resumeMsg := control.llmCalls[len(control.llmCalls)-1].text
	if !strings.Contains(resumeMsg, "游戏已恢复") || !strings.Contains(resumeMsg, "雾夜") {
		t.Errorf("resume message = %q", resumeMsg)
	}
}

func TestPromptRefreshCarriesUserMemory(t *testing.T) {
	repo := newFakeRepo()
	repo.memories["u1/luna"] = &domain.UserMemory{
		UserID: "u1", AgentID: "luna",
		TargetUser: `{"name":"小王"}`,
	}
	control := &fakeControl{}
	d, _ := newTestDispatcher(t, repo, control)

	req := baseRequest("GAME_PAUSE")
	req.UserID = "u1"
	if result := d.Dispatch(context.Background(), req); !result.Success {
		t.Fatalf("dispatch failed: %s", result.Message)
	}

	if len(control.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(control.updates))
	}
	if !strings.Contains(control.updates[0].SystemPrompt, "小王") {
		t.Errorf("user memory missing from prompt: %q", control.updates[0].SystemPrompt)
	}
}

func TestNewsSendsBriefToAgent(t *testing.T) {
	control := &fakeControl{}
	d, _ := newTestDispatcher(t, newFakeRepo(), control)

	req := baseRequest("NEWS")
	req.Params = map[string]any{"type": "科技"}

	result := d.Dispatch(context.Background(), req)
	if !result.Success {
		t.Fatalf("dispatch failed: %s", result.Message)
	}
	if len(control.llmCalls) != 1 || !strings.Contains(control.llmCalls[0].text, "[科技]") {
		t.Errorf("news brief not delivered: %+v", control.llmCalls)
	}
}

func TestUnknownTaskApologizes(t *testing.T) {
	control := &fakeControl{}
	d, _ := newTestDispatcher(t, newFakeRepo(), control)

	req := baseRequest("TASK")
	req.Params = map[string]any{"taskType": "teleport"}

	result := d.Dispatch(context.Background(), req)
	if result.Success {
		t.Fatal("unknown task must fail")
	}
	last := control.llmCalls[len(control.llmCalls)-1]
	if !strings.Contains(last.text, "[系统指令]") {
		t.Errorf("apology missing: %q", last.text)
	}
}
