package game

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/store"
)

// fakeRepo is an in-memory store.Repository for engine and judge tests.
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

func (f *fakeRepo) CleanupExpiredSessions(_ context.Context, ttl time.Duration) (int64, error) {
	var n int64
	for roomID, session := range f.sessions {
		if time.Since(session.UpdatedAt) > ttl {
			delete(f.sessions, roomID)
			n++
		}
	}
	return n, nil
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

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

// writeConfigDir lays out question banks and game prompt templates.
func writeConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"games/turtle_soup.json": `[
			{"id":"ts-1","title":"雾夜","content":"一个男人走进酒吧","answer":"他是司机","key_points":["他口渴","枪是道具"],"hints":["注意枪"]},
			{"id":"ts-2","title":"灯塔","content":"守塔人关了灯","answer":"船撞礁了","key_points":["灯灭了"],"hints":[]}
		]`,
		"games/riddle.json":      `[{"id":"r-1","question":"什么东西越洗越脏","answer":"水"}]`,
		"games/idiom_chain.json": `[{"id":"i-1","content":"一马当先","pinyin":"yi ma dang xian"}]`,
		"prompts/games/turtle_soup.xml": "题目:{{TITLE}} 汤面:{{CONTENT}} 汤底:{{ANSWER}} 线索:{{KEY_POINTS}} 提示:{{HINTS}}",
		"prompts/games/riddle.xml":      "谜面:{{QUESTION}} 谜底:{{ANSWER}}",
		"prompts/games/idiom_chain.xml": "当前:{{CURRENT_IDIOM}}",
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

func newTestEngine(t *testing.T, repo store.Repository) *Engine {
	t.Helper()
	return NewEngine(repo, writeConfigDir(t), nil)
}

func TestStartTurtleSoup(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	engine.intn = func(int) int { return 0 }

	result, err := engine.Start(context.Background(), "room-1", domain.GameTurtleSoup)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if result.ID != "ts-1" {
		t.Errorf("ID = %q, want ts-1", result.ID)
	}
	if !strings.Contains(result.Intro, "游戏开始！汤底是：一个男人走进酒吧") {
		t.Errorf("unexpected intro: %q", result.Intro)
	}
	if len(result.Kips) != 2 || result.Kips[0].Name != "线索 1" || result.Kips[0].Unlocked {
		t.Errorf("unexpected kips: %+v", result.Kips)
	}

	session, _ := repo.GetGameSession(context.Background(), "room-1")
	if !session.IsPlaying() {
		t.Errorf("session status = %s, want playing", session.Status)
	}
	if session.Content.TurtleSoup == nil || session.Content.TurtleSoup.Answer != "他是司机" {
		t.Errorf("content not persisted: %+v", session.Content)
	}
}

func TestStartRejectsWhilePlaying(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)

	if _, err := engine.Start(context.Background(), "room-1", domain.GameTurtleSoup); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := engine.Start(context.Background(), "room-1", domain.GameRiddle)
	if !errors.Is(err, ErrGameInProgress) {
		t.Errorf("second Start err = %v, want ErrGameInProgress", err)
	}
}

func TestStartExcludesPreviousQuestion(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	engine.intn = func(int) int { return 0 }

	// a finished prior round left gameID ts-1 behind
	_, _ = repo.CreateGameSession(context.Background(), "room-1", domain.GameTurtleSoup)
	prevID := "ts-1"
	idle := domain.StatusIdle
	_ = repo.UpdateGameSession(context.Background(), "room-1", store.SessionPatch{Status: &idle, GameID: &prevID})

	result, err := engine.Start(context.Background(), "room-1", domain.GameTurtleSoup)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.ID == "ts-1" {
		t.Error("previous question was not excluded")
	}
}

func TestStartUnknownType(t *testing.T) {
	engine := newTestEngine(t, newFakeRepo())
	if _, err := engine.Start(context.Background(), "room-1", "chess"); !errors.Is(err, ErrUnknownGameType) {
		t.Errorf("err = %v, want ErrUnknownGameType", err)
	}
}

func TestPauseResumeEnd(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	engine.intn = func(int) int { return 0 }
	ctx := context.Background()

	if msg, _ := engine.Pause(ctx, "room-1"); !strings.Contains(msg, "没有正在进行的游戏") {
		t.Errorf("pause without game = %q", msg)
	}

	if _, err := engine.Start(ctx, "room-1", domain.GameTurtleSoup); err != nil {
		t.Fatal(err)
	}

	msg, err := engine.Pause(ctx, "room-1")
	if err != nil || !strings.Contains(msg, "游戏已暂停") {
		t.Errorf("pause = %q, %v", msg, err)
	}
	session, _ := repo.GetGameSession(ctx, "room-1")
	if session.Status != domain.StatusPaused {
		t.Errorf("status = %s, want paused", session.Status)
	}

	msg, err = engine.Resume(ctx, "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "游戏已恢复") || !strings.Contains(msg, "海龟汤《雾夜》") {
		t.Errorf("resume recap = %q", msg)
	}
	if msg, _ := engine.Resume(ctx, "room-1"); !strings.Contains(msg, "无需恢复") {
		t.Errorf("resume while playing = %q", msg)
	}

	msg, err = engine.End(ctx, "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "汤底真相是：他是司机") {
		t.Errorf("end reveal = %q", msg)
	}
	if session, _ := repo.GetGameSession(ctx, "room-1"); session != nil {
		t.Error("session should be deleted after end")
	}
	if msg, _ := engine.End(ctx, "room-1"); msg != "当前没有游戏。" {
		t.Errorf("end without game = %q", msg)
	}
}

func TestCurrentGameType(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	if gt, _ := engine.CurrentGameType(ctx, "room-1"); gt != "" {
		t.Errorf("no session game type = %q", gt)
	}

	_, _ = engine.Start(ctx, "room-1", domain.GameRiddle)
	if gt, _ := engine.CurrentGameType(ctx, "room-1"); gt != domain.GameRiddle {
		t.Errorf("game type = %q, want riddle", gt)
	}

	_, _ = engine.Pause(ctx, "room-1")
	if gt, _ := engine.CurrentGameType(ctx, "room-1"); gt != "" {
		t.Errorf("paused game type = %q, want empty", gt)
	}
}

func TestStatePromptBlock(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	engine.intn = func(int) int { return 0 }
	ctx := context.Background()

	if block, _ := engine.StatePromptBlock(ctx, "room-1"); block != "" {
		t.Errorf("block without game = %q", block)
	}

	_, _ = engine.Start(ctx, "room-1", domain.GameTurtleSoup)
	block, err := engine.StatePromptBlock(ctx, "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(block, "<game_state>\n") || !strings.HasSuffix(block, "\n</game_state>") {
		t.Errorf("block not wrapped: %q", block)
	}
	if !strings.Contains(block, "线索:他口渴; 枪是道具") {
		t.Errorf("key points not joined: %q", block)
	}
	if !strings.Contains(block, "汤底:他是司机") {
		t.Errorf("answer missing: %q", block)
	}
}

func TestPromptVariables(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	engine.intn = func(int) int { return 0 }
	ctx := context.Background()

	vars, _ := engine.PromptVariables(ctx, "room-1")
	if len(vars) != 0 {
		t.Errorf("vars without game = %v", vars)
	}

	_, _ = engine.Start(ctx, "room-1", domain.GameTurtleSoup)
	vars, _ = engine.PromptVariables(ctx, "room-1")
	if vars["TITLE"] != "雾夜" || vars["ANSWER"] != "他是司机" {
		t.Errorf("unexpected vars: %v", vars)
	}
}

func TestHintStrategyConsumesJudgeHint(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	engine.intn = func(int) int { return 0 }
	ctx := context.Background()

	_, _ = engine.Start(ctx, "room-1", domain.GameTurtleSoup)
	_ = repo.UpdateGameSession(ctx, "room-1", store.SessionPatch{
		LastAnalysis: &domain.JudgeResult{NeedsHint: true, HintUrgency: domain.UrgencyLow, HintContent: "想想酒吧里有什么"},
	})

	hint, err := engine.HintStrategy(ctx, "room-1", domain.SilenceMedium)
	if err != nil {
		t.Fatal(err)
	}
	if hint != "[TTS]想想酒吧里有什么" {
		t.Errorf("hint = %q", hint)
	}

	session, _ := repo.GetGameSession(ctx, "room-1")
	if session.HintCount != 1 {
		t.Errorf("hint count = %d, want 1", session.HintCount)
	}
	if session.LastAnalysis.NeedsHint || session.LastAnalysis.HintContent != "" {
		t.Errorf("served hint not cleared: %+v", session.LastAnalysis)
	}

	// second call falls back to the canned encouragement
	hint, _ = engine.HintStrategy(ctx, "room-1", domain.SilenceMedium)
	if !strings.HasPrefix(hint, "[TTS]你还在思考吗") {
		t.Errorf("fallback hint = %q", hint)
	}
}

func TestHintStrategyByGameAndLevel(t *testing.T) {
	repo := newFakeRepo()
	engine := newTestEngine(t, repo)
	ctx := context.Background()

	if hint, _ := engine.HintStrategy(ctx, "room-1", domain.SilenceMedium); hint != "" {
		t.Errorf("hint without game = %q", hint)
	}

	_, _ = engine.Start(ctx, "room-1", domain.GameRiddle)
	hint, _ := engine.HintStrategy(ctx, "room-1", domain.SilenceLong)
	if !strings.Contains(hint, "比较明显的提示") {
		t.Errorf("riddle long hint = %q", hint)
	}
	if strings.HasPrefix(hint, "[TTS]") {
		t.Errorf("riddle hints go through the LLM, got TTS: %q", hint)
	}

	_, _ = engine.End(ctx, "room-1")
	_, _ = engine.Start(ctx, "room-1", domain.GameIdiomChain)
	hint, _ = engine.HintStrategy(ctx, "room-1", domain.SilenceMedium)
	if !strings.Contains(hint, "一马当先") {
		t.Errorf("idiom hint should quote current word: %q", hint)
	}
}
