package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/store"
)

var (
	// ErrGameInProgress rejects a start while another round is running.
	// The agent occasionally hallucinates a start action mid-game.
	ErrGameInProgress = errors.New("当前游戏尚未结束，请先说完\"不玩了\"结束当前游戏")
	// ErrUnknownGameType rejects game types without a question bank.
	ErrUnknownGameType = errors.New("unsupported game type")
)

// KipView is one key information point shaped for the frontend.
type KipView struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Unlocked bool   `json:"unlocked"`
}

// StartResult is handed to the frontend when a game starts. Intro is
// also spoken by the agent via TTS.
type StartResult struct {
	ID       string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Story    string    `json:"story,omitempty"`
	Intro    string    `json:"intro"`
	Puzzle   string    `json:"puzzle"`
	Progress int       `json:"progress"`
	Hints    []string  `json:"hints"`
	Kips     []KipView `json:"kips,omitempty"`
}

// Engine drives game session lifecycle on top of the session store.
type Engine struct {
	repo      store.Repository
	bank      *Bank
	promptDir string
	logger    *slog.Logger
	intn      func(int) int
}

// NewEngine creates a game engine. configDir is the root asset
// directory holding games/ and prompts/.
func NewEngine(repo store.Repository, configDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:      repo,
		bank:      NewBank(configDir),
		promptDir: filepath.Join(configDir, "prompts", "games"),
		logger:    logger,
		intn:      rand.IntN,
	}
}

// Session returns the room's game session, or nil if none exists.
func (e *Engine) Session(ctx context.Context, roomID string) (*domain.GameSession, error) {
	return e.repo.GetGameSession(ctx, roomID)
}

// CurrentGameType returns the room's game type while a game is actively
// playing, or "" otherwise.
func (e *Engine) CurrentGameType(ctx context.Context, roomID string) (domain.GameType, error) {
	session, err := e.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return "", err
	}
	if session.IsPlaying() {
		return session.GameType, nil
	}
	return "", nil
}

// Start begins a new round. A running game blocks the start; the
// previous round's question is excluded from the draw when possible.
func (e *Engine) Start(ctx context.Context, roomID string, gameType domain.GameType) (*StartResult, error) {
	if !gameType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGameType, gameType)
	}

	questions, err := e.bank.Load(gameType)
	if err != nil {
		return nil, err
	}

	current, err := e.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if current.IsPlaying() {
		return nil, ErrGameInProgress
	}
	var previousID string
	if current != nil {
		previousID = current.GameID
	}

	question := pick(questions, previousID, e.intn)

	if _, err := e.repo.CreateGameSession(ctx, roomID, gameType); err != nil {
		return nil, fmt.Errorf("create game session: %w", err)
	}

	playing := domain.StatusPlaying
	patch := store.SessionPatch{
		Status: &playing,
		GameID: &question.ID,
	}

	var result *StartResult
	switch gameType {
	case domain.GameTurtleSoup:
		patch.Content = &domain.GameContent{TurtleSoup: &domain.TurtleSoupContent{
			Title:     question.Title,
			Content:   question.Content,
			Answer:    question.Answer,
			KeyPoints: question.KeyPoints,
			Hints:     question.Hints,
		}}
		kips := make([]KipView, len(question.KeyPoints))
		for i, kp := range question.KeyPoints {
			kips[i] = KipView{Name: fmt.Sprintf("线索 %d", i+1), Content: kp}
		}
		result = &StartResult{
			ID:     question.ID,
			Title:  question.Title,
			Story:  question.Content,
			Intro:  fmt.Sprintf("游戏开始！汤底是：%s\n请开始提问吧！", question.Content),
			Puzzle: question.Content,
			Hints:  []string{},
			Kips:   kips,
		}
	case domain.GameRiddle:
		patch.Content = &domain.GameContent{Riddle: &domain.RiddleContent{
			Question: question.Question,
			Answer:   question.Answer,
		}}
		result = &StartResult{
			ID:     question.ID,
			Intro:  fmt.Sprintf("猜谜开始！谜面是：%s", question.Question),
			Puzzle: question.Question,
			Hints:  []string{},
		}
	case domain.GameIdiomChain:
		patch.Content = &domain.GameContent{IdiomChain: &domain.IdiomChainContent{
			Word:   question.Content,
			Pinyin: question.Pinyin,
		}}
		result = &StartResult{
			ID:     question.ID,
			Intro:  fmt.Sprintf("成语接龙开始！我先出：%s。请接龙~", question.Content),
			Puzzle: question.Content,
			Hints:  []string{},
		}
	}

	if err := e.repo.UpdateGameSession(ctx, roomID, patch); err != nil {
		return nil, fmt.Errorf("activate game session: %w", err)
	}

	e.logger.Info("game started", "room_id", roomID, "game_type", gameType, "question_id", question.ID)
	return result, nil
}

// Pause suspends a running game. The returned message is user-facing.
func (e *Engine) Pause(ctx context.Context, roomID string) (string, error) {
	session, err := e.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !session.IsPlaying() {
		return "当前没有正在进行的游戏，无法暂停。", nil
	}
	paused := domain.StatusPaused
	if err := e.repo.UpdateGameSession(ctx, roomID, store.SessionPatch{Status: &paused}); err != nil {
		return "", fmt.Errorf("pause game: %w", err)
	}
	return "游戏已暂停。随时告诉我\"继续游戏\"即可恢复。", nil
}

// Resume reactivates a paused game and builds a recap so the agent can
// restate where play left off.
func (e *Engine) Resume(ctx context.Context, roomID string) (string, error) {
	session, err := e.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "没有找到可以恢复的游戏记录。", nil
	}
	if session.IsPlaying() {
		return "游戏正在进行中，无需恢复。", nil
	}

	playing := domain.StatusPlaying
	if err := e.repo.UpdateGameSession(ctx, roomID, store.SessionPatch{Status: &playing}); err != nil {
		return "", fmt.Errorf("resume game: %w", err)
	}

	var recap string
	switch {
	case session.Content.TurtleSoup != nil:
		recap = fmt.Sprintf("刚才我们在玩海龟汤《%s》。汤底是：%s", session.Content.TurtleSoup.Title, session.Content.TurtleSoup.Content)
	case session.Content.Riddle != nil:
		recap = fmt.Sprintf("刚才我们在猜谜。谜面是：%s", session.Content.Riddle.Question)
	case session.Content.IdiomChain != nil:
		recap = fmt.Sprintf("刚才我们在玩成语接龙，当前成语是：%s", session.Content.IdiomChain.Word)
	}

	return fmt.Sprintf("游戏已恢复！%s\n请继续。", recap), nil
}

// End finishes the game, reveals the answer where the game has one, and
// deletes the session.
func (e *Engine) End(ctx context.Context, roomID string) (string, error) {
	session, err := e.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "当前没有游戏。", nil
	}

	var reveal string
	switch {
	case session.Content.TurtleSoup != nil:
		reveal = fmt.Sprintf("汤底真相是：%s", session.Content.TurtleSoup.Answer)
	case session.Content.Riddle != nil:
		reveal = fmt.Sprintf("谜底是：%s", session.Content.Riddle.Answer)
	}
	// idiom chain has no single answer to reveal

	if err := e.repo.DeleteGameSession(ctx, roomID); err != nil {
		return "", fmt.Errorf("end game: %w", err)
	}

	e.logger.Info("game ended", "room_id", roomID, "game_type", session.GameType)
	return fmt.Sprintf("游戏结束啦！%s\n稍微休息一下吧~", reveal), nil
}

// PromptVariables returns game-specific template variables for the
// split-brain prompt while a turtle soup round is running.
func (e *Engine) PromptVariables(ctx context.Context, roomID string) (map[string]string, error) {
	session, err := e.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Content.TurtleSoup == nil {
		return map[string]string{}, nil
	}
	puzzle := session.Content.TurtleSoup
	return map[string]string{
		"TITLE":   puzzle.Title,
		"CONTENT": puzzle.Content,
		"ANSWER":  puzzle.Answer,
	}, nil
}

// StatePromptBlock renders the game-state block injected into the
// system prompt while a game is actively playing. Returns "" otherwise.
func (e *Engine) StatePromptBlock(ctx context.Context, roomID string) (string, error) {
	session, err := e.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !session.IsPlaying() {
		return "", nil
	}

	path := filepath.Join(e.promptDir, string(session.GameType)+".xml")
	data, err := os.ReadFile(path)
	if err != nil {
		e.logger.Error("game state template not found", "path", path, "error", err)
		return "", nil
	}
	template := string(data)

	switch {
	case session.Content.TurtleSoup != nil:
		puzzle := session.Content.TurtleSoup
		template = strings.NewReplacer(
			"{{TITLE}}", puzzle.Title,
			"{{CONTENT}}", puzzle.Content,
			"{{ANSWER}}", puzzle.Answer,
			"{{KEY_POINTS}}", strings.Join(puzzle.KeyPoints, "; "),
			"{{HINTS}}", strings.Join(puzzle.Hints, "; "),
		).Replace(template)
	case session.Content.Riddle != nil:
		template = strings.NewReplacer(
			"{{QUESTION}}", session.Content.Riddle.Question,
			"{{ANSWER}}", session.Content.Riddle.Answer,
		).Replace(template)
	case session.Content.IdiomChain != nil:
		template = strings.ReplaceAll(template, "{{CURRENT_IDIOM}}", session.Content.IdiomChain.Word)
	}

	return fmt.Sprintf("<game_state>\n%s\n</game_state>", template), nil
}

// HintStrategy picks the proactive hint for a silent player. A "[TTS]"
// prefix makes the dispatcher read the text verbatim instead of routing
// it through the agent's LLM. Each call counts as one served hint.
func (e *Engine) HintStrategy(ctx context.Context, roomID string, level domain.SilenceLevel) (string, error) {
	session, err := e.repo.GetGameSession(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !session.IsPlaying() {
		return "", nil
	}

	newCount := session.HintCount + 1
	if err := e.repo.UpdateGameSession(ctx, roomID, store.SessionPatch{HintCount: &newCount}); err != nil {
		return "", fmt.Errorf("bump hint count: %w", err)
	}

	switch session.GameType {
	case domain.GameTurtleSoup:
		// Serve the judge's prepared hint first, then clear it so the
		// silence ladder does not replay it.
		if last := session.LastAnalysis; last != nil && last.NeedsHint && last.HintContent != "" {
			hint := last.HintContent
			cleared := *last
			cleared.NeedsHint = false
			cleared.HintContent = ""
			if err := e.repo.UpdateGameSession(ctx, roomID, store.SessionPatch{LastAnalysis: &cleared}); err != nil {
				return "", fmt.Errorf("clear served hint: %w", err)
			}
			return "[TTS]" + hint, nil
		}
		if level == domain.SilenceMedium {
			return "[TTS]你还在思考吗？不着急哦～细心一点，有没有漏掉什么细节？", nil
		}
		return "[TTS]是不是卡住了？要不试着换个角度想想？或者你可以直接问我。", nil

	case domain.GameRiddle:
		if level == domain.SilenceMedium {
			return "用户在思考。你可以轻声重复一遍谜面，或者用幽默的方式给一个关于谜底类型的模糊暗示。", nil
		}
		return "用户似乎难住了。请给出一个比较明显的提示，但尽量不要直接说出谜底，让他享受猜出的成就感。", nil

	case domain.GameIdiomChain:
		word := ""
		if session.Content.IdiomChain != nil {
			word = session.Content.IdiomChain.Word
		}
		return fmt.Sprintf("用户暂时没有接上。请友善地鼓励他，或者提示当前成语\"%s\"的最后一个字可以组什么词。如果他不想玩了，可以询问是否换个话题。", word), nil
	}
	return "", nil
}
