// Package game runs the room-scoped mini games: session lifecycle,
// question banks, silence hint strategies, and the LLM judge that
// scores turtle soup progress.
package game

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voxalabs/voxroom/internal/domain"
)

// Question is one entry of a question bank file. Field usage depends on
// the game type: turtle soup uses title/content/answer/key_points/hints,
// riddle uses question/answer, idiom chain uses content/pinyin.
type Question struct {
	ID        string   `json:"id"`
	Title     string   `json:"title,omitempty"`
	Content   string   `json:"content,omitempty"`
	Answer    string   `json:"answer,omitempty"`
	KeyPoints []string `json:"key_points,omitempty"`
	Hints     []string `json:"hints,omitempty"`
	Question  string   `json:"question,omitempty"`
	Pinyin    string   `json:"pinyin,omitempty"`
}

// Bank loads question banks from CONFIG_DIR/games/<type>.json. Files
// are re-read on every load so bank edits apply without restart.
type Bank struct {
	dir string
}

// NewBank creates a bank rooted at configDir/games.
func NewBank(configDir string) *Bank {
	return &Bank{dir: filepath.Join(configDir, "games")}
}

// Load returns all questions for a game type.
func (b *Bank) Load(gameType domain.GameType) ([]Question, error) {
	path := filepath.Join(b.dir, string(gameType)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load question bank for %s: %w", gameType, err)
	}
	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("parse question bank %s: %w", path, err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("question bank %s is empty", path)
	}
	return questions, nil
}

// pick selects a random question, avoiding excludeID when the bank has
// alternatives so back-to-back rounds get fresh material.
func pick(questions []Question, excludeID string, intn func(int) int) Question {
	candidates := questions
	if excludeID != "" && len(questions) > 1 {
		filtered := make([]Question, 0, len(questions))
		for _, q := range questions {
			if q.ID != excludeID {
				filtered = append(filtered, q)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	return candidates[intn(len(candidates))]
}
